package virtio

import "encoding/binary"

// readConfigWindow reads a 4-byte window out of configBytes at relOffset
// (an offset already relative to the device config-space base). Returns
// (value, handled). An out-of-range offset within a read-only config space
// reads back as zero, matching how real virtio-mmio config windows behave
// past the end of the defined structure.
func readConfigWindow(relOffset uint64, configBytes []byte) (uint32, bool) {
	if int(relOffset) >= len(configBytes) {
		return 0, true
	}
	var buf [4]byte
	copy(buf[:], configBytes[relOffset:])
	return binary.LittleEndian.Uint32(buf[:]), true
}

// writeConfigNoop accepts and discards writes to read-only config space.
func writeConfigNoop(uint64, uint32) bool {
	return true
}
