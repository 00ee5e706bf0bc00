package virtio

import "encoding/binary"

// fakeDevice is an in-memory implementation of the device interface, used
// to exercise deviceHandler logic (Blk, Net) without a real guestmem.Memory
// mapping or mmio register transport.
type fakeDevice struct {
	mem        map[uint64]byte
	queues     []queue
	eventIdx   bool
	interrupts int
}

func newFakeDevice(numQueues int, queueSize uint16) *fakeDevice {
	d := &fakeDevice{
		mem:    make(map[uint64]byte),
		queues: make([]queue, numQueues),
	}
	for i := range d.queues {
		d.queues[i] = queue{size: queueSize, maxSize: queueSize, ready: true}
	}
	return d
}

func (d *fakeDevice) queue(index int) *queue {
	if index < 0 || index >= len(d.queues) {
		return nil
	}
	return &d.queues[index]
}

func (d *fakeDevice) readAvailState(q *queue) (uint16, uint16, error) {
	flags := d.readUint16(q.availAddr)
	idx := d.readUint16(q.availAddr + 2)
	return flags, idx, nil
}

func (d *fakeDevice) readAvailEntry(q *queue, ringIndex uint16) (uint16, error) {
	return d.readUint16(q.availAddr + 4 + uint64(ringIndex)*2), nil
}

func (d *fakeDevice) readDescriptor(q *queue, index uint16) (virtqDescriptor, error) {
	base := q.descAddr + uint64(index)*16
	return virtqDescriptor{
		addr:   d.readUint64(base),
		length: d.readUint32(base + 8),
		flags:  d.readUint16(base + 12),
		next:   d.readUint16(base + 14),
	}, nil
}

func (d *fakeDevice) recordUsedElement(q *queue, head uint16, length uint32) error {
	ringIndex := q.usedIdx % q.size
	base := q.usedAddr + 4 + uint64(ringIndex)*8
	d.writeUint32(base, uint32(head))
	d.writeUint32(base+4, length)
	q.usedIdx++
	d.writeUint16(q.usedAddr+2, q.usedIdx)
	return nil
}

func (d *fakeDevice) raiseInterrupt(uint32) error {
	d.interrupts++
	return nil
}

func (d *fakeDevice) readGuest(addr uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = d.mem[addr+uint64(i)]
	}
	return buf, nil
}

func (d *fakeDevice) writeGuest(addr uint64, data []byte) error {
	for i, b := range data {
		d.mem[addr+uint64(i)] = b
	}
	return nil
}

func (d *fakeDevice) eventIdxEnabled() bool { return d.eventIdx }

func (d *fakeDevice) setAvailEvent(q *queue, value uint16) error {
	d.writeUint16(q.usedAddr+4+uint64(q.size)*8, value)
	return nil
}

func (d *fakeDevice) readUsedEvent(q *queue) (uint16, error) {
	return d.readUint16(q.availAddr + 4 + uint64(q.size)*2), nil
}

func (d *fakeDevice) usedFlags(q *queue) uint16 {
	return d.readUint16(q.usedAddr)
}

func (d *fakeDevice) disableNotify(q *queue) error {
	if d.eventIdx {
		return d.setAvailEvent(q, q.lastAvailIdx-1)
	}
	d.writeUint16(q.usedAddr, d.usedFlags(q)|vringUsedFNoNotify)
	return nil
}

func (d *fakeDevice) enableNotify(q *queue) error {
	if d.eventIdx {
		_, availIdx, _ := d.readAvailState(q)
		return d.setAvailEvent(q, availIdx)
	}
	d.writeUint16(q.usedAddr, d.usedFlags(q)&^uint16(vringUsedFNoNotify))
	return nil
}

func (d *fakeDevice) readUint16(addr uint64) uint16 {
	var buf [2]byte
	for i := range buf {
		buf[i] = d.mem[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint16(buf[:])
}

func (d *fakeDevice) readUint32(addr uint64) uint32 {
	var buf [4]byte
	for i := range buf {
		buf[i] = d.mem[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (d *fakeDevice) readUint64(addr uint64) uint64 {
	var buf [8]byte
	for i := range buf {
		buf[i] = d.mem[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (d *fakeDevice) writeUint16(addr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	for i, b := range buf {
		d.mem[addr+uint64(i)] = b
	}
}

func (d *fakeDevice) writeUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	for i, b := range buf {
		d.mem[addr+uint64(i)] = b
	}
}

func (d *fakeDevice) writeUint64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i, b := range buf {
		d.mem[addr+uint64(i)] = b
	}
}

func (d *fakeDevice) writeDescriptor(q *queue, index uint16, desc virtqDescriptor) {
	base := q.descAddr + uint64(index)*16
	d.writeUint64(base, desc.addr)
	d.writeUint32(base+8, desc.length)
	d.writeUint16(base+12, desc.flags)
	d.writeUint16(base+14, desc.next)
}

// pushAvail appends head to the avail ring and bumps avail.idx.
func (d *fakeDevice) pushAvail(q *queue, head uint16) {
	_, idx, _ := d.readAvailState(q)
	ringIndex := idx % q.size
	d.writeUint16(q.availAddr+4+uint64(ringIndex)*2, head)
	d.writeUint16(q.availAddr+2, idx+1)
}

// layoutQueue assigns non-overlapping desc/avail/used regions starting at
// base for a queue of the given size, matching real virtqueue layout rules
// closely enough for unit tests (used ring padded to a 4-byte boundary).
func layoutQueue(q *queue, base uint64) {
	q.descAddr = base
	descBytes := uint64(q.size) * 16
	q.availAddr = base + descBytes
	availBytes := uint64(4 + uint64(q.size)*2 + 2)
	q.usedAddr = q.availAddr + availBytes + (4 - availBytes%4)%4
}
