package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/syswonder/hvisor-virtio-backend/internal/guestmem"
)

const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	virtioFeatureVersion1 = uint64(1) << 32

	VIRTIO_MMIO_INT_VRING  = 0x1 // used buffer notification
	VIRTIO_MMIO_INT_CONFIG = 0x2 // configuration change

	virtqDescFNext               = 1
	virtqDescFWrite              = 2
	virtioRingFeatureEventIdxBit = 29

	vringUsedFNoNotify = 1
)

// mmioDevice is the virtio-mmio register transport for one emulated
// device. It holds all per-device register state and translates register
// accesses and virtqueue walks into guestmem.Memory operations, reporting
// interrupts to the bridge instead of a live vCPU's interrupt controller.
type mmioDevice struct {
	mem    *guestmem.Memory
	irq    IRQPoster
	zoneID uint32

	base    uint64
	size    uint64
	irqLine uint32
	irqHigh atomic.Bool

	deviceID uint32
	vendorID uint32
	version  uint32

	handler deviceHandler

	deviceFeatureSel uint32
	driverFeatureSel uint32

	defaultDeviceFeatures []uint32
	deviceFeatures        []uint32
	driverFeatures        []uint32

	queueSel         uint32
	deviceStatus     uint32
	interruptStatus  atomic.Uint32
	configGeneration uint32

	queues []queue
}

type queue struct {
	size         uint16
	maxSize      uint16
	ready        bool
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
	usedIdx      uint16

	// usedMu guards every update of the used ring (and the reset that
	// zeroes it): a block device's worker thread commits completions on
	// its own goroutine while the bridge thread can reset the queue out
	// from under it via STATUS=0 or QUEUE_READY=0.
	usedMu sync.Mutex
}

type virtqDescriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

func (q *queue) reset() {
	q.usedMu.Lock()
	defer q.usedMu.Unlock()
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

func ensureQueueReady(q *queue) error {
	if q == nil || !q.ready || q.size == 0 {
		return fmt.Errorf("queue not ready")
	}
	return nil
}

// newMMIODevice creates the register transport for one device. zoneID and
// irqLine identify, for the bridge's benefit, which zone and IRQ line an
// asynchronous interrupt posting targets.
func newMMIODevice(mem *guestmem.Memory, irq IRQPoster, zoneID uint32, base, size uint64, irqLine uint32, deviceID, vendorID, version uint32, featureBits []uint64, handler deviceHandler) *mmioDevice {
	if handler == nil {
		panic("virtio MMIO device requires a handler")
	}
	queueCount := handler.NumQueues()
	if queueCount <= 0 {
		panic("virtio device must expose at least one queue")
	}

	d := &mmioDevice{
		mem:      mem,
		irq:      irq,
		zoneID:   zoneID,
		base:     base,
		size:     size,
		irqLine:  irqLine,
		deviceID: deviceID,
		vendorID: vendorID,
		version:  version,
		handler:  handler,
	}

	featureWords := len(featureBits)
	if featureWords == 0 {
		featureWords = 1
	}
	d.defaultDeviceFeatures = make([]uint32, featureWords*2)
	idx := 0
	for _, bitset := range featureBits {
		d.defaultDeviceFeatures[idx] = uint32(bitset & 0xffffffff)
		d.defaultDeviceFeatures[idx+1] = uint32(bitset >> 32)
		idx += 2
	}

	d.deviceFeatures = make([]uint32, len(d.defaultDeviceFeatures))
	d.driverFeatures = make([]uint32, len(d.defaultDeviceFeatures))

	d.queues = make([]queue, queueCount)
	for i := range d.queues {
		d.queues[i].maxSize = handler.QueueMaxSize(i)
		if d.queues[i].maxSize == 0 {
			panic(fmt.Sprintf("virtio device queue %d has zero max size", i))
		}
	}

	d.reset()
	return d
}

// HandleRequest dispatches one bridge request against this device's
// registers and returns the value to report back for a read. Callers are
// expected to have already confirmed the request's address falls within
// [base, base+size).
func (d *mmioDevice) HandleRequest(addr uint64, size uint64, isWrite bool, value uint64) uint64 {
	offset := addr - d.base
	if isWrite {
		if err := d.writeRegister(offset, uint32(value)); err != nil {
			slog.Error("virtio-mmio: write failed", "offset", offset, "err", err)
		}
		return 0
	}
	v, err := d.readRegister(offset)
	if err != nil {
		slog.Error("virtio-mmio: read failed", "offset", offset, "err", err)
		return 0
	}
	_ = size // register width does not change the semantics of any register here
	return uint64(v)
}

func (d *mmioDevice) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		d.deviceFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		d.driverFeatureSel = value
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if d.driverFeatureSel < uint32(len(d.driverFeatures)) {
			d.driverFeatures[d.driverFeatureSel] |= value
		}
	case VIRTIO_MMIO_QUEUE_SEL:
		d.queueSel = value
	case VIRTIO_MMIO_QUEUE_NUM:
		if q := d.currentQueue(); q != nil {
			if value > uint32(q.maxSize) {
				slog.Error("virtio-mmio: invalid queue size", "size", value, "max", q.maxSize)
				return fmt.Errorf("queue size %d invalid", value)
			}
			q.size = uint16(value)
		}
	case VIRTIO_MMIO_QUEUE_READY:
		if q := d.currentQueue(); q != nil {
			if value&0x1 == 0 {
				q.reset()
				return nil
			}
			if q.size == 0 {
				slog.Error("virtio-mmio: attempt to ready queue with size 0", "idx", d.queueSel)
				return fmt.Errorf("queue ready set before queue size")
			}
			q.ready = true
		}
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		if q := d.currentQueue(); q != nil {
			q.descAddr = (q.descAddr &^ 0xffffffff) | uint64(value)
		}
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		if q := d.currentQueue(); q != nil {
			q.descAddr = (q.descAddr &^ (uint64(0xffffffff) << 32)) | (uint64(value) << 32)
		}
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		if q := d.currentQueue(); q != nil {
			q.availAddr = (q.availAddr &^ 0xffffffff) | uint64(value)
		}
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		if q := d.currentQueue(); q != nil {
			q.availAddr = (q.availAddr &^ (uint64(0xffffffff) << 32)) | (uint64(value) << 32)
		}
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		if q := d.currentQueue(); q != nil {
			q.usedAddr = (q.usedAddr &^ 0xffffffff) | uint64(value)
		}
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		if q := d.currentQueue(); q != nil {
			q.usedAddr = (q.usedAddr &^ (uint64(0xffffffff) << 32)) | (uint64(value) << 32)
		}
	case VIRTIO_MMIO_QUEUE_NOTIFY:
		if d.handler != nil {
			return d.handler.OnQueueNotify(d, int(value))
		}
	case VIRTIO_MMIO_INTERRUPT_ACK:
		for {
			prev := d.interruptStatus.Load()
			next := prev &^ value
			if d.interruptStatus.CompareAndSwap(prev, next) {
				break
			}
		}
		// Re-evaluate the virtual line: acking may have deasserted it, which
		// must be observed so the next raiseInterrupt is seen as a rising edge.
		return d.updateInterruptLine()
	case VIRTIO_MMIO_STATUS:
		if value == 0 {
			d.reset()
			return nil
		}
		d.deviceStatus = value
	default:
		if offset >= VIRTIO_MMIO_CONFIG {
			relOffset := offset - VIRTIO_MMIO_CONFIG
			if handled := d.handler.WriteConfig(d, relOffset, value); handled {
				d.configGeneration++
				d.raiseInterrupt(VIRTIO_MMIO_INT_CONFIG)
			}
		}
	}
	return nil
}

func (d *mmioDevice) readRegister(offset uint64) (uint32, error) {
	switch offset {
	case VIRTIO_MMIO_MAGIC_VALUE:
		return 0x74726976, nil
	case VIRTIO_MMIO_VERSION:
		return d.version, nil
	case VIRTIO_MMIO_DEVICE_ID:
		return d.deviceID, nil
	case VIRTIO_MMIO_VENDOR_ID:
		return d.vendorID, nil
	case VIRTIO_MMIO_DEVICE_FEATURES:
		if d.deviceFeatureSel < uint32(len(d.deviceFeatures)) {
			return d.deviceFeatures[d.deviceFeatureSel], nil
		}
		return 0, nil
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		return d.deviceFeatureSel, nil
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if d.driverFeatureSel < uint32(len(d.driverFeatures)) {
			return d.driverFeatures[d.driverFeatureSel], nil
		}
		return 0, nil
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		return d.driverFeatureSel, nil
	case VIRTIO_MMIO_QUEUE_SEL:
		return d.queueSel, nil
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		if q := d.currentQueue(); q != nil {
			return uint32(q.maxSize), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_NUM:
		if q := d.currentQueue(); q != nil {
			return uint32(q.size), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_READY:
		if q := d.currentQueue(); q != nil && q.ready {
			return 1, nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		if q := d.currentQueue(); q != nil {
			return uint32(q.descAddr), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		if q := d.currentQueue(); q != nil {
			return uint32(q.descAddr >> 32), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		if q := d.currentQueue(); q != nil {
			return uint32(q.availAddr), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		if q := d.currentQueue(); q != nil {
			return uint32(q.availAddr >> 32), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		if q := d.currentQueue(); q != nil {
			return uint32(q.usedAddr), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		if q := d.currentQueue(); q != nil {
			return uint32(q.usedAddr >> 32), nil
		}
		return 0, nil
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		return d.interruptStatus.Load(), nil
	case VIRTIO_MMIO_STATUS:
		return d.deviceStatus, nil
	case VIRTIO_MMIO_CONFIG_GENERATION:
		return d.configGeneration, nil
	default:
		if offset >= VIRTIO_MMIO_CONFIG {
			relOffset := offset - VIRTIO_MMIO_CONFIG
			value, handled := d.handler.ReadConfig(d, relOffset)
			if handled {
				return value, nil
			}
		}
		return 0, nil
	}
}

func (d *mmioDevice) reset() {
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	copy(d.deviceFeatures, d.defaultDeviceFeatures)
	for i := range d.driverFeatures {
		d.driverFeatures[i] = 0
	}
	d.queueSel = 0
	d.deviceStatus = 0
	d.interruptStatus.Store(0)
	d.irqHigh.Store(false)
	d.configGeneration = 0
	for i := range d.queues {
		d.queues[i].reset()
		d.queues[i].maxSize = d.handler.QueueMaxSize(i)
	}
	d.handler.OnReset(d)
}

func (d *mmioDevice) currentQueue() *queue {
	idx := int(d.queueSel)
	if idx < 0 || idx >= len(d.queues) {
		return nil
	}
	return &d.queues[idx]
}

func (d *mmioDevice) queue(index int) *queue {
	if index < 0 || index >= len(d.queues) {
		return nil
	}
	return &d.queues[index]
}

func (d *mmioDevice) raiseInterrupt(bit uint32) error {
	d.interruptStatus.Or(bit)
	return d.updateInterruptLine()
}

// updateInterruptLine posts an asynchronous interrupt to the bridge only on
// the rising edge of the virtual interrupt line, mirroring the teacher's
// "only call SetIRQ on level change" guard against spurious re-injection.
// There is no equivalent deassert posting: the guest clears its view of the
// line itself by writing INTERRUPT_ACK.
func (d *mmioDevice) updateInterruptLine() error {
	if d.irq == nil || d.irqLine == 0 {
		return nil
	}
	levelAsserted := d.interruptStatus.Load() != 0
	prevHigh := d.irqHigh.Swap(levelAsserted)
	if !levelAsserted || prevHigh {
		return nil
	}
	if err := d.irq.PostInterrupt(d.zoneID, d.irqLine); err != nil {
		slog.Error("virtio: post interrupt failed", "irq", d.irqLine, "zone", d.zoneID, "err", err)
		return err
	}
	return nil
}

func (d *mmioDevice) readAvailState(q *queue) (uint16, uint16, error) {
	if err := ensureQueueReady(q); err != nil {
		return 0, 0, err
	}
	var header [4]byte
	if err := d.readGuestInto(q.availAddr, header[:]); err != nil {
		return 0, 0, err
	}
	flags := binary.LittleEndian.Uint16(header[0:2])
	idx := binary.LittleEndian.Uint16(header[2:4])
	return flags, idx, nil
}

func (d *mmioDevice) readAvailEntry(q *queue, ringIndex uint16) (uint16, error) {
	if err := ensureQueueReady(q); err != nil {
		return 0, err
	}
	if ringIndex >= q.size {
		return 0, fmt.Errorf("avail ring index %d out of bounds", ringIndex)
	}
	var buf [2]byte
	offset := q.availAddr + 4 + uint64(ringIndex)*2
	if err := d.readGuestInto(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (d *mmioDevice) readDescriptor(q *queue, index uint16) (virtqDescriptor, error) {
	if err := ensureQueueReady(q); err != nil {
		return virtqDescriptor{}, err
	}
	if index >= q.size {
		return virtqDescriptor{}, fmt.Errorf("descriptor index %d out of bounds", index)
	}
	var buf [16]byte
	offset := q.descAddr + uint64(index)*16
	if err := d.readGuestInto(offset, buf[:]); err != nil {
		return virtqDescriptor{}, err
	}
	return virtqDescriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (d *mmioDevice) readGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := d.readGuestInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *mmioDevice) writeGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return d.writeGuestFrom(addr, data)
}

func (d *mmioDevice) readGuestInto(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := d.mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (d *mmioDevice) writeGuestFrom(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := d.mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}

func (d *mmioDevice) recordUsedElement(q *queue, head uint16, length uint32) error {
	if err := ensureQueueReady(q); err != nil {
		return err
	}
	q.usedMu.Lock()
	defer q.usedMu.Unlock()
	usedIdx := q.usedIdx % q.size
	base := q.usedAddr + 4 + uint64(usedIdx)*8
	if err := d.writeGuestUint32(base, uint32(head)); err != nil {
		return err
	}
	if err := d.writeGuestUint32(base+4, length); err != nil {
		return err
	}
	q.usedIdx++
	return d.writeGuestUint16(q.usedAddr+2, q.usedIdx)
}

func (d *mmioDevice) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return d.writeGuestFrom(addr, buf[:])
}

func (d *mmioDevice) writeGuestUint32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return d.writeGuestFrom(addr, buf[:])
}

func (d *mmioDevice) driverFeatureEnabled(bit uint32) bool {
	index := bit / 32
	offset := bit % 32
	if int(index) >= len(d.driverFeatures) {
		return false
	}
	return d.driverFeatures[index]&(1<<offset) != 0
}

func (d *mmioDevice) eventIdxEnabled() bool {
	return d.driverFeatureEnabled(virtioRingFeatureEventIdxBit)
}

func (d *mmioDevice) setAvailEvent(q *queue, value uint16) error {
	if err := ensureQueueReady(q); err != nil {
		return err
	}
	if !d.eventIdxEnabled() {
		return nil
	}
	offset := q.usedAddr + 4 + uint64(q.size)*8
	return d.writeGuestUint16(offset, value)
}

func (d *mmioDevice) usedFlags(q *queue) (uint16, error) {
	var buf [2]byte
	if err := d.readGuestInto(q.usedAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (d *mmioDevice) setUsedFlags(q *queue, flags uint16) error {
	return d.writeGuestUint16(q.usedAddr, flags)
}

// disableNotify asks the driver to stop kicking QUEUE_NOTIFY while the
// device works through a drain batch: with event-idx negotiated it moves
// avail_event just behind last_avail_idx, otherwise it sets
// VRING_USED_F_NO_NOTIFY on the used ring. Mirrors virtqueue_disable_notify
// in the reference implementation.
func (d *mmioDevice) disableNotify(q *queue) error {
	if err := ensureQueueReady(q); err != nil {
		return err
	}
	if d.eventIdxEnabled() {
		return d.setAvailEvent(q, q.lastAvailIdx-1)
	}
	flags, err := d.usedFlags(q)
	if err != nil {
		return err
	}
	return d.setUsedFlags(q, flags|vringUsedFNoNotify)
}

// enableNotify restores driver notifications at the end of a drain batch,
// the inverse of disableNotify. Mirrors virtqueue_enable_notify.
func (d *mmioDevice) enableNotify(q *queue) error {
	if err := ensureQueueReady(q); err != nil {
		return err
	}
	if d.eventIdxEnabled() {
		_, availIdx, err := d.readAvailState(q)
		if err != nil {
			return err
		}
		return d.setAvailEvent(q, availIdx)
	}
	flags, err := d.usedFlags(q)
	if err != nil {
		return err
	}
	return d.setUsedFlags(q, flags&^uint16(vringUsedFNoNotify))
}

// readUsedEvent reads used_event, the driver-written field appended after
// the available ring when VIRTIO_RING_F_EVENT_IDX is negotiated. The
// device compares this against the used index to decide whether the
// driver actually wants an interrupt for a given completion.
func (d *mmioDevice) readUsedEvent(q *queue) (uint16, error) {
	if err := ensureQueueReady(q); err != nil {
		return 0, err
	}
	offset := q.availAddr + 4 + uint64(q.size)*2
	var buf [2]byte
	if err := d.readGuestInto(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}
