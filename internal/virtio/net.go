package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/syswonder/hvisor-virtio-backend/internal/eventloop"
	"github.com/syswonder/hvisor-virtio-backend/internal/guestmem"
	"github.com/syswonder/hvisor-virtio-backend/internal/tap"
)

const (
	netQueueCount   = 2
	netQueueNumMax  = 256
	netVersion      = 2
	netDeviceID     = 1
	netInterruptBit = VIRTIO_MMIO_INT_VRING

	netQueueRX = 0
	netQueueTX = 1

	// virtio_net_hdr under VIRTIO_F_VERSION_1 is always 12 bytes: the
	// 10-byte legacy fields followed by num_buffers, present even when
	// VIRTIO_NET_F_MRG_RXBUF is not negotiated.
	netHdrLen = 12

	netMaxFrameLen = 65536

	// netMinFrameLen is the minimum Ethernet frame length on the wire;
	// shorter TX frames are zero-padded before being written to the TAP
	// device (but the used-ring commit still reflects the guest's
	// original, unpadded chain length).
	netMinFrameLen = 60

	// netTrashBufLen bounds the scratch read used to drop one packet when
	// the RX path has nowhere to put it, sized like the reference
	// implementation's trashbuf (max data-link-layer frame, 1518, rounded
	// up).
	netTrashBufLen = 1600
)

// Virtio net feature bits actually meaningful to this implementation.
const (
	VIRTIO_NET_F_MAC = 1 << 5
)

// NetFeatures is the device feature bitset advertised by every Net device.
// Checksum offload and segmentation offload are out of scope: frames cross
// the TAP device exactly as the guest built them.
func NetFeatures() uint64 {
	return virtioFeatureVersion1 | VIRTIO_NET_F_MAC
}

// netTAP is the slice of *tap.Interface the Net device depends on, narrowed
// to an interface so tests can drive the RX/TX paths with a fake instead of
// a real kernel TAP file descriptor.
type netTAP interface {
	Fd() int
	ReadFrame(buf []byte) (int, error)
	WriteFrame(buf []byte) error
}

var _ netTAP = (*tap.Interface)(nil)

// Net implements a virtio-net device backed by a host TAP interface. TX
// descriptor chains are written straight to the TAP device inline on
// QUEUE_NOTIFY. RX has no device-side buffering: frames are drained from
// the TAP fd directly into guest-supplied buffers as they arrive, and a
// frame is dropped on the floor if no RX buffer is currently posted.
type Net struct {
	mmio *mmioDevice

	tap  netTAP
	loop *eventloop.Loop
	mac  [6]byte

	mu      sync.Mutex // guards rxReady, stopped
	rxReady bool       // true once the driver has ever kicked the RX queue
	stopped bool

	// rxMu serializes RX queue register mutation between the bridge
	// dispatch path (OnQueueNotify) and the eventloop goroutine that
	// delivers TAP readability directly, since both walk the same
	// queue's avail/used ring state.
	rxMu sync.Mutex
}

// NewNet creates a virtio-net device backed by tapIface, emulated at
// [base,base+size), raising irqLine in zoneID via irq. loop is used to
// deliver TAP readability without a dedicated goroutine per device.
func NewNet(mem *guestmem.Memory, irq IRQPoster, zoneID uint32, base, size uint64, irqLine uint32, tapIface *tap.Interface, loop *eventloop.Loop, mac [6]byte) (*Net, error) {
	n := &Net{tap: tapIface, loop: loop, mac: mac}

	n.mmio = newMMIODevice(mem, irq, zoneID, base, size, irqLine,
		netDeviceID, hvisorVendorID, netVersion, []uint64{NetFeatures()}, n)

	if err := loop.Register(tapIface.Fd(), readableEvents, n.onTapReadable); err != nil {
		return nil, fmt.Errorf("virtio-net: register tap fd: %w", err)
	}

	return n, nil
}

const readableEvents = 0x001 // EPOLLIN

// MMIO returns the register transport backing this device, for a registry
// to dispatch bridge requests against.
func (n *Net) MMIO() MMIODevice { return n.mmio }

// Stop unregisters this device's TAP fd from its eventloop. The TAP fd
// itself is owned by whoever constructed the Interface, not by Net.
func (n *Net) Stop() error {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
	return n.loop.Unregister(n.tap.Fd())
}

func (n *Net) OnReset(device) {
	n.mu.Lock()
	n.rxReady = false
	n.mu.Unlock()
}

func (n *Net) NumQueues() int { return netQueueCount }

func (n *Net) QueueMaxSize(int) uint16 { return netQueueNumMax }

func (n *Net) OnQueueNotify(dev device, queueIdx int) error {
	switch queueIdx {
	case netQueueRX:
		n.rxMu.Lock()
		defer n.rxMu.Unlock()
		return n.onRXNotify(dev)
	case netQueueTX:
		return n.drainTX(dev)
	default:
		return nil
	}
}

func (n *Net) ReadConfig(dev device, offset uint64) (uint32, bool) {
	return readConfigWindow(offset, n.configBytes())
}

func (n *Net) WriteConfig(dev device, offset uint64, value uint32) bool {
	return writeConfigNoop(offset, value)
}

func (n *Net) configBytes() []byte {
	buf := make([]byte, 8)
	copy(buf[0:6], n.mac[:])
	binary.LittleEndian.PutUint16(buf[6:8], 1) // status: VIRTIO_NET_S_LINK_UP
	return buf
}

// drainTX walks every newly-available descriptor chain on the TX queue,
// strips the virtio-net header, and writes the remaining Ethernet frame
// straight to the TAP device.
func (n *Net) drainTX(dev device) error {
	q := dev.queue(netQueueTX)
	oldUsed := q.usedIdx
	_, err := processQueueNotifications(dev, q, n.transmitOne)
	if err != nil {
		return err
	}
	notify, err := shouldRaiseInterrupt(dev, q, oldUsed, q.usedIdx)
	if err != nil {
		slog.Error("virtio-net: shouldRaiseInterrupt", "err", err)
	}
	if notify {
		dev.raiseInterrupt(netInterruptBit)
	}
	return nil
}

// transmitOne strips the virtio-net header off one TX chain, zero-pads the
// frame up to the minimum Ethernet length before handing it to the TAP
// device, and reports the full chain length (header included) as the
// used-ring commit length — the pad exists only on the wire, not in the
// guest's accounting of its own chain.
func (n *Net) transmitOne(dev device, q *queue, head uint16) (uint32, error) {
	data, err := readDescriptorChain(dev, q, head)
	if err != nil {
		return 0, err
	}
	if len(data) < netHdrLen {
		return 0, fmt.Errorf("virtio-net: tx chain shorter than header: %d bytes", len(data))
	}
	frame := data[netHdrLen:]
	if len(frame) == 0 {
		return uint32(len(data)), nil
	}

	wire := frame
	if len(frame) < netMinFrameLen {
		wire = make([]byte, netMinFrameLen)
		copy(wire, frame)
	}
	if err := n.tap.WriteFrame(wire); err != nil {
		slog.Error("virtio-net: write to tap failed", "err", err)
	}
	return uint32(len(data)), nil
}

// onTapReadable is the eventloop.Handler invoked when the TAP fd becomes
// readable. There is no device-side RX buffering: a frame is either handed
// straight into a guest-posted buffer, or dropped.
func (n *Net) onTapReadable(events uint32) {
	n.rxMu.Lock()
	defer n.rxMu.Unlock()

	if err := n.drainRX(device(n.mmio)); err != nil {
		slog.Error("virtio-net: drain rx queue", "err", err)
	}
}

// drainRX is the core of the RX path, factored out of onTapReadable so it
// can be driven directly against a fakeDevice/fakeTAP in tests. There is no
// device-side buffering: a frame is either handed straight into a
// guest-posted buffer, or dropped.
func (n *Net) drainRX(dev device) error {
	n.mu.Lock()
	ready := n.rxReady
	n.mu.Unlock()

	q := dev.queue(netQueueRX)

	if !ready || !queueReady(q) {
		n.dropOnePacket()
		return nil
	}

	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		return err
	}
	if q.lastAvailIdx == availIdx {
		// No RX buffers posted: drop one packet and still attempt to
		// poke the driver, mirroring virtio_net_rx_callback's
		// empty-queue path.
		n.dropOnePacket()
		dev.raiseInterrupt(netInterruptBit)
		return nil
	}

	oldUsed := q.usedIdx
	buf := make([]byte, netMaxFrameLen)
	for {
		_, availIdx, err := dev.readAvailState(q)
		if err != nil {
			slog.Error("virtio-net: read rx avail state", "err", err)
			break
		}
		if q.lastAvailIdx == availIdx {
			break
		}

		ringIndex := q.lastAvailIdx % q.size
		head, err := dev.readAvailEntry(q, ringIndex)
		if err != nil {
			slog.Error("virtio-net: read rx avail entry", "err", err)
			break
		}
		q.lastAvailIdx++

		nRead, err := n.tap.ReadFrame(buf)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				slog.Error("virtio-net: read tap frame", "err", err)
			}
			// No more packets available right now: the chain was
			// tentatively taken but never filled, so give it back.
			q.lastAvailIdx--
			break
		}

		payload := make([]byte, netHdrLen+nRead)         // zeroed virtio_net_hdr: no offload in use
		binary.LittleEndian.PutUint16(payload[10:12], 1) // num_buffers: one chain per frame
		copy(payload[netHdrLen:], buf[:nRead])

		written, _, err := fillDescriptorChain(dev, q, head, payload)
		if err != nil {
			slog.Error("virtio-net: fill rx chain", "err", err)
			break
		}
		if err := dev.recordUsedElement(q, head, written); err != nil {
			slog.Error("virtio-net: record rx used element", "err", err)
			break
		}
	}

	notify, err := shouldRaiseInterrupt(dev, q, oldUsed, q.usedIdx)
	if err != nil {
		slog.Error("virtio-net: shouldRaiseInterrupt", "err", err)
	}
	if notify {
		dev.raiseInterrupt(netInterruptBit)
	}
	return nil
}

// onRXNotify marks the RX queue ready for delivery the first time the
// driver posts buffers and kicks QUEUE_NOTIFY, and disables further RX
// kicks: from this point the device drains the queue itself whenever the
// TAP fd is readable, mirroring virtio_net_rxq_notify_handler.
func (n *Net) onRXNotify(dev device) error {
	n.mu.Lock()
	already := n.rxReady
	n.rxReady = true
	n.mu.Unlock()
	if already {
		return nil
	}
	q := dev.queue(netQueueRX)
	if !queueReady(q) {
		return nil
	}
	return dev.disableNotify(q)
}

// dropOnePacket reads and discards a single frame off the TAP device, for
// the RX paths that have nowhere to deliver it.
func (n *Net) dropOnePacket() {
	n.dropOnePacketFrom(n.tap)
}

func (n *Net) dropOnePacketFrom(t netTAP) {
	var trash [netTrashBufLen]byte
	if _, err := t.ReadFrame(trash[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		slog.Error("virtio-net: drop rx frame", "err", err)
	}
}

var (
	_ deviceHandler = (*Net)(nil)
	_ Stoppable     = (*Net)(nil)
)
