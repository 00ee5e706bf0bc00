package virtio

import (
	"os"
	"sync"
	"testing"
	"time"
)

func newTestBlk(t *testing.T, file *os.File, readonly bool) *Blk {
	t.Helper()
	b := &Blk{file: file, readonly: readonly}
	b.cond = sync.NewCond(&b.mu)
	if file != nil {
		fi, err := file.Stat()
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		b.capacity = uint64(fi.Size()) / 512
	}
	b.wg.Add(1)
	go b.worker()
	t.Cleanup(func() { b.Stop() })
	return b
}

// submitBlkRequest lays out one virtio-blk request (header + one data
// descriptor + status byte) on dev's request queue and drives it through
// OnQueueNotify, then waits for the worker to post the completion.
func submitBlkRequest(t *testing.T, b *Blk, dev *fakeDevice, reqType uint32, sector uint64, dataAddr uint64, dataLen uint32, dataWritable bool) (statusAddr uint64, usedBefore uint16) {
	t.Helper()
	q := dev.queue(0)

	const hdrAddr = 0x1000
	const statusAddrConst = 0x2000
	dev.writeUint32(hdrAddr, reqType)
	dev.writeUint32(hdrAddr+4, 0)
	dev.writeUint64(hdrAddr+8, sector)

	flagsData := uint16(virtqDescFNext)
	if dataWritable {
		flagsData |= virtqDescFWrite
	}

	dev.writeDescriptor(q, 0, virtqDescriptor{addr: hdrAddr, length: 16, flags: virtqDescFNext, next: 1})
	dev.writeDescriptor(q, 1, virtqDescriptor{addr: dataAddr, length: dataLen, flags: flagsData, next: 2})
	dev.writeDescriptor(q, 2, virtqDescriptor{addr: statusAddrConst, length: 1, flags: virtqDescFWrite, next: 0})

	usedBefore = q.usedIdx
	dev.pushAvail(q, 0)

	if err := b.OnQueueNotify(dev, blkQueueRequest); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}
	return statusAddrConst, usedBefore
}

func waitForUsedAdvance(t *testing.T, dev *fakeDevice, q *queue, before uint16) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.usedIdx != before {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for used ring to advance past %d", before)
}

func TestBlkReadWriteRoundTrip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blkimg")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(64 * 1024); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	b := newTestBlk(t, f, false)
	dev := newFakeDevice(1, 8)
	layoutQueue(dev.queue(0), 0x10000)

	payload := []byte("hello block device")
	const dataAddr = 0x3000
	dev.writeGuest(dataAddr, payload)

	q := dev.queue(0)
	statusAddr, before := submitBlkRequest(t, b, dev, VIRTIO_BLK_T_OUT, 1, dataAddr, uint32(len(payload)), false)
	waitForUsedAdvance(t, dev, q, before)
	if got := dev.mem[statusAddr]; got != VIRTIO_BLK_S_OK {
		t.Fatalf("write status = %d, want OK", got)
	}

	const readAddr = 0x4000
	statusAddr, before = submitBlkRequest(t, b, dev, VIRTIO_BLK_T_IN, 1, readAddr, uint32(len(payload)), true)
	waitForUsedAdvance(t, dev, q, before)
	if got := dev.mem[statusAddr]; got != VIRTIO_BLK_S_OK {
		t.Fatalf("read status = %d, want OK", got)
	}

	got, _ := dev.readGuest(readAddr, uint32(len(payload)))
	if string(got) != string(payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestBlkFlush(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blkimg")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	f.Truncate(4096)

	b := newTestBlk(t, f, false)
	dev := newFakeDevice(1, 8)
	layoutQueue(dev.queue(0), 0x10000)
	q := dev.queue(0)

	statusAddr, before := submitBlkRequest(t, b, dev, VIRTIO_BLK_T_FLUSH, 0, 0x3000, 0, false)
	waitForUsedAdvance(t, dev, q, before)
	if got := dev.mem[statusAddr]; got != VIRTIO_BLK_S_OK {
		t.Fatalf("flush status = %d, want OK", got)
	}
}

func TestBlkReadonlyRejectsWrites(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blkimg")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	f.Truncate(4096)

	b := newTestBlk(t, f, true)
	dev := newFakeDevice(1, 8)
	layoutQueue(dev.queue(0), 0x10000)
	q := dev.queue(0)

	statusAddr, before := submitBlkRequest(t, b, dev, VIRTIO_BLK_T_OUT, 0, 0x3000, 16, false)
	waitForUsedAdvance(t, dev, q, before)
	if got := dev.mem[statusAddr]; got != VIRTIO_BLK_S_IOERR {
		t.Fatalf("readonly write status = %d, want IOERR", got)
	}
}

// TestBlkMalformedStatusDescriptorFinishesWithoutIO verifies that a chain
// whose terminal descriptor is not a writable 1-byte status descriptor is
// rejected without performing any I/O, but still advances last_avail_idx
// and commits a used-ring entry so the driver is not left waiting forever.
func TestBlkMalformedStatusDescriptorFinishesWithoutIO(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blkimg")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	f.Truncate(4096)

	b := newTestBlk(t, f, false)
	dev := newFakeDevice(1, 8)
	layoutQueue(dev.queue(0), 0x10000)
	q := dev.queue(0)

	const hdrAddr = 0x1000
	const dataAddr = 0x3000
	const statusAddr = 0x4000
	dev.writeUint32(hdrAddr, VIRTIO_BLK_T_IN)
	dev.writeUint32(hdrAddr+4, 0)
	dev.writeUint64(hdrAddr+8, 0)

	// Status descriptor is 2 bytes long instead of exactly 1: malformed.
	dev.writeDescriptor(q, 0, virtqDescriptor{addr: hdrAddr, length: 16, flags: virtqDescFNext, next: 1})
	dev.writeDescriptor(q, 1, virtqDescriptor{addr: dataAddr, length: 16, flags: virtqDescFNext | virtqDescFWrite, next: 2})
	dev.writeDescriptor(q, 2, virtqDescriptor{addr: statusAddr, length: 2, flags: virtqDescFWrite, next: 0})

	before := q.usedIdx
	dev.pushAvail(q, 0)
	if err := b.OnQueueNotify(dev, blkQueueRequest); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	if q.usedIdx != before+1 {
		t.Fatalf("usedIdx = %d, want %d (malformed chain must still finish)", q.usedIdx, before+1)
	}
	if q.lastAvailIdx != 1 {
		t.Fatalf("lastAvailIdx = %d, want 1 (ring must advance past the malformed chain)", q.lastAvailIdx)
	}
	if len(b.procq) != 0 {
		t.Fatalf("malformed chain must never reach the worker queue")
	}
}

func TestBlkInterruptSuppressedByEventIdx(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "blkimg")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	f.Truncate(4096)

	b := newTestBlk(t, f, false)
	dev := newFakeDevice(1, 8)
	dev.eventIdx = true
	layoutQueue(dev.queue(0), 0x10000)
	q := dev.queue(0)

	// Driver sets used_event far ahead of where the completion will land,
	// so the device must not post an interrupt for this completion.
	dev.writeUint16(q.availAddr+4+uint64(q.size)*2, 100)

	statusAddr, before := submitBlkRequest(t, b, dev, VIRTIO_BLK_T_FLUSH, 0, 0, 0, false)
	waitForUsedAdvance(t, dev, q, before)
	_ = statusAddr

	if dev.interrupts != 0 {
		t.Fatalf("interrupts = %d, want 0 (suppressed by event_idx)", dev.interrupts)
	}
}
