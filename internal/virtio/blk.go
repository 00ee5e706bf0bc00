package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/syswonder/hvisor-virtio-backend/internal/guestmem"
)

const (
	blkQueueCount   = 1
	blkQueueNumMax  = 128
	blkVersion      = 2
	blkDeviceID     = 2
	blkInterruptBit = VIRTIO_MMIO_INT_VRING

	blkQueueRequest = 0

	// blkSegMax matches the seg_max advertised in configBytes(); a chain
	// longer than blkSegMax+2 (header + seg_max data descriptors +
	// status) cannot have been built by a compliant driver against this
	// device's negotiated VIRTIO_BLK_F_SEG_MAX.
	blkSegMax      = 128
	blkMinChainLen = 2
	blkMaxChainLen = blkSegMax + 2
)

// Virtio block request types.
const (
	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8
)

// Virtio block status codes.
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits.
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2
	VIRTIO_BLK_F_RO       = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6
	VIRTIO_BLK_F_FLUSH    = 1 << 9
)

// BlkFeatures is the device feature bitset advertised by every Blk device.
func BlkFeatures() uint64 {
	return virtioFeatureVersion1 | VIRTIO_BLK_F_SIZE_MAX | VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH
}

// blkRequest is one parsed request queued to the worker goroutine.
type blkRequest struct {
	dev       device
	q         *queue
	head      uint16
	hdr       virtioBlkReqHdr
	dataDescs []virtqDescriptor
	statusPtr uint64
}

// Blk implements a virtio-blk device backed by a regular file. Unlike a
// synchronous in-process hypervisor device, I/O here runs on a dedicated
// worker goroutine fed by a FIFO queue: the bridge thread that delivers
// QUEUE_NOTIFY must never block on disk I/O, since every other device
// shares that same thread.
type Blk struct {
	mmio *mmioDevice

	file     *os.File
	readonly bool
	capacity uint64 // 512-byte sectors

	mu       sync.Mutex
	cond     *sync.Cond
	procq    []blkRequest
	stopped  bool
	wg       sync.WaitGroup
	cfgMu    sync.Mutex
}

// NewBlk creates a virtio-blk device backed by file, emulated at
// [base,base+size), raising irqLine in zoneID via irq.
func NewBlk(mem *guestmem.Memory, irq IRQPoster, zoneID uint32, base, size uint64, irqLine uint32, file *os.File, readonly bool) (*Blk, error) {
	b := &Blk{file: file, readonly: readonly}
	b.cond = sync.NewCond(&b.mu)

	if file != nil {
		fi, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("virtio-blk: stat file: %w", err)
		}
		b.capacity = uint64(fi.Size()) / 512
	}

	b.mmio = newMMIODevice(mem, irq, zoneID, base, size, irqLine,
		blkDeviceID, hvisorVendorID, blkVersion, []uint64{BlkFeatures()}, b)

	b.wg.Add(1)
	go b.worker()

	return b, nil
}

// MMIO returns the register transport backing this device, for a registry
// to dispatch bridge requests against.
func (b *Blk) MMIO() MMIODevice { return b.mmio }

// Stop drains and terminates the worker goroutine.
func (b *Blk) Stop() error {
	b.mu.Lock()
	b.stopped = true
	b.cond.Broadcast()
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Blk) OnReset(device) {}

func (b *Blk) NumQueues() int            { return blkQueueCount }
func (b *Blk) QueueMaxSize(int) uint16   { return blkQueueNumMax }

// OnQueueNotify drains every newly-available descriptor chain into the
// worker queue. Unlike processQueueNotifications, it records no used
// element and raises no interrupt for a well-formed chain: both happen
// later, on the worker goroutine, once the corresponding I/O actually
// completes. A malformed chain is the exception: it is completed inline
// by finishMalformed.
func (b *Blk) OnQueueNotify(dev device, queueIdx int) error {
	if queueIdx != blkQueueRequest {
		return nil
	}
	q := dev.queue(queueIdx)
	if !queueReady(q) {
		return nil
	}

	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		return err
	}

	for q.lastAvailIdx != availIdx {
		ringIndex := q.lastAvailIdx % q.size
		head, err := dev.readAvailEntry(q, ringIndex)
		if err != nil {
			return err
		}
		if err := b.enqueueRequest(dev, q, head); err != nil {
			return err
		}
		q.lastAvailIdx++
	}
	return nil
}

func (b *Blk) ReadConfig(dev device, offset uint64) (uint32, bool) {
	return readConfigWindow(offset, b.configBytes())
}

func (b *Blk) WriteConfig(dev device, offset uint64, value uint32) bool {
	return writeConfigNoop(offset, value)
}

// virtioBlkReqHdr is the fixed 16-byte virtio-blk request header.
type virtioBlkReqHdr struct {
	reqType uint32
	reserved uint32
	sector  uint64
}

// enqueueRequest parses one descriptor chain and hands it to the worker
// goroutine. Its completion — the used-ring entry and the interrupt — is
// produced later by worker(), once the I/O it describes actually finishes.
// A chain with a bad length or status descriptor never reaches the worker;
// finishMalformed completes it immediately.
func (b *Blk) enqueueRequest(dev device, q *queue, head uint16) error {
	index := head
	var hdr virtioBlkReqHdr
	var dataDescs []virtqDescriptor
	var statusDesc virtqDescriptor
	var haveStatus bool
	chainLen := uint16(0)

	for i := uint16(0); i < q.size; i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return err
		}
		chainLen++
		switch {
		case i == 0:
			if desc.flags&virtqDescFWrite != 0 {
				return fmt.Errorf("virtio-blk: header descriptor is writable")
			}
			if desc.length < 16 {
				return fmt.Errorf("virtio-blk: header too short: %d", desc.length)
			}
			hdrData, err := dev.readGuest(desc.addr, 16)
			if err != nil {
				return err
			}
			hdr.reqType = binary.LittleEndian.Uint32(hdrData[0:4])
			hdr.reserved = binary.LittleEndian.Uint32(hdrData[4:8])
			hdr.sector = binary.LittleEndian.Uint64(hdrData[8:16])
		case desc.flags&virtqDescFNext == 0:
			statusDesc = desc
			haveStatus = true
		default:
			dataDescs = append(dataDescs, desc)
		}
		if desc.flags&virtqDescFNext == 0 {
			break
		}
		index = desc.next
	}

	if malformed := chainLen < blkMinChainLen || chainLen > blkMaxChainLen ||
		!haveStatus || statusDesc.flags&virtqDescFWrite == 0 || statusDesc.length != 1; malformed {
		slog.Error("virtio-blk: malformed request chain",
			"chain_len", chainLen, "have_status", haveStatus, "status_len", statusDesc.length)
		return b.finishMalformed(dev, q, head, statusDesc, haveStatus)
	}

	b.mu.Lock()
	b.procq = append(b.procq, blkRequest{
		dev: dev, q: q, head: head, hdr: hdr, dataDescs: dataDescs, statusPtr: statusDesc.addr,
	})
	b.cond.Signal()
	b.mu.Unlock()
	return nil
}

// finishMalformed completes a malformed chain without performing any I/O:
// it writes an error status if a usable status descriptor was found, then
// commits the used-ring entry and considers interrupt injection exactly as
// a normal completion would, so last_avail_idx still advances and the
// driver is not left waiting on a chain the device will never service.
func (b *Blk) finishMalformed(dev device, q *queue, head uint16, statusDesc virtqDescriptor, haveStatus bool) error {
	written := uint32(0)
	if haveStatus && statusDesc.flags&virtqDescFWrite != 0 && statusDesc.length >= 1 {
		if err := dev.writeGuest(statusDesc.addr, []byte{VIRTIO_BLK_S_IOERR}); err != nil {
			slog.Error("virtio-blk: write status on malformed chain", "err", err)
		} else {
			written = 1
		}
	}
	oldUsed := q.usedIdx
	if err := dev.recordUsedElement(q, head, written); err != nil {
		return err
	}
	notify, err := shouldRaiseInterrupt(dev, q, oldUsed, q.usedIdx)
	if err != nil {
		slog.Error("virtio-blk: shouldRaiseInterrupt", "err", err)
	}
	if notify {
		dev.raiseInterrupt(blkInterruptBit)
	}
	return nil
}

func (b *Blk) worker() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		for len(b.procq) == 0 && !b.stopped {
			b.cond.Wait()
		}
		if b.stopped && len(b.procq) == 0 {
			b.mu.Unlock()
			return
		}
		req := b.procq[0]
		b.procq = b.procq[1:]
		b.mu.Unlock()

		status := b.executeRequest(req.hdr, req.dataDescs, req.dev)
		if err := req.dev.writeGuest(req.statusPtr, []byte{status}); err != nil {
			slog.Error("virtio-blk: write status", "err", err)
			continue
		}
		oldUsed := req.q.usedIdx
		if err := req.dev.recordUsedElement(req.q, req.head, 1); err != nil {
			slog.Error("virtio-blk: record used element", "err", err)
			continue
		}
		notify, err := shouldRaiseInterrupt(req.dev, req.q, oldUsed, req.q.usedIdx)
		if err != nil {
			slog.Error("virtio-blk: shouldRaiseInterrupt", "err", err)
		}
		if notify {
			req.dev.raiseInterrupt(blkInterruptBit)
		}
	}
}

func (b *Blk) executeRequest(hdr virtioBlkReqHdr, dataDescs []virtqDescriptor, dev device) byte {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()

	if b.file == nil {
		return VIRTIO_BLK_S_IOERR
	}
	offset := int64(hdr.sector) * 512

	switch hdr.reqType {
	case VIRTIO_BLK_T_IN:
		for _, desc := range dataDescs {
			if desc.flags&virtqDescFWrite == 0 {
				return VIRTIO_BLK_S_IOERR
			}
			data := make([]byte, desc.length)
			n, err := b.file.ReadAt(data, offset)
			if err != nil && n == 0 {
				return VIRTIO_BLK_S_IOERR
			}
			if err := dev.writeGuest(desc.addr, data[:n]); err != nil {
				return VIRTIO_BLK_S_IOERR
			}
			offset += int64(n)
		}
		return VIRTIO_BLK_S_OK

	case VIRTIO_BLK_T_OUT:
		if b.readonly {
			return VIRTIO_BLK_S_IOERR
		}
		for _, desc := range dataDescs {
			if desc.flags&virtqDescFWrite != 0 {
				return VIRTIO_BLK_S_IOERR
			}
			data, err := dev.readGuest(desc.addr, desc.length)
			if err != nil {
				return VIRTIO_BLK_S_IOERR
			}
			n, err := b.file.WriteAt(data, offset)
			if err != nil {
				return VIRTIO_BLK_S_IOERR
			}
			offset += int64(n)
		}
		return VIRTIO_BLK_S_OK

	case VIRTIO_BLK_T_FLUSH:
		if err := b.file.Sync(); err != nil {
			return VIRTIO_BLK_S_IOERR
		}
		return VIRTIO_BLK_S_OK

	case VIRTIO_BLK_T_GET_ID:
		id := make([]byte, 20)
		copy(id, "hvisor-blk")
		if len(dataDescs) > 0 && dataDescs[0].flags&virtqDescFWrite != 0 {
			if err := dev.writeGuest(dataDescs[0].addr, id); err != nil {
				return VIRTIO_BLK_S_IOERR
			}
		}
		return VIRTIO_BLK_S_OK

	default:
		return VIRTIO_BLK_S_UNSUPP
	}
}

func (b *Blk) configBytes() []byte {
	b.cfgMu.Lock()
	capacity := b.capacity
	b.cfgMu.Unlock()

	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20) // size_max
	binary.LittleEndian.PutUint32(buf[12:16], 128)  // seg_max
	binary.LittleEndian.PutUint32(buf[20:24], 512)  // blk_size
	return buf[:]
}

var (
	_ deviceHandler = (*Blk)(nil)
	_ Stoppable     = (*Blk)(nil)
)
