package virtio

import (
	"fmt"
	"log/slog"
)

// queueReady returns true if the queue is ready for processing.
func queueReady(q *queue) bool {
	return q != nil && q.ready && q.size > 0
}

// descriptorProcessor processes a single descriptor chain and returns
// bytes written.
type descriptorProcessor func(dev device, q *queue, head uint16) (written uint32, err error)

// processQueueNotifications walks every descriptor chain the driver has
// made available since the last call and hands each one to processor.
// Returns true if any descriptors were processed (an interrupt may be
// needed).
func processQueueNotifications(dev device, q *queue, processor descriptorProcessor) (bool, error) {
	if !queueReady(q) {
		return false, nil
	}

	if err := dev.disableNotify(q); err != nil {
		return false, err
	}
	defer func() {
		if err := dev.enableNotify(q); err != nil {
			slog.Error("virtio: enableNotify failed", "err", err)
		}
	}()

	_, availIdx, err := dev.readAvailState(q)
	if err != nil {
		return false, err
	}

	var processed bool
	for q.lastAvailIdx != availIdx {
		ringIndex := q.lastAvailIdx % q.size
		head, err := dev.readAvailEntry(q, ringIndex)
		if err != nil {
			return processed, err
		}

		written, err := processor(dev, q, head)
		if err != nil {
			return processed, err
		}

		if err := dev.recordUsedElement(q, head, written); err != nil {
			return processed, err
		}
		q.lastAvailIdx++
		processed = true
	}

	return processed, nil
}

// vringNeedEvent is the wrap-safe predicate from the virtio spec for
// deciding whether a used-index advance crossed the driver's requested
// event_idx threshold. Unsigned subtraction wraps exactly the way the ring
// indices themselves wrap, so this is correct across a 16-bit rollover.
func vringNeedEvent(eventIdx, newIdx, oldIdx uint16) bool {
	return uint16(newIdx-eventIdx-1) < uint16(newIdx-oldIdx)
}

// shouldRaiseInterrupt decides whether the device should assert its
// interrupt line after advancing the used ring from oldUsedIdx to
// newUsedIdx. When VIRTIO_RING_F_EVENT_IDX was negotiated this uses
// used_event/vringNeedEvent; otherwise it falls back to the simple
// VIRTQ_AVAIL_F_NO_INTERRUPT flag check.
func shouldRaiseInterrupt(dev device, q *queue, oldUsedIdx, newUsedIdx uint16) (bool, error) {
	if newUsedIdx == oldUsedIdx {
		return false, nil
	}
	if dev.eventIdxEnabled() {
		event, err := dev.readUsedEvent(q)
		if err != nil {
			return true, err
		}
		return vringNeedEvent(event, newUsedIdx, oldUsedIdx), nil
	}
	flags, _, err := dev.readAvailState(q)
	if err != nil {
		return true, err
	}
	return flags&1 == 0, nil
}

// readDescriptorChain reads all data from a read-only descriptor chain.
// Useful for TX queues where the guest provides data to the device.
func readDescriptorChain(dev device, q *queue, head uint16) ([]byte, error) {
	var data []byte
	index := head
	for i := uint16(0); i < q.size; i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return data, err
		}
		if desc.flags&virtqDescFWrite != 0 {
			return data, fmt.Errorf("unexpected writable descriptor in read chain")
		}
		if desc.length > 0 {
			chunk, err := dev.readGuest(desc.addr, desc.length)
			if err != nil {
				return data, err
			}
			data = append(data, chunk...)
		}
		if desc.flags&virtqDescFNext == 0 {
			break
		}
		index = desc.next
	}
	return data, nil
}

// fillDescriptorChain writes data to a write-only descriptor chain.
// Returns (bytesWritten, bytesConsumed, error). Useful for RX queues where
// the device provides data to the guest.
func fillDescriptorChain(dev device, q *queue, head uint16, data []byte) (uint32, int, error) {
	index := head
	totalWritten := uint32(0)
	consumed := 0

	for i := uint16(0); i < q.size && consumed < len(data); i++ {
		desc, err := dev.readDescriptor(q, index)
		if err != nil {
			return totalWritten, consumed, err
		}
		if desc.flags&virtqDescFWrite == 0 {
			return totalWritten, consumed, fmt.Errorf("unexpected read-only descriptor in write chain")
		}
		if desc.length > 0 {
			toCopy := int(desc.length)
			remaining := len(data) - consumed
			if toCopy > remaining {
				toCopy = remaining
			}
			if toCopy > 0 {
				if err := dev.writeGuest(desc.addr, data[consumed:consumed+toCopy]); err != nil {
					return totalWritten, consumed, err
				}
				totalWritten += uint32(toCopy)
				consumed += toCopy
			}
			if uint32(toCopy) < desc.length {
				break // partial fill, descriptor not fully used
			}
		}
		if desc.flags&virtqDescFNext == 0 {
			break
		}
		index = desc.next
	}
	return totalWritten, consumed, nil
}
