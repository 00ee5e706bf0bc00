// Package virtio implements the virtio 1.x split-virtqueue transport over
// virtio-mmio, plus block and network device back-ends, for a daemon that
// emulates these devices on behalf of an external type-1 hypervisor.
//
// Adapted from a full hypervisor's in-process virtio stack: there is no
// vCPU or guest-exit context here, because the hypervisor that owns the
// guest lives outside this process. A trapped MMIO access arrives as a
// bridgeio.Request, and register state is read/written through a
// guestmem.Memory window instead of a live VM handle.
package virtio

// deviceHandler is implemented by each concrete device (Blk, Net) and
// supplies the device-specific behavior the MMIO transport needs: queue
// geometry, reset, queue-kick processing, and device-config-space access.
type deviceHandler interface {
	NumQueues() int
	QueueMaxSize(queue int) uint16
	OnReset(dev device)
	OnQueueNotify(dev device, queue int) error
	ReadConfig(dev device, offset uint64) (value uint32, handled bool)
	WriteConfig(dev device, offset uint64, value uint32) (handled bool)
}

// device is the transport-facing interface a deviceHandler is given to walk
// virtqueues and access guest memory. It is implemented by *mmioDevice.
type device interface {
	queue(index int) *queue
	readAvailState(*queue) (flags uint16, idx uint16, err error)
	readAvailEntry(*queue, uint16) (uint16, error)
	readDescriptor(*queue, uint16) (virtqDescriptor, error)
	recordUsedElement(*queue, uint16, uint32) error
	raiseInterrupt(uint32) error
	readGuest(addr uint64, length uint32) ([]byte, error)
	writeGuest(addr uint64, data []byte) error
	eventIdxEnabled() bool
	setAvailEvent(*queue, uint16) error
	readUsedEvent(*queue) (uint16, error)
	disableNotify(*queue) error
	enableNotify(*queue) error
}

// hvisorVendorID is the virtio-mmio VENDOR_ID reported by every device this
// daemon emulates ("HVIS" in ASCII, 'H' in the most significant byte), shared across device
// types since the transport identifies the backend, not the device class.
const hvisorVendorID = 0x48564953

// IRQPoster asks the bridge to inject an interrupt into a zone
// asynchronously, outside of any in-flight request.
type IRQPoster interface {
	PostInterrupt(targetZone, irqID uint32) error
}

// MMIODevice is the register-transport surface a Registry dispatches
// bridge requests against. *mmioDevice is the only implementation; the
// interface exists so Registry and its callers never need to name that
// unexported type.
type MMIODevice interface {
	HandleRequest(addr, size uint64, isWrite bool, value uint64) uint64
}

// Stoppable is implemented by devices with background workers to shut down.
type Stoppable interface {
	Stop() error
}
