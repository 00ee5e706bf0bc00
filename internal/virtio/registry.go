package virtio

import "fmt"

// Registered is one device's register-transport window, keyed by the zone
// it serves and the MMIO address range it occupies there.
type Registered struct {
	ZoneID  uint32
	Base    uint64
	Size    uint64
	Handler MMIODevice
	Device  Stoppable // nil if the device has no background worker to stop
}

// Registry looks up the device responsible for a trapped MMIO access by
// zone and address. Address ranges never overlap within a zone, so lookup
// is a linear scan over what is in practice a handful of devices per zone.
type Registry struct {
	entries []Registered
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a device's MMIO window. It returns an error if the window
// overlaps one already registered for the same zone.
func (r *Registry) Add(zoneID uint32, base, size uint64, handler MMIODevice, stop Stoppable) error {
	for _, e := range r.entries {
		if e.ZoneID != zoneID {
			continue
		}
		if rangesOverlap(base, size, e.Base, e.Size) {
			return fmt.Errorf("virtio: device at zone %d [%#x,%#x) overlaps existing device at [%#x,%#x)",
				zoneID, base, base+size, e.Base, e.Base+e.Size)
		}
	}
	r.entries = append(r.entries, Registered{ZoneID: zoneID, Base: base, Size: size, Handler: handler, Device: stop})
	return nil
}

// Lookup finds the device handling addr in zoneID, if any.
func (r *Registry) Lookup(zoneID uint32, addr uint64) (MMIODevice, bool) {
	for _, e := range r.entries {
		if e.ZoneID != zoneID {
			continue
		}
		if addr >= e.Base && addr < e.Base+e.Size {
			return e.Handler, true
		}
	}
	return nil, false
}

// All returns every registered device, for startup logging and shutdown.
func (r *Registry) All() []Registered {
	return r.entries
}

func rangesOverlap(aBase, aSize, bBase, bSize uint64) bool {
	aEnd := aBase + aSize
	bEnd := bBase + bSize
	return aBase < bEnd && bBase < aEnd
}
