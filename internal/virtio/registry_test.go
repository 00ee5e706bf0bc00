package virtio

import "testing"

func TestRegistryLookupByZoneAndAddress(t *testing.T) {
	r := NewRegistry()
	mem := openTestMMIOMemory(t, 4096, 0x4000_0000)
	h := &stubHandler{numQueues: 1, maxSize: 8}
	dA := newMMIODevice(mem, nil, 1, 0x1000, 0x200, 32, 2, 0x1af4, 2, []uint64{NetFeatures()}, h)
	dB := newMMIODevice(mem, nil, 2, 0x1000, 0x200, 33, 2, 0x1af4, 2, []uint64{NetFeatures()}, h)

	if err := r.Add(1, 0x1000, 0x200, dA, nil); err != nil {
		t.Fatalf("Add dA: %v", err)
	}
	if err := r.Add(2, 0x1000, 0x200, dB, nil); err != nil {
		t.Fatalf("Add dB: %v", err)
	}

	got, ok := r.Lookup(1, 0x1050)
	if !ok || got != dA {
		t.Fatalf("Lookup(zone 1) = %v, %v; want dA", got, ok)
	}
	got, ok = r.Lookup(2, 0x1050)
	if !ok || got != dB {
		t.Fatalf("Lookup(zone 2) = %v, %v; want dB", got, ok)
	}
	if _, ok := r.Lookup(1, 0x5000); ok {
		t.Fatalf("Lookup out-of-range address unexpectedly found a device")
	}
	if _, ok := r.Lookup(3, 0x1050); ok {
		t.Fatalf("Lookup unregistered zone unexpectedly found a device")
	}
}

func TestRegistryRejectsOverlap(t *testing.T) {
	r := NewRegistry()
	mem := openTestMMIOMemory(t, 4096, 0x4000_0000)
	h := &stubHandler{numQueues: 1, maxSize: 8}
	dA := newMMIODevice(mem, nil, 1, 0x1000, 0x200, 32, 2, 0x1af4, 2, []uint64{NetFeatures()}, h)
	dB := newMMIODevice(mem, nil, 1, 0x1100, 0x200, 33, 2, 0x1af4, 2, []uint64{NetFeatures()}, h)

	if err := r.Add(1, 0x1000, 0x200, dA, nil); err != nil {
		t.Fatalf("Add dA: %v", err)
	}
	if err := r.Add(1, 0x1100, 0x200, dB, nil); err == nil {
		t.Fatalf("expected overlap error")
	}
}
