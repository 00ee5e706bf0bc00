// Package guestmem maps a zone's guest-physical memory window into the
// daemon's address space and provides bounds-checked access to it.
//
// A zone's memory is exposed by the kernel shim as a single contiguous
// byte-addressable window; there is no paging or scatter-gather to account
// for, unlike a type-2 hypervisor's guest memory map.
package guestmem

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned by Read/WriteAt when the requested access falls
// outside the mapped guest-physical window.
var ErrOutOfRange = errors.New("guestmem: access outside mapped window")

// Memory is a single mmap of a zone's guest-physical address range.
type Memory struct {
	data []byte
	base uint64 // guest-physical address corresponding to data[0]
}

// Open mmaps size bytes of path starting at the given file offset and
// treats the result as the guest-physical window [base, base+size).
func Open(path string, offset int64, base, size uint64) (*Memory, error) {
	f, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("guestmem: open %s: %w", path, err)
	}
	defer unix.Close(f)

	data, err := unix.Mmap(f, offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %s: %w", path, err)
	}
	return &Memory{data: data, base: base}, nil
}

// Close unmaps the guest memory window.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Base returns the guest-physical address of the start of the window.
func (m *Memory) Base() uint64 { return m.base }

// Len returns the size in bytes of the mapped window.
func (m *Memory) Len() uint64 { return uint64(len(m.data)) }

// ToHost translates a guest-physical address into an offset into the
// mapped window. It fails if gpa lies outside the window.
func (m *Memory) ToHost(gpa uint64) (int, error) {
	if gpa < m.base || gpa-m.base >= uint64(len(m.data)) {
		return 0, fmt.Errorf("%w: gpa=%#x base=%#x len=%#x", ErrOutOfRange, gpa, m.base, len(m.data))
	}
	return int(gpa - m.base), nil
}

// ToGuest translates an offset into the mapped window back into a
// guest-physical address.
func (m *Memory) ToGuest(off int) uint64 {
	return m.base + uint64(off)
}

// ReadAt implements io.ReaderAt. off is a guest-physical address, matching
// the convention used throughout the virtio transport code: a "guest
// access" is always expressed as an absolute guest-physical address, never
// an offset relative to the window.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	start, err := m.ToHost(uint64(off))
	if err != nil {
		return 0, err
	}
	end := start + len(p)
	if end > len(m.data) {
		return 0, fmt.Errorf("%w: read [%#x,%#x) exceeds window", ErrOutOfRange, off, uint64(off)+uint64(len(p)))
	}
	n := copy(p, m.data[start:end])
	if n < len(p) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// WriteAt implements io.WriterAt. See ReadAt for the offset convention.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	start, err := m.ToHost(uint64(off))
	if err != nil {
		return 0, err
	}
	end := start + len(p)
	if end > len(m.data) {
		return 0, fmt.Errorf("%w: write [%#x,%#x) exceeds window", ErrOutOfRange, off, uint64(off)+uint64(len(p)))
	}
	return copy(m.data[start:end], p), nil
}

var (
	_ io.ReaderAt = (*Memory)(nil)
	_ io.WriterAt = (*Memory)(nil)
)
