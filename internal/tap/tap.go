// Package tap opens and configures a host TAP interface used to back a
// virtio-net device. The host kernel's real network stack terminates the
// traffic; this package only moves raw Ethernet frames across a file
// descriptor.
package tap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	devTun = "/dev/net/tun"

	ifnamsiz = 16

	// From linux/if_tun.h; not exposed by golang.org/x/sys/unix.
	tunsetiff = 0x400454ca
	iffTap    = 0x0002
	iffNoPI   = 0x1000
)

// Interface is an open, configured TAP device.
type Interface struct {
	file *os.File
	Name string
}

// ifreq mirrors struct ifreq's layout as used by TUNSETIFF: a 16-byte
// interface name followed by a union whose first member (here, flags) is
// all TUNSETIFF cares about.
type ifreq struct {
	name  [ifnamsiz]byte
	flags int16
	_     [22]byte // pad to sizeof(struct ifreq) on amd64/arm64
}

// Open creates (or attaches to an existing persistent) TAP interface named
// name and sets it non-blocking so the caller's RX loop can use EAGAIN as
// its natural "no more frames" termination condition.
func Open(name string) (*Interface, error) {
	f, err := os.OpenFile(devTun, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open %s: %w", devTun, err)
	}

	var req ifreq
	copy(req.name[:], name)
	req.flags = iffTap | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(tunsetiff), uintptr(unsafe.Pointer(&req))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tap: TUNSETIFF %s: %w", name, errno)
	}

	if err := unix.SetNonblock(int(f.Fd()), true); err != nil {
		f.Close()
		return nil, fmt.Errorf("tap: set nonblocking: %w", err)
	}

	actualName := nullTerminated(req.name[:])
	return &Interface{file: f, Name: actualName}, nil
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Fd returns the underlying file descriptor, for registration with an
// eventloop.Loop.
func (t *Interface) Fd() int { return int(t.file.Fd()) }

// ReadFrame reads one Ethernet frame into buf. It returns (0, unix.EAGAIN)
// when no frame is currently available, which callers use to know when to
// stop draining the device on an EPOLLIN wakeup.
func (t *Interface) ReadFrame(buf []byte) (int, error) {
	n, err := unix.Read(int(t.file.Fd()), buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// WriteFrame writes one Ethernet frame to the TAP device.
func (t *Interface) WriteFrame(buf []byte) error {
	_, err := unix.Write(int(t.file.Fd()), buf)
	return err
}

// Close closes the TAP file descriptor.
func (t *Interface) Close() error {
	return t.file.Close()
}
