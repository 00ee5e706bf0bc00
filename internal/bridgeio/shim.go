package bridgeio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Kernel shim ioctl numbers, encoded the same way the kernel's asm-generic
// _IO macro does: (type << 8) | nr. The shim exposes only the two ioctls
// this daemon needs; zone lifecycle management (HVISOR_ZONE_START/SHUTDOWN)
// belongs to a separate control-plane tool and is out of scope here.
const (
	shimIOCMagic = 1

	iocInitVirtio = shimIOCMagic<<8 | 0
	iocFinishReq  = shimIOCMagic<<8 | 2
)

// Shim is an open handle to the kernel character device that relays guest
// virtio traps into this process.
type Shim struct {
	fd int
}

// OpenShim opens the kernel shim device and performs the one-time
// INIT_VIRTIO handshake that hands back the bridge page.
func OpenShim(path string) (*Shim, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("bridgeio: open %s: %w", path, err)
	}
	s := &Shim{fd: fd}
	if err := s.initVirtio(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

// Close releases the shim file descriptor. The bridge page mapping, taken
// out separately over the same fd, remains valid until it is unmapped.
func (s *Shim) Close() error {
	return unix.Close(s.fd)
}

// FD returns the underlying file descriptor, for mmap'ing the bridge page.
func (s *Shim) FD() int { return s.fd }

func (s *Shim) initVirtio() error {
	return s.ioctl(iocInitVirtio, 0)
}

// finishReq acknowledges that the daemon has finished servicing the
// head-of-queue request, releasing the trapping vCPU to resume.
func (s *Shim) finishReq() error {
	return s.ioctl(iocFinishReq, 0)
}

func (s *Shim) ioctl(req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), req, arg)
	if errno != 0 {
		return fmt.Errorf("bridgeio: ioctl %#x: %w", req, errno)
	}
	return nil
}
