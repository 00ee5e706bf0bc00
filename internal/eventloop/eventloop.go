// Package eventloop provides a single epoll-driven dispatcher used to wake
// the daemon on TAP readability without a dedicated goroutine per device.
package eventloop

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// Handler is invoked when events fire on a registered file descriptor.
type Handler func(events uint32)

// Loop is a single epoll instance plus its registered handlers.
type Loop struct {
	epfd int

	mu       sync.Mutex
	handlers map[int32]Handler

	stop chan struct{}
	done chan struct{}
}

// New creates an epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd:     epfd,
		handlers: make(map[int32]Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Register adds fd to the epoll set with the given event mask and handler.
func (l *Loop) Register(fd int, events uint32, h Handler) error {
	l.mu.Lock()
	l.handlers[int32(fd)] = h
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the epoll set.
func (l *Loop) Unregister(fd int) error {
	l.mu.Lock()
	delete(l.handlers, int32(fd))
	l.mu.Unlock()
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run drives the dispatch loop until Stop is called. It pins itself to an
// OS thread for the lifetime of the loop, matching the teacher's pattern of
// dedicating a real thread to blocking epoll_wait calls.
func (l *Loop) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	var events [32]unix.EpollEvent
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		n, err := unix.EpollWait(l.epfd, events[:], 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			slog.Error("eventloop: epoll_wait failed", "err", err)
			continue
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd
			l.mu.Lock()
			h := l.handlers[fd]
			l.mu.Unlock()
			if h != nil {
				h(events[i].Events)
			}
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

// Close releases the epoll file descriptor. Call after Stop.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
