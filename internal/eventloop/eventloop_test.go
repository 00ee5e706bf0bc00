package eventloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestRegisterFiresOnReadable(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan uint32, 1)
	if err := l.Register(fds[0], unix.EPOLLIN, func(events uint32) {
		fired <- events
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	go l.Run()
	defer l.Stop()

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-fired:
		if ev&unix.EPOLLIN == 0 {
			t.Fatalf("expected EPOLLIN bit set, got %#x", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never fired")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	calls := 0
	if err := l.Register(fds[0], unix.EPOLLIN, func(uint32) { calls++ }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := l.Unregister(fds[0]); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	go l.Run()
	defer l.Stop()

	unix.Write(fds[1], []byte("x"))
	time.Sleep(50 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("handler fired %d times after Unregister", calls)
	}
}
