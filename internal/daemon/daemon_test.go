package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/syswonder/hvisor-virtio-backend/internal/bridgeio"
	"github.com/syswonder/hvisor-virtio-backend/internal/virtio"
)

// fakeBridge stands in for *bridgeio.Bridge: it blocks on RunRequestLoop
// until the context it was handed is cancelled, signaling started so the
// test can drive cancellation only once the goroutine is actually running.
type fakeBridge struct {
	started chan struct{}
	err     error
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{started: make(chan struct{})}
}

func (f *fakeBridge) RunRequestLoop(ctx context.Context, handle bridgeio.Handler) error {
	close(f.started)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

// fakeLoop stands in for *eventloop.Loop.
type fakeLoop struct {
	stop chan struct{}

	mu      sync.Mutex
	closed  bool
	stopped bool
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{stop: make(chan struct{})}
}

func (f *fakeLoop) Run() { <-f.stop }

func (f *fakeLoop) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	close(f.stop)
}

func (f *fakeLoop) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLoop) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeLoop) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDaemonDevice implements both virtio.MMIODevice and virtio.Stoppable.
type fakeDaemonDevice struct {
	mu      sync.Mutex
	stopped bool
}

func (d *fakeDaemonDevice) HandleRequest(addr, size uint64, isWrite bool, value uint64) uint64 {
	return 0
}

func (d *fakeDaemonDevice) Stop() error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDaemonDevice) wasStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func newTestRegistry(t *testing.T, dev *fakeDaemonDevice) *virtio.Registry {
	t.Helper()
	r := virtio.NewRegistry()
	if err := r.Add(0, 0x1000, 0x100, dev, dev); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return r
}

func TestDaemonStopsEverythingOnContextCancel(t *testing.T) {
	bridge := newFakeBridge()
	loop := newFakeLoop()
	dev := &fakeDaemonDevice{}
	d := New(bridge, loop, newTestRegistry(t, dev))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-bridge.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge request loop never started")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil after context cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancel")
	}

	if !dev.wasStopped() {
		t.Fatalf("device was not stopped")
	}
	if !loop.wasStopped() {
		t.Fatalf("event loop was not stopped")
	}
	if !loop.wasClosed() {
		t.Fatalf("event loop was not closed")
	}
}

func TestDaemonPropagatesBridgeError(t *testing.T) {
	wantErr := errors.New("bridge exploded")
	bridge := newFakeBridge()
	bridge.err = wantErr
	loop := newFakeLoop()
	dev := &fakeDaemonDevice{}
	d := New(bridge, loop, newTestRegistry(t, dev))

	err := d.Run(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() err = %v, want %v", err, wantErr)
	}
	if !dev.wasStopped() {
		t.Fatalf("device was not stopped after bridge failure")
	}
	if !loop.wasClosed() {
		t.Fatalf("event loop was not closed after bridge failure")
	}
}
