// Package daemon wires together the bridge request loop, the event loop,
// and the per-device workers, and supervises their lifetimes as one unit.
package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/syswonder/hvisor-virtio-backend/internal/bridgeio"
	"github.com/syswonder/hvisor-virtio-backend/internal/virtio"
)

// bridgeRunner is the slice of *bridgeio.Bridge the supervisor depends on,
// narrowed to an interface so Daemon can be driven by a fake in tests
// without a real kernel shim.
type bridgeRunner interface {
	RunRequestLoop(ctx context.Context, handle bridgeio.Handler) error
}

// eventLoop is the slice of *eventloop.Loop the supervisor depends on.
type eventLoop interface {
	Run()
	Stop()
	Close() error
}

// Daemon supervises the bridge dispatch loop, the TAP event loop, and every
// registered device's background worker, shutting all of them down
// together when any one fails or the context is cancelled.
type Daemon struct {
	bridge   bridgeRunner
	loop     eventLoop
	registry *virtio.Registry
}

// New creates a Daemon over an already-opened bridge, event loop, and
// populated device registry.
func New(bridge bridgeRunner, loop eventLoop, registry *virtio.Registry) *Daemon {
	return &Daemon{bridge: bridge, loop: loop, registry: registry}
}

// Run drives the bridge request loop and the event loop until ctx is
// cancelled or either one fails, then stops every device worker. The first
// error from any supervised goroutine is returned.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.bridge.RunRequestLoop(gctx, d.handleRequest)
	})

	g.Go(func() error {
		d.loop.Run()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		d.loop.Stop()
		return nil
	})

	err := g.Wait()

	for _, entry := range d.registry.All() {
		if entry.Device == nil {
			continue
		}
		if stopErr := entry.Device.Stop(); stopErr != nil {
			slog.Error("daemon: device stop failed", "zone", entry.ZoneID, "base", entry.Base, "err", stopErr)
		}
	}

	if d.loop != nil {
		if cerr := d.loop.Close(); cerr != nil {
			slog.Error("daemon: eventloop close failed", "err", cerr)
		}
	}

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// handleRequest dispatches one bridge request to the device registered for
// its (zone, address), mirroring the original's virtio_handle_req scan.
func (d *Daemon) handleRequest(req bridgeio.Request) uint64 {
	dev, ok := d.registry.Lookup(req.SrcZone, req.Address)
	if !ok {
		slog.Error("daemon: no device registered for request", "zone", req.SrcZone, "addr", fmt.Sprintf("%#x", req.Address))
		return 0
	}
	return dev.HandleRequest(req.Address, req.Size, req.IsWrite, req.Value)
}
