// Command virtiod emulates virtio-mmio block and network devices on behalf
// of hvisor zones, relaying guest MMIO traps through the kernel bridge shim
// and guest memory through a mapped guest-physical memory window per zone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/syswonder/hvisor-virtio-backend/internal/bridgeio"
	"github.com/syswonder/hvisor-virtio-backend/internal/daemon"
	"github.com/syswonder/hvisor-virtio-backend/internal/devspec"
	"github.com/syswonder/hvisor-virtio-backend/internal/eventloop"
	"github.com/syswonder/hvisor-virtio-backend/internal/guestmem"
	"github.com/syswonder/hvisor-virtio-backend/internal/tap"
	"github.com/syswonder/hvisor-virtio-backend/internal/virtio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "virtiod: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	shimPath := flag.String("shim", "/dev/hvisor-virtio", "path to the kernel bridge shim character device")
	memPath := flag.String("mem", "/dev/hvisor-mem", "path to the guest-physical memory character device")

	var mems devspec.MemList
	flag.Var(&mems, "zone-mem", "guest memory window for a zone (zone_id=,base=,size=[,offset=]), repeatable")

	var devs devspec.List
	flag.Var(&devs, "device", "virtio device to emulate (see devspec.Parse), repeatable")
	flag.Var(&devs, "d", "shorthand for -device")

	flag.Parse()

	if len(mems.Specs) == 0 {
		return fmt.Errorf("at least one -zone-mem is required")
	}
	if len(devs.Specs) == 0 {
		return fmt.Errorf("at least one -device is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bridge, err := bridgeio.Open(*shimPath)
	if err != nil {
		return fmt.Errorf("open bridge shim: %w", err)
	}
	defer bridge.Close()

	zones, err := openZoneMemory(*memPath, mems.Specs)
	if err != nil {
		return err
	}
	defer closeZoneMemory(zones)

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}

	registry := virtio.NewRegistry()
	bases, err := buildDevices(registry, zones, bridge, loop, devs.Specs)
	if err != nil {
		loop.Close()
		return err
	}

	if err := bridge.PublishDeviceRegions(bases); err != nil {
		loop.Close()
		return fmt.Errorf("publish device regions: %w", err)
	}

	d := daemon.New(bridge, loop, registry)
	return d.Run(ctx)
}

// openZoneMemory maps every requested zone's guest-physical memory window,
// keyed by zone ID, so device constructors can look up the right mapping
// without threading memPath/offsets through devspec.Spec.
func openZoneMemory(memPath string, specs []devspec.MemSpec) (map[uint32]*guestmem.Memory, error) {
	zones := make(map[uint32]*guestmem.Memory, len(specs))
	for _, s := range specs {
		mem, err := guestmem.Open(memPath, s.Offset, s.Base, s.Size)
		if err != nil {
			closeZoneMemory(zones)
			return nil, fmt.Errorf("map zone %d memory: %w", s.ZoneID, err)
		}
		zones[s.ZoneID] = mem
	}
	return zones, nil
}

func closeZoneMemory(zones map[uint32]*guestmem.Memory) {
	for _, mem := range zones {
		mem.Close()
	}
}

// buildDevices constructs one device per devspec.Spec, registers its MMIO
// window, and returns the full set of device base addresses for
// Bridge.PublishDeviceRegions.
func buildDevices(registry *virtio.Registry, zones map[uint32]*guestmem.Memory, irq virtio.IRQPoster, loop *eventloop.Loop, specs []devspec.Spec) ([]uint64, error) {
	var bases []uint64

	for _, spec := range specs {
		mem, ok := zones[spec.ZoneID]
		if !ok {
			return nil, fmt.Errorf("device in zone %d has no -zone-mem mapping", spec.ZoneID)
		}

		switch spec.Kind {
		case devspec.KindBlk:
			flags := os.O_RDWR
			if spec.ReadOnly {
				flags = os.O_RDONLY
			}
			file, err := os.OpenFile(spec.Image, flags, 0)
			if err != nil {
				return nil, fmt.Errorf("open blk image %s: %w", spec.Image, err)
			}
			dev, err := virtio.NewBlk(mem, irq, spec.ZoneID, spec.Addr, spec.Len, spec.IRQ, file, spec.ReadOnly)
			if err != nil {
				file.Close()
				return nil, fmt.Errorf("create blk device at %#x: %w", spec.Addr, err)
			}
			if err := registry.Add(spec.ZoneID, spec.Addr, spec.Len, dev.MMIO(), dev); err != nil {
				return nil, err
			}

		case devspec.KindNet:
			tapIface, err := tap.Open(spec.TapName)
			if err != nil {
				return nil, fmt.Errorf("open tap %s: %w", spec.TapName, err)
			}
			dev, err := virtio.NewNet(mem, irq, spec.ZoneID, spec.Addr, spec.Len, spec.IRQ, tapIface, loop, spec.MAC)
			if err != nil {
				tapIface.Close()
				return nil, fmt.Errorf("create net device at %#x: %w", spec.Addr, err)
			}
			if err := registry.Add(spec.ZoneID, spec.Addr, spec.Len, dev.MMIO(), dev); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("unhandled device kind %q", spec.Kind)
		}

		bases = append(bases, spec.Addr)
	}

	return bases, nil
}
