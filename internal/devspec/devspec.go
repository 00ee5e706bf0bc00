// Package devspec parses repeated "-device"/"-d" command-line flags
// describing the virtio devices a daemon instance should emulate, in the
// same key=value comma-list style the teacher uses for its own repeated
// flags.
package devspec

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which device back-end a Spec describes.
type Kind string

const (
	KindBlk Kind = "blk"
	KindNet Kind = "net"
)

// Spec is one parsed "-device" flag: a device kind plus its MMIO placement
// and kind-specific parameters.
type Spec struct {
	Kind   Kind
	ZoneID uint32
	Addr   uint64
	Len    uint64
	IRQ    uint32

	// Blk-specific.
	Image    string
	ReadOnly bool

	// Net-specific.
	TapName string
	MAC     [6]byte
}

// List collects repeated "-device"/"-d" flags and implements flag.Value.
type List struct {
	Specs []Spec
}

func (l *List) String() string {
	parts := make([]string, len(l.Specs))
	for i, s := range l.Specs {
		parts[i] = string(s.Kind)
	}
	return strings.Join(parts, ", ")
}

// Set parses one "kind,key=value,..." device spec and appends it.
func (l *List) Set(value string) error {
	spec, err := Parse(value)
	if err != nil {
		return err
	}
	l.Specs = append(l.Specs, spec)
	return nil
}

// Parse parses a single device spec string, e.g.:
//
//	blk,addr=0x0a000000,len=0x200,irq=33,zone_id=0,img=/disk.img
//	net,addr=0x0a000200,len=0x200,irq=34,zone_id=0,tap=tap0,mac=52:54:00:01:02:03
func Parse(value string) (Spec, error) {
	fields := strings.Split(value, ",")
	if len(fields) == 0 {
		return Spec{}, fmt.Errorf("devspec: empty device spec")
	}

	var spec Spec
	switch Kind(fields[0]) {
	case KindBlk, KindNet:
		spec.Kind = Kind(fields[0])
	default:
		return Spec{}, fmt.Errorf("devspec: unknown device kind %q", fields[0])
	}

	var haveAddr, haveLen, haveIRQ, haveZone bool

	for _, field := range fields[1:] {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return Spec{}, fmt.Errorf("devspec: malformed field %q (want key=value)", field)
		}
		switch key {
		case "addr":
			addr, err := parseUint(val)
			if err != nil {
				return Spec{}, fmt.Errorf("devspec: addr: %w", err)
			}
			spec.Addr = addr
			haveAddr = true
		case "len":
			length, err := parseUint(val)
			if err != nil {
				return Spec{}, fmt.Errorf("devspec: len: %w", err)
			}
			spec.Len = length
			haveLen = true
		case "irq":
			irq, err := parseUint(val)
			if err != nil {
				return Spec{}, fmt.Errorf("devspec: irq: %w", err)
			}
			spec.IRQ = uint32(irq)
			haveIRQ = true
		case "zone_id":
			zone, err := parseUint(val)
			if err != nil {
				return Spec{}, fmt.Errorf("devspec: zone_id: %w", err)
			}
			spec.ZoneID = uint32(zone)
			haveZone = true
		case "img":
			spec.Image = val
		case "ro":
			ro, err := strconv.ParseBool(val)
			if err != nil {
				return Spec{}, fmt.Errorf("devspec: ro: %w", err)
			}
			spec.ReadOnly = ro
		case "tap":
			spec.TapName = val
		case "mac":
			mac, err := parseMAC(val)
			if err != nil {
				return Spec{}, err
			}
			spec.MAC = mac
		default:
			return Spec{}, fmt.Errorf("devspec: unknown field %q", key)
		}
	}

	if !haveAddr || !haveLen || !haveIRQ || !haveZone {
		return Spec{}, fmt.Errorf("devspec: %s spec missing one of addr/len/irq/zone_id", spec.Kind)
	}
	if spec.Kind == KindBlk && spec.Image == "" {
		return Spec{}, fmt.Errorf("devspec: blk spec missing img=")
	}
	if spec.Kind == KindNet && spec.TapName == "" {
		return Spec{}, fmt.Errorf("devspec: net spec missing tap=")
	}

	return spec, nil
}

// MemSpec is one parsed "-zone-mem" flag: the guest-physical memory window for a
// single zone, mapped from the guest-memory character device at a given
// file offset.
type MemSpec struct {
	ZoneID uint32
	Base   uint64
	Size   uint64
	Offset int64
}

// MemList collects repeated "-zone-mem" flags and implements flag.Value.
type MemList struct {
	Specs []MemSpec
}

func (l *MemList) String() string {
	parts := make([]string, len(l.Specs))
	for i, s := range l.Specs {
		parts[i] = fmt.Sprintf("zone%d", s.ZoneID)
	}
	return strings.Join(parts, ", ")
}

// Set parses one "zone_id=,base=,size=[,offset=]" memory window spec and
// appends it.
func (l *MemList) Set(value string) error {
	spec, err := ParseMem(value)
	if err != nil {
		return err
	}
	l.Specs = append(l.Specs, spec)
	return nil
}

// ParseMem parses a single guest-memory window spec, e.g.:
//
//	zone_id=0,base=0x40000000,size=0x10000000,offset=0x0
func ParseMem(value string) (MemSpec, error) {
	var spec MemSpec
	var haveZone, haveBase, haveSize bool

	for _, field := range strings.Split(value, ",") {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			return MemSpec{}, fmt.Errorf("devspec: malformed mem field %q (want key=value)", field)
		}
		switch key {
		case "zone_id":
			zone, err := parseUint(val)
			if err != nil {
				return MemSpec{}, fmt.Errorf("devspec: zone_id: %w", err)
			}
			spec.ZoneID = uint32(zone)
			haveZone = true
		case "base":
			base, err := parseUint(val)
			if err != nil {
				return MemSpec{}, fmt.Errorf("devspec: base: %w", err)
			}
			spec.Base = base
			haveBase = true
		case "size":
			size, err := parseUint(val)
			if err != nil {
				return MemSpec{}, fmt.Errorf("devspec: size: %w", err)
			}
			spec.Size = size
			haveSize = true
		case "offset":
			offset, err := parseUint(val)
			if err != nil {
				return MemSpec{}, fmt.Errorf("devspec: offset: %w", err)
			}
			spec.Offset = int64(offset)
		default:
			return MemSpec{}, fmt.Errorf("devspec: unknown mem field %q", key)
		}
	}

	if !haveZone || !haveBase || !haveSize {
		return MemSpec{}, fmt.Errorf("devspec: mem spec missing one of zone_id/base/size")
	}
	return spec, nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), hexOrDecBase(s), 64)
}

func hexOrDecBase(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("devspec: mac: expected 6 colon-separated octets, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("devspec: mac: %w", err)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}
