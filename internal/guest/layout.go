// Package guest assembles a bootable long mode image around a scenario body,
// installs the exception stubs for a registry and runs the image on a
// hypervisor with the devices the body talks to.
package guest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/trapgate/internal/devices/amd64/debugexit"
	"github.com/tinyrange/trapgate/internal/devices/amd64/serial"
	"github.com/tinyrange/trapgate/internal/idt"
)

var ErrInvalidLayout = errors.New("invalid guest layout")

const (
	// GDTSize covers the null, code and data descriptors.
	GDTSize = 3 * 8

	CodeSelector uint16 = 0x08
	DataSelector uint16 = 0x10

	// DefaultBridgePort is the port handler shims report on.
	DefaultBridgePort uint16 = 0x0510

	pageSize = 0x1000
)

var gdtDescriptors = [3]uint64{
	0,
	0x00AF9B000000FFFF, // 64-bit code, DPL 0
	0x00AF93000000FFFF, // data, DPL 0
}

// Layout places every structure of the image in guest physical memory. All
// addresses are absolute; paging is identity mapped so they double as
// virtual addresses.
type Layout struct {
	MemoryBase uint64
	MemorySize uint64

	// PagingBase is an offset from MemoryBase, as hv.VirtualCPUAmd64 takes it.
	PagingBase  uint64
	IdentityGiB int

	GDT  uint64
	GDTR uint64
	IDT  uint64
	IDTR uint64

	CodeBase  uint64
	StackTop  uint64
	StackSize uint64

	BridgePort uint16
}

func DefaultLayout() Layout {
	return Layout{
		MemoryBase:  0,
		MemorySize:  0x400000,
		PagingBase:  0x1000,
		IdentityGiB: 1,
		GDT:         0x5000,
		GDTR:        0x5800,
		IDT:         0x6000,
		IDTR:        0x7000,
		CodeBase:    0x10000,
		StackTop:    0x80000,
		StackSize:   0x10000,
		BridgePort:  DefaultBridgePort,
	}
}

type region struct {
	name       string
	start, end uint64
}

func (l Layout) pagingRegion() region {
	start := l.MemoryBase + l.PagingBase
	return region{"page tables", start, start + 2*pageSize + uint64(l.IdentityGiB)*pageSize}
}

func (l Layout) stackRegion() region {
	return region{"stack", l.StackTop - l.StackSize, l.StackTop}
}

// CodeLimit is the first address the program may not reach.
func (l Layout) CodeLimit() uint64 {
	return l.StackTop - l.StackSize
}

func (l Layout) regions() []region {
	return []region{
		l.pagingRegion(),
		{"gdt", l.GDT, l.GDT + GDTSize},
		{"gdtr", l.GDTR, l.GDTR + idt.PointerSize},
		{"idt", l.IDT, l.IDT + idt.TableSize*idt.EntrySize},
		{"idtr", l.IDTR, l.IDTR + idt.PointerSize},
		{"code", l.CodeBase, l.CodeLimit()},
		l.stackRegion(),
	}
}

// Validate checks that every region lies in guest memory, that no two
// regions overlap and that the bridge port does not collide with a device.
func (l Layout) Validate() error {
	if l.MemorySize == 0 {
		return fmt.Errorf("%w: memory size is zero", ErrInvalidLayout)
	}
	if l.IdentityGiB < 1 || l.IdentityGiB > 512 {
		return fmt.Errorf("%w: identity map of %d GiB", ErrInvalidLayout, l.IdentityGiB)
	}
	memEnd := l.MemoryBase + l.MemorySize
	if memEnd > uint64(l.IdentityGiB)<<30 {
		return fmt.Errorf("%w: memory end 0x%x is not identity mapped", ErrInvalidLayout, memEnd)
	}
	if l.PagingBase%pageSize != 0 {
		return fmt.Errorf("%w: paging base 0x%x is not page aligned", ErrInvalidLayout, l.PagingBase)
	}
	if l.StackTop%16 != 0 {
		return fmt.Errorf("%w: stack top 0x%x is not 16 byte aligned", ErrInvalidLayout, l.StackTop)
	}
	if l.StackSize == 0 || l.StackSize > l.StackTop || l.CodeLimit() <= l.CodeBase {
		return fmt.Errorf("%w: no room for code below the stack", ErrInvalidLayout)
	}

	regions := l.regions()
	for _, r := range regions {
		if r.start < l.MemoryBase || r.end > memEnd {
			return fmt.Errorf("%w: %s [0x%x, 0x%x) outside guest memory", ErrInvalidLayout, r.name, r.start, r.end)
		}
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].start < regions[j].start })
	for i := 1; i < len(regions); i++ {
		if prev, cur := regions[i-1], regions[i]; cur.start < prev.end {
			return fmt.Errorf("%w: %s overlaps %s", ErrInvalidLayout, cur.name, prev.name)
		}
	}

	switch {
	case l.BridgePort >= serial.COM1 && l.BridgePort < serial.COM1+8:
		return fmt.Errorf("%w: bridge port 0x%x collides with the UART", ErrInvalidLayout, l.BridgePort)
	case l.BridgePort == debugexit.Port:
		return fmt.Errorf("%w: bridge port 0x%x collides with debug exit", ErrInvalidLayout, l.BridgePort)
	}
	return nil
}
