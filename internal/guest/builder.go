package guest

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/asm/amd64"
	"github.com/tinyrange/trapgate/internal/exceptions"
	"github.com/tinyrange/trapgate/internal/hv"
	"github.com/tinyrange/trapgate/internal/hv/helpers"
	"github.com/tinyrange/trapgate/internal/idt"
	"github.com/tinyrange/trapgate/internal/trampoline"
)

const (
	BootLabel asm.Label = "guest.boot"
	BodyLabel asm.Label = "guest.body"
	DoneLabel asm.Label = "guest.done"
	// PrintLabel is the routine SerialPrint calls.
	PrintLabel asm.Label = "guest.print"
)

// FaultAddressRegister carries CR2 from the page fault shim to the bridge.
const FaultAddressRegister = amd64.RCX

// ShimLabel names the handler shim that reports v to the bridge port.
func ShimLabel(v idt.Vector) asm.Label {
	return asm.Label(fmt.Sprintf("guest.shim.%d", uint8(v)))
}

// Segment is a block of bytes placed at a guest physical address.
type Segment struct {
	Name string
	Addr uint64
	Data []byte
}

// Image is a built guest. It is the hv.VMLoader and hv.RunConfig for a VM
// and the idt.Loader its table was installed through.
type Image struct {
	Layout  Layout
	Program asm.Program
	Table   *idt.Table
	IDTR    idt.Pointer
	GDTR    idt.Pointer

	segments []Segment
	program  helpers.ProgramLoader
}

// LoadTable implements idt.Loader. The table and its pointer are written to
// guest memory when the image is loaded; the boot code's lidt makes them
// live.
func (img *Image) LoadTable(p idt.Pointer, table []byte) {
	ptr, _ := p.MarshalBinary()
	img.IDTR = p
	img.segments = append(img.segments,
		Segment{Name: "idt", Addr: p.Base, Data: table},
		Segment{Name: "idtr", Addr: img.Layout.IDTR, Data: ptr},
	)
}

// Segments returns the data blocks Load writes besides the program.
func (img *Image) Segments() []Segment {
	return append([]Segment(nil), img.segments...)
}

// Address returns the guest address of a program label.
func (img *Image) Address(label asm.Label) (uint64, bool) {
	off, ok := img.Program.LabelOffset(label)
	if !ok {
		return 0, false
	}
	return img.Layout.CodeBase + uint64(off), true
}

// Load implements hv.VMLoader.
func (img *Image) Load(vm hv.VirtualMachine) error {
	if err := img.program.Load(vm); err != nil {
		return err
	}
	for _, s := range img.segments {
		if _, err := vm.WriteAt(s.Data, int64(s.Addr)); err != nil {
			return fmt.Errorf("write %s to 0x%x: %w", s.Name, s.Addr, err)
		}
	}
	return nil
}

// Run implements hv.RunConfig.
func (img *Image) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	return img.program.Run(ctx, vcpu)
}

var (
	_ hv.VMLoader  = &Image{}
	_ hv.RunConfig = &Image{}
	_ idt.Loader   = &Image{}
)

// Builder lays out a guest image: boot code, the scenario bodies, the print
// routine, then one handler shim and one entry stub per registered vector.
type Builder struct {
	layout   Layout
	registry *exceptions.Registry
	bodies   []asm.Fragment
}

func NewBuilder(layout Layout, registry *exceptions.Registry) *Builder {
	return &Builder{layout: layout, registry: registry}
}

// AddScenario appends body to the code run after boot. Bodies run in the
// order they were added; falling off the last one exits with
// debugexit.CodeSuccess.
func (b *Builder) AddScenario(body asm.Fragment) {
	b.bodies = append(b.bodies, body)
}

func (b *Builder) boot() asm.Fragment {
	l := b.layout
	rax := amd64.Reg64(amd64.RAX)
	return asm.Group{
		asm.MarkLabel(BootLabel),
		amd64.Cli(),
		amd64.MovImmediate(rax, int64(l.GDTR)),
		amd64.Lgdt(amd64.Mem(rax)),
		amd64.MovImmediate(rax, int64(l.IDTR)),
		amd64.Lidt(amd64.Mem(rax)),
		amd64.MovImmediate(amd64.Reg64(amd64.RSP), int64(l.StackTop)),
		amd64.Jump(BodyLabel),
	}
}

// shim reports v to the bridge. The stub has already put the frame pointer
// in rdi and the error code in rsi; the bridge reads them while the vCPU is
// stopped on the port write. The page fault shim also copies CR2 into rcx,
// since KVM only reports the guest's CR2 once the vCPU has left the fault
// path.
func (b *Builder) shim(v idt.Vector) asm.Fragment {
	g := asm.Group{asm.MarkLabel(ShimLabel(v))}
	if v == idt.VectorPageFault {
		g = append(g, amd64.MovFromCR2(amd64.Reg64(FaultAddressRegister)))
	}
	return append(g,
		amd64.MovImmediate(amd64.Reg32(amd64.RAX), int64(v)),
		amd64.MovImmediate(amd64.Reg16(amd64.RDX), int64(b.layout.BridgePort)),
		amd64.OutDXEAX(),
		amd64.Ret(),
	)
}

func (b *Builder) program(vectors []idt.Vector) (asm.Fragment, error) {
	g := asm.Group{b.boot(), asm.MarkLabel(BodyLabel)}
	g = append(g, b.bodies...)
	g = append(g,
		ExitSuccess(),
		asm.MarkLabel(DoneLabel),
		amd64.Cli(),
		amd64.Hlt(),
		amd64.Jump(DoneLabel),
		printRoutine(),
	)

	for _, v := range vectors {
		g = append(g, b.shim(v))
	}
	for _, v := range vectors {
		reg, ok := b.registry.Lookup(v)
		if !ok {
			return nil, fmt.Errorf("vector %s: %w", v, exceptions.ErrUnregisteredVector)
		}
		g = append(g, reg.Stub(ShimLabel(v)))
	}
	return g, nil
}

func (b *Builder) Build() (*Image, error) {
	l := b.layout
	if err := l.Validate(); err != nil {
		return nil, err
	}

	var vectors []idt.Vector
	if b.registry != nil {
		vectors = b.registry.Vectors()
	}

	frag, err := b.program(vectors)
	if err != nil {
		return nil, err
	}
	prog, err := amd64.EmitProgram(frag)
	if err != nil {
		return nil, fmt.Errorf("assemble guest: %w", err)
	}
	if end := l.CodeBase + uint64(len(prog.Bytes())); end > l.CodeLimit() {
		return nil, fmt.Errorf("guest program ends at 0x%x, past the code limit 0x%x", end, l.CodeLimit())
	}

	img := &Image{
		Layout:  l,
		Program: prog,
		Table:   idt.NewTable(),
		GDTR:    idt.Pointer{Limit: GDTSize - 1, Base: l.GDT},
		program: helpers.ProgramLoader{
			Program:      prog,
			BaseAddr:     l.CodeBase,
			StackTop:     l.StackTop,
			PagingBase:   l.PagingBase,
			IdentityGiB:  l.IdentityGiB,
			CodeSelector: CodeSelector,
			DataSelector: DataSelector,
		},
	}

	gdt := make([]byte, 0, GDTSize)
	for _, d := range gdtDescriptors {
		gdt = binary.LittleEndian.AppendUint64(gdt, d)
	}
	gdtr, _ := img.GDTR.MarshalBinary()
	img.segments = append(img.segments,
		Segment{Name: "gdt", Addr: l.GDT, Data: gdt},
		Segment{Name: "gdtr", Addr: l.GDTR, Data: gdtr},
	)

	for _, v := range vectors {
		addr, ok := img.Address(trampoline.EntryLabel(v))
		if !ok {
			return nil, fmt.Errorf("entry stub for %s missing from program", v)
		}
		if _, err := img.Table.SetHandler(v, CodeSelector, addr); err != nil {
			return nil, err
		}
	}
	if err := img.Table.Load(img, l.IDT); err != nil {
		return nil, err
	}

	return img, nil
}
