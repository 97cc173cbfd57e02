// Package trampoline emits the raw entry stubs installed in the IDT. A stub is
// the first code the CPU runs for a vector: it captures the interrupted frame
// and the optional error code, aligns the stack and calls an ordinary SysV
// function with rdi pointing at the frame and rsi holding the error code.
package trampoline

import (
	"fmt"

	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/asm/amd64"
	"github.com/tinyrange/trapgate/internal/idt"
)

// Kind selects what happens after the handler call.
type Kind int

const (
	// KindFault never returns to the interrupted code. The stub halts with
	// interrupts masked after the handler call.
	KindFault Kind = iota
	// KindTrap restores the interrupted state and returns with iretq.
	KindTrap
)

func (k Kind) String() string {
	switch k {
	case KindFault:
		return "fault"
	case KindTrap:
		return "trap"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindFor returns the delivery class of v. #DB, #BP and #OF report after the
// instruction completes; everything else is treated as a fault.
func KindFor(v idt.Vector) Kind {
	switch v {
	case 1, idt.VectorBreakpoint, 4:
		return KindTrap
	}
	return KindFault
}

// savedRegisters are the caller-saved registers a trap stub preserves, plus
// rbp which holds the unaligned stack pointer across the call.
var savedRegisters = []asm.Variable{
	amd64.RAX, amd64.RCX, amd64.RDX, amd64.RSI, amd64.RDI,
	amd64.R8, amd64.R9, amd64.R10, amd64.R11, amd64.RBP,
}

// Stub is the entry code for one vector.
type Stub struct {
	Vector    idt.Vector
	Kind      Kind
	ErrorCode bool
	Handler   asm.Label
}

var _ asm.Fragment = Stub{}

// ForVector returns the stub the hardware ABI calls for on v.
func ForVector(v idt.Vector, handler asm.Label) Stub {
	return Stub{
		Vector:    v,
		Kind:      KindFor(v),
		ErrorCode: v.PushesErrorCode(),
		Handler:   handler,
	}
}

// EntryLabel names the first instruction of the stub for v.
func EntryLabel(v idt.Vector) asm.Label {
	return asm.Label(fmt.Sprintf("idt.stub.%d", uint8(v)))
}

func (s Stub) Label() asm.Label { return EntryLabel(s.Vector) }

func (s Stub) Emit(ctx asm.Context) error {
	if s.Handler == "" {
		return fmt.Errorf("stub for %s: no handler label", s.Vector)
	}
	var body asm.Group
	switch s.Kind {
	case KindFault:
		body = s.fault()
	case KindTrap:
		body = s.trap()
	default:
		return fmt.Errorf("stub for %s: unknown kind %d", s.Vector, s.Kind)
	}
	if err := body.Emit(ctx); err != nil {
		return fmt.Errorf("stub for %s: %w", s.Vector, err)
	}
	return nil
}

func (s Stub) fault() asm.Group {
	tail := asm.Label(fmt.Sprintf("idt.stub.%d.halt", uint8(s.Vector)))

	g := asm.Group{asm.MarkLabel(s.Label())}
	if s.ErrorCode {
		g = append(g, amd64.PopReg(amd64.Reg64(amd64.RSI)))
	} else {
		g = append(g, amd64.XorRegReg(amd64.Reg32(amd64.RSI), amd64.Reg32(amd64.RSI)))
	}
	return append(g,
		amd64.MovReg(amd64.Reg64(amd64.RDI), amd64.Reg64(amd64.RSP)),
		amd64.AndRegImm(amd64.Reg64(amd64.RSP), -16),
		amd64.Call(s.Handler),
		// unreachable if the handler honours the fault contract
		asm.MarkLabel(tail),
		amd64.Cli(),
		amd64.Hlt(),
		amd64.Jump(tail),
	)
}

func (s Stub) trap() asm.Group {
	saved := int32(len(savedRegisters) * 8)
	frame := saved
	if s.ErrorCode {
		frame += 8
	}

	g := asm.Group{asm.MarkLabel(s.Label())}
	for _, r := range savedRegisters {
		g = append(g, amd64.PushReg(amd64.Reg64(r)))
	}
	if s.ErrorCode {
		g = append(g, amd64.MovFromMemory(amd64.Reg64(amd64.RSI), amd64.Mem(amd64.Reg64(amd64.RSP)).WithDisp(saved)))
	} else {
		g = append(g, amd64.XorRegReg(amd64.Reg32(amd64.RSI), amd64.Reg32(amd64.RSI)))
	}
	g = append(g,
		amd64.Lea(amd64.Reg64(amd64.RDI), amd64.Mem(amd64.Reg64(amd64.RSP)).WithDisp(frame)),
		amd64.MovReg(amd64.Reg64(amd64.RBP), amd64.Reg64(amd64.RSP)),
		amd64.AndRegImm(amd64.Reg64(amd64.RSP), -16),
		amd64.Call(s.Handler),
		amd64.MovReg(amd64.Reg64(amd64.RSP), amd64.Reg64(amd64.RBP)),
	)
	for i := len(savedRegisters) - 1; i >= 0; i-- {
		g = append(g, amd64.PopReg(amd64.Reg64(savedRegisters[i])))
	}
	if s.ErrorCode {
		g = append(g, amd64.AddRegImm(amd64.Reg64(amd64.RSP), 8))
	}
	return append(g, amd64.IRet())
}
