package exceptions

import (
	"fmt"

	"github.com/tinyrange/trapgate/internal/idt"
	"github.com/tinyrange/trapgate/internal/trampoline"
)

// Default returns a registry with the four standard handlers installed.
func Default(sink Sink) *Registry {
	r := NewRegistry(sink)
	for _, d := range defaults {
		// vectors in defaults are all below idt.TableSize
		_ = r.Register(d.vector, d.name, d.kind, d.handler)
	}
	return r
}

var defaults = []struct {
	vector  idt.Vector
	name    string
	kind    trampoline.Kind
	handler Handler
}{
	{idt.VectorDivideError, "divide_by_zero", trampoline.KindFault, DivideByZero},
	{idt.VectorBreakpoint, "breakpoint", trampoline.KindTrap, Breakpoint},
	{idt.VectorInvalidOpcode, "invalid_opcode", trampoline.KindFault, InvalidOpcode},
	{idt.VectorPageFault, "page_fault", trampoline.KindFault, PageFault},
}

func DivideByZero(sink Sink, ev Event) Outcome {
	_ = sink.Write(fmt.Sprintf("\nEXCEPTION: DIVIDE BY ZERO\n%s\n", ev.Frame))
	return Halt
}

func Breakpoint(sink Sink, ev Event) Outcome {
	_ = sink.Write(fmt.Sprintf("\nEXCEPTION: BREAKPOINT\n%s\n", ev.Frame))
	return Resume
}

func InvalidOpcode(sink Sink, ev Event) Outcome {
	_ = sink.Write(fmt.Sprintf("\nEXCEPTION: INVALID OPCODE at %#x\n%s\n",
		ev.Frame.InstructionPointer, ev.Frame))
	return Halt
}

func PageFault(sink Sink, ev Event) Outcome {
	_ = sink.Write(fmt.Sprintf("\nEXCEPTION: PAGE FAULT while accessing %#x\nerror code: %s\n%s\n",
		ev.FaultAddress, idt.PageFaultErrorCode(ev.ErrorCode), ev.Frame))
	return Halt
}
