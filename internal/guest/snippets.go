package guest

import (
	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/asm/amd64"
	"github.com/tinyrange/trapgate/internal/devices/amd64/debugexit"
	"github.com/tinyrange/trapgate/internal/devices/amd64/serial"
)

// printVar is rebound by every SerialPrint. LoadAddress resolves the
// constant as soon as it is emitted, so reuse is safe.
const printVar asm.Variable = 0x100

// SerialPrint places s in the program's constant data and calls the print
// routine on it. The routine is emitted by Builder, so the fragment only
// assembles as part of a built image.
func SerialPrint(s string) asm.Fragment {
	return asm.Group{
		amd64.LoadConstantString(printVar, s+"\x00"),
		amd64.LoadAddress(amd64.Reg64(amd64.RSI), printVar),
		amd64.Call(PrintLabel),
	}
}

// printRoutine writes the NUL terminated string at rsi to COM1. The UART
// never holds the transmitter busy, so it does not poll LSR.
func printRoutine() asm.Fragment {
	const loop, done asm.Label = "guest.print.loop", "guest.print.done"
	return asm.Group{
		asm.MarkLabel(PrintLabel),
		amd64.MovImmediate(amd64.Reg16(amd64.RDX), int64(serial.COM1)),
		asm.MarkLabel(loop),
		amd64.MovZX8(amd64.Reg64(amd64.RAX), amd64.Mem(amd64.Reg64(amd64.RSI))),
		amd64.TestZero(amd64.RAX),
		amd64.JumpIfZero(done),
		amd64.OutDXAL(),
		amd64.AddRegImm(amd64.Reg64(amd64.RSI), 1),
		amd64.Jump(loop),
		asm.MarkLabel(done),
		amd64.Ret(),
	}
}

// DivideByZero divides 1 by zero in ecx, raising #DE.
func DivideByZero() asm.Fragment {
	return asm.Group{
		amd64.XorRegReg(amd64.Reg32(amd64.RDX), amd64.Reg32(amd64.RDX)),
		amd64.MovImmediate(amd64.Reg32(amd64.RAX), 1),
		amd64.XorRegReg(amd64.Reg32(amd64.RCX), amd64.Reg32(amd64.RCX)),
		amd64.DivReg(amd64.Reg32(amd64.RCX)),
	}
}

// WriteTo stores 42 at addr. Outside the identity map this raises #PF.
func WriteTo(addr uint64) asm.Fragment {
	return asm.Group{
		amd64.MovImmediate(amd64.Reg64(amd64.RAX), int64(addr)),
		amd64.MovStoreImm32(amd64.Mem(amd64.Reg64(amd64.RAX)), 42),
	}
}

func Breakpoint() asm.Fragment { return amd64.Int3() }

func InvalidOpcode() asm.Fragment { return amd64.Ud2() }

// Exit writes code to the debug exit port.
func Exit(code uint32) asm.Fragment {
	return asm.Group{
		amd64.MovImmediate(amd64.Reg32(amd64.RAX), int64(code)),
		amd64.MovImmediate(amd64.Reg16(amd64.RDX), int64(debugexit.Port)),
		amd64.OutDXEAX(),
	}
}

func ExitSuccess() asm.Fragment { return Exit(debugexit.CodeSuccess) }

func ExitFailed() asm.Fragment { return Exit(debugexit.CodeFailed) }
