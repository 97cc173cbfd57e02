package guest

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/trapgate/internal/console"
	"github.com/tinyrange/trapgate/internal/exceptions"
	"github.com/tinyrange/trapgate/internal/hv"
	"github.com/tinyrange/trapgate/internal/idt"
	"github.com/tinyrange/trapgate/internal/trampoline"
)

type fakeHypervisor struct{ hv.Hypervisor }

func (fakeHypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

// fakeVM backs guest physical memory from base with a byte slice.
type fakeVM struct {
	hv.VirtualMachine
	base uint64
	mem  []byte
}

func (f *fakeVM) Hypervisor() hv.Hypervisor { return fakeHypervisor{} }

func (f *fakeVM) ReadAt(p []byte, off int64) (int, error) {
	start := uint64(off) - f.base
	if uint64(off) < f.base || start+uint64(len(p)) > uint64(len(f.mem)) {
		return 0, errors.New("out of range")
	}
	return copy(p, f.mem[start:]), nil
}

type fakeCPU struct {
	hv.VirtualCPU
	regs map[hv.Register]uint64
}

func (c *fakeCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for r := range regs {
		regs[r] = hv.Register64(c.regs[r])
	}
	return nil
}

type fakeExit struct{ cpu *fakeCPU }

func (e fakeExit) VirtualCPU() hv.VirtualCPU { return e.cpu }

const testFrameAddr = 0x7ff00

func newTestBridge(t *testing.T, reg *exceptions.Registry, frame idt.ExceptionStackFrame) (*Bridge, *fakeVM) {
	t.Helper()
	vm := &fakeVM{base: 0x70000, mem: make([]byte, 0x10000)}
	raw, _ := frame.MarshalBinary()
	copy(vm.mem[testFrameAddr-vm.base:], raw)

	b := NewBridge(DefaultBridgePort, reg)
	if err := b.Init(vm); err != nil {
		t.Fatalf("Init()=%v", err)
	}
	return b, vm
}

func deliver(b *Bridge, v idt.Vector, errorCode, faultAddr uint64) error {
	cpu := &fakeCPU{regs: map[hv.Register]uint64{
		hv.RegisterAMD64Rdi: testFrameAddr,
		hv.RegisterAMD64Rsi: errorCode,
		hv.RegisterAMD64Rcx: faultAddr,
		// KVM still reports the pre-fault CR2 at the shim's exit.
		hv.RegisterAMD64Cr2: 0,
	}}
	return b.WriteIOPort(fakeExit{cpu}, DefaultBridgePort, []byte{byte(v), 0, 0, 0})
}

func TestBridgePageFault(t *testing.T) {
	var out strings.Builder
	reg := exceptions.Default(console.NewLocked(&out))
	frame := idt.ExceptionStackFrame{InstructionPointer: 0x10042, CodeSegment: 0x08, CPUFlags: 0x2, StackPointer: 0x80000, StackSegment: 0x10}
	b, _ := newTestBridge(t, reg, frame)

	if err := deliver(b, idt.VectorPageFault, 0b10, 0xCAFEBABE); err != nil {
		t.Fatalf("WriteIOPort()=%v, want nil", err)
	}

	events := b.Events()
	if len(events) != 1 {
		t.Fatalf("events=%d, want 1", len(events))
	}
	ev := events[0]
	if ev.Frame != frame || !ev.HasErrorCode || ev.ErrorCode != 0b10 || ev.FaultAddress != 0xCAFEBABE {
		t.Fatalf("event=%+v", ev)
	}
	for _, want := range []string{"PAGE FAULT while accessing 0xcafebabe", "CAUSED_BY_WRITE", "instruction_pointer: 0x10042"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output=%q, missing %q", out.String(), want)
		}
	}
	if reg.Count(idt.VectorPageFault) != 1 {
		t.Fatalf("Count(#PF)=%d", reg.Count(idt.VectorPageFault))
	}
}

func TestBridgeIgnoresErrorCodeRegisterWithoutErrorCode(t *testing.T) {
	reg := exceptions.Default(nil)
	b, _ := newTestBridge(t, reg, idt.ExceptionStackFrame{InstructionPointer: 0x10000})

	if err := deliver(b, idt.VectorDivideError, 0xdead, 0); err != nil {
		t.Fatalf("WriteIOPort()=%v", err)
	}
	if ev := b.Events()[0]; ev.HasErrorCode || ev.ErrorCode != 0 {
		t.Fatalf("event=%+v, want no error code", ev)
	}
}

func TestBridgeTrapResumes(t *testing.T) {
	var out strings.Builder
	reg := exceptions.Default(console.NewLocked(&out))
	b, _ := newTestBridge(t, reg, idt.ExceptionStackFrame{InstructionPointer: 0x10001})

	if err := deliver(b, idt.VectorBreakpoint, 0, 0); err != nil {
		t.Fatalf("WriteIOPort()=%v, want nil", err)
	}
	if !strings.Contains(out.String(), "EXCEPTION: BREAKPOINT") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestBridgeTrapHalt(t *testing.T) {
	reg := exceptions.NewRegistry(nil)
	halt := func(sink exceptions.Sink, ev exceptions.Event) exceptions.Outcome { return exceptions.Halt }
	if err := reg.Register(idt.VectorBreakpoint, "stop", trampoline.KindTrap, halt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b, _ := newTestBridge(t, reg, idt.ExceptionStackFrame{})

	if err := deliver(b, idt.VectorBreakpoint, 0, 0); !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("WriteIOPort()=%v, want ErrVMHalted", err)
	}
}

func TestBridgeFaultResumeIsAnError(t *testing.T) {
	reg := exceptions.NewRegistry(nil)
	resume := func(sink exceptions.Sink, ev exceptions.Event) exceptions.Outcome { return exceptions.Resume }
	if err := reg.Register(idt.VectorInvalidOpcode, "bad", trampoline.KindFault, resume); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b, _ := newTestBridge(t, reg, idt.ExceptionStackFrame{})

	if err := deliver(b, idt.VectorInvalidOpcode, 0, 0); !errors.Is(err, exceptions.ErrFaultResumed) {
		t.Fatalf("WriteIOPort()=%v, want ErrFaultResumed", err)
	}
}

func TestBridgeUnregisteredVector(t *testing.T) {
	b, _ := newTestBridge(t, exceptions.NewRegistry(nil), idt.ExceptionStackFrame{})
	if err := deliver(b, 13, 0, 0); !errors.Is(err, exceptions.ErrUnregisteredVector) {
		t.Fatalf("WriteIOPort()=%v, want ErrUnregisteredVector", err)
	}
}

func TestBridgeBadFramePointer(t *testing.T) {
	b, _ := newTestBridge(t, exceptions.Default(nil), idt.ExceptionStackFrame{})
	cpu := &fakeCPU{regs: map[hv.Register]uint64{hv.RegisterAMD64Rdi: 0x10}}
	err := b.WriteIOPort(fakeExit{cpu}, DefaultBridgePort, []byte{0})
	if err == nil || !strings.Contains(err.Error(), "read frame") {
		t.Fatalf("WriteIOPort()=%v, want frame read error", err)
	}
}

func TestBridgeFaultAddressOnlyForPageFault(t *testing.T) {
	b, _ := newTestBridge(t, exceptions.Default(nil), idt.ExceptionStackFrame{})

	if err := deliver(b, idt.VectorInvalidOpcode, 0, 0x1234); err != nil {
		t.Fatalf("WriteIOPort()=%v", err)
	}
	if ev := b.Events()[0]; ev.FaultAddress != 0 {
		t.Fatalf("FaultAddress=%#x for #UD, want 0", ev.FaultAddress)
	}
}
