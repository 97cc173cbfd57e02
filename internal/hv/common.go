package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrGuestRequestedExit    = errors.New("guest requested exit")
	// ErrGuestShutdown reports a triple fault.
	ErrGuestShutdown = errors.New("guest shutdown")
	// ErrEmulationFailed reports an instruction the host kernel could not
	// emulate for the guest. Nested KVM hosts hit this on software
	// interrupts.
	ErrEmulationFailed = errors.New("host could not emulate guest instruction")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Special Registers
	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer
	RegisterAMD64GdtBase
	RegisterAMD64GdtLimit
	RegisterAMD64IdtBase
	RegisterAMD64IdtLimit
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:      "rax",
	RegisterAMD64Rbx:      "rbx",
	RegisterAMD64Rcx:      "rcx",
	RegisterAMD64Rdx:      "rdx",
	RegisterAMD64Rsi:      "rsi",
	RegisterAMD64Rdi:      "rdi",
	RegisterAMD64Rsp:      "rsp",
	RegisterAMD64Rbp:      "rbp",
	RegisterAMD64R8:       "r8",
	RegisterAMD64R9:       "r9",
	RegisterAMD64R10:      "r10",
	RegisterAMD64R11:      "r11",
	RegisterAMD64R12:      "r12",
	RegisterAMD64R13:      "r13",
	RegisterAMD64R14:      "r14",
	RegisterAMD64R15:      "r15",
	RegisterAMD64Rip:      "rip",
	RegisterAMD64Rflags:   "rflags",
	RegisterAMD64Cr0:      "cr0",
	RegisterAMD64Cr2:      "cr2",
	RegisterAMD64Cr3:      "cr3",
	RegisterAMD64Cr4:      "cr4",
	RegisterAMD64Efer:     "efer",
	RegisterAMD64GdtBase:  "gdt.base",
	RegisterAMD64GdtLimit: "gdt.limit",
	RegisterAMD64IdtBase:  "idt.base",
	RegisterAMD64IdtLimit: "idt.limit",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) error
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	// SetLongModeWithSelectors builds identity-mapped 2 MiB pages covering the
	// first identityGiB GiB at pagingBase and switches the vCPU to 64-bit mode.
	SetLongModeWithSelectors(
		pagingBase uint64,
		identityGiB int,
		codeSelector, dataSelector uint16,
	) error
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

// ExitContext is passed to device handlers while the vCPU that caused the
// exit is stopped. Handlers run on the vCPU thread.
type ExitContext interface {
	VirtualCPU() VirtualCPU
}

type Device interface {
	Init(vm VirtualMachine) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(ctx ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx ExitContext, port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(ctx ExitContext, port uint16, data []byte) error
	WriteFunc func(ctx ExitContext, port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(ctx ExitContext, port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(ctx, port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(ctx ExitContext, port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(ctx, port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ X86IOPortDevice = SimpleX86IOPortDevice{}
)

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	Run(ctx context.Context, cfg RunConfig) error

	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error

	AddDevice(dev Device) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times across multiple threads.

	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	Callbacks() VMCallbacks
	Loader() VMLoader
}

type SimpleVMConfig struct {
	NumCPUs  int
	MemSize  uint64
	MemBase  uint64
	VMLoader VMLoader

	CreateVM   func(vm VirtualMachine) error
	CreateVCPU func(vCpu VirtualCPU) error
}

// OnCreateVM implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int          { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64     { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64     { return c.MemBase }
func (c SimpleVMConfig) Callbacks() VMCallbacks { return c }
func (c SimpleVMConfig) Loader() VMLoader       { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
