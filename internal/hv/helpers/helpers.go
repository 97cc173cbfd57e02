package helpers

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/hv"
)

const (
	DefaultMaxLoopIterations = 1 << 20

	defaultCodeSelector = 0x08
	defaultDataSelector = 0x10
)

// ProgramLoader writes a program into guest memory and runs it from BaseAddr
// in 64-bit mode with identity mapped paging.
type ProgramLoader struct {
	Program  asm.Program
	BaseAddr uint64
	StackTop uint64

	// PagingBase is an offset from the start of guest memory.
	PagingBase  uint64
	IdentityGiB int

	CodeSelector uint16
	DataSelector uint16

	MaxLoopIterations uint64
}

// Load implements hv.VMLoader.
func (p *ProgramLoader) Load(vm hv.VirtualMachine) error {
	if arch := vm.Hypervisor().Architecture(); arch != hv.ArchitectureX86_64 {
		return fmt.Errorf("unsupported architecture: %v", arch)
	}

	bytes := p.Program.RelocatedCopy(uintptr(p.BaseAddr))
	end := p.BaseAddr + uint64(len(bytes))
	if p.BaseAddr < vm.MemoryBase() || end > vm.MemoryBase()+vm.MemorySize() {
		return fmt.Errorf("program [0x%x, 0x%x) does not fit in guest memory", p.BaseAddr, end)
	}

	if _, err := vm.WriteAt(bytes, int64(p.BaseAddr)); err != nil {
		return fmt.Errorf("write program to vm memory: %w", err)
	}

	return nil
}

// Run implements hv.RunConfig. It returns the error that stopped the guest:
// hv.ErrVMHalted and hv.ErrGuestRequestedExit (possibly wrapped) are the
// normal ways for a guest to finish.
func (p *ProgramLoader) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("vCPU %d does not support long mode", vcpu.ID())
	}

	identity := p.IdentityGiB
	if identity == 0 {
		identity = 1
	}
	cs, ds := p.CodeSelector, p.DataSelector
	if cs == 0 {
		cs = defaultCodeSelector
	}
	if ds == 0 {
		ds = defaultDataSelector
	}

	if err := amd64.SetLongModeWithSelectors(p.PagingBase, identity, cs, ds); err != nil {
		return fmt.Errorf("set long mode with selectors: %w", err)
	}

	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rflags: hv.Register64(0x2),
		hv.RegisterAMD64Rip:    hv.Register64(p.BaseAddr),
		hv.RegisterAMD64Rsp:    hv.Register64(p.StackTop),
	}); err != nil {
		return fmt.Errorf("set initial registers: %w", err)
	}

	limit := p.MaxLoopIterations
	if limit == 0 {
		limit = DefaultMaxLoopIterations
	}

	for range limit {
		if err := vcpu.Run(ctx); err != nil {
			if Stopped(err) {
				return err
			}
			return fmt.Errorf("run vCPU: %w", err)
		}
	}

	return fmt.Errorf("maximum loop iterations (%d) exceeded", limit)
}

// Stopped reports whether err is one of the ways a guest ends a run on its
// own rather than a failure.
func Stopped(err error) bool {
	return errors.Is(err, hv.ErrVMHalted) || errors.Is(err, hv.ErrGuestRequestedExit)
}

var (
	_ hv.VMLoader  = &ProgramLoader{}
	_ hv.RunConfig = &ProgramLoader{}
)
