package guest

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/trapgate/internal/exceptions"
	"github.com/tinyrange/trapgate/internal/hv"
	"github.com/tinyrange/trapgate/internal/idt"
	"github.com/tinyrange/trapgate/internal/trampoline"
)

// Bridge carries exceptions from the guest to the registry. A handler shim
// writes its vector to the bridge port; the vCPU is stopped on that write,
// so rdi and rsi still hold what the entry stub left there and rcx holds the
// CR2 value the page fault shim copied.
type Bridge struct {
	port     uint16
	registry *exceptions.Registry
	vm       hv.VirtualMachine

	mu     sync.Mutex
	events []exceptions.Event
}

func NewBridge(port uint16, registry *exceptions.Registry) *Bridge {
	return &Bridge{port: port, registry: registry}
}

// Init implements hv.Device.
func (b *Bridge) Init(vm hv.VirtualMachine) error {
	if vm.Hypervisor().Architecture() != hv.ArchitectureX86_64 {
		return fmt.Errorf("exception bridge: port I/O requires an x86_64 guest")
	}
	b.vm = vm
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (b *Bridge) IOPorts() []uint16 { return []uint16{b.port} }

// ReadIOPort implements hv.X86IOPortDevice.
func (b *Bridge) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	clear(data)
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice. A nil return lets the shim
// return into its stub: a fault stub then halts and a trap stub irets. A
// trap handler that asks to halt stops the run here with hv.ErrVMHalted.
func (b *Bridge) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("exception bridge: empty write")
	}
	if ctx == nil {
		return fmt.Errorf("exception bridge: no vCPU for exit")
	}

	ev, err := b.capture(ctx.VirtualCPU(), idt.Vector(data[0]))
	if err != nil {
		return fmt.Errorf("exception bridge: %w", err)
	}

	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()

	name := ev.Vector.String()
	if reg, ok := b.registry.Lookup(ev.Vector); ok {
		name = reg.Name
	}
	slog.Debug("exception dispatched",
		"vector", uint8(ev.Vector),
		"name", name,
		"rip", fmt.Sprintf("%#x", ev.Frame.InstructionPointer),
	)

	outcome, err := b.registry.Dispatch(ev)
	if err != nil {
		return fmt.Errorf("exception bridge: %w", err)
	}
	if outcome == exceptions.Halt {
		if reg, _ := b.registry.Lookup(ev.Vector); reg.Kind == trampoline.KindTrap {
			return fmt.Errorf("%s handler: %w", name, hv.ErrVMHalted)
		}
	}
	return nil
}

func (b *Bridge) capture(vcpu hv.VirtualCPU, v idt.Vector) (exceptions.Event, error) {
	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rdi: hv.Register64(0),
		hv.RegisterAMD64Rsi: hv.Register64(0),
		hv.RegisterAMD64Rcx: hv.Register64(0),
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		return exceptions.Event{}, fmt.Errorf("read registers: %w", err)
	}
	framePtr := uint64(regs[hv.RegisterAMD64Rdi].(hv.Register64))

	raw := make([]byte, idt.FrameSize)
	if _, err := b.vm.ReadAt(raw, int64(framePtr)); err != nil {
		return exceptions.Event{}, fmt.Errorf("read frame at 0x%x: %w", framePtr, err)
	}
	frame, err := idt.DecodeExceptionStackFrame(raw)
	if err != nil {
		return exceptions.Event{}, err
	}

	ev := exceptions.Event{
		Vector:       v,
		Frame:        frame,
		HasErrorCode: v.PushesErrorCode(),
	}
	if v == idt.VectorPageFault {
		ev.FaultAddress = uint64(regs[hv.RegisterAMD64Rcx].(hv.Register64))
	}
	if ev.HasErrorCode {
		ev.ErrorCode = uint64(regs[hv.RegisterAMD64Rsi].(hv.Register64))
	}
	return ev, nil
}

// Events returns the exceptions delivered so far, oldest first.
func (b *Bridge) Events() []exceptions.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]exceptions.Event(nil), b.events...)
}

var _ hv.X86IOPortDevice = &Bridge{}
