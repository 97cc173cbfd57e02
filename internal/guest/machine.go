package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/console"
	"github.com/tinyrange/trapgate/internal/devices/amd64/debugexit"
	"github.com/tinyrange/trapgate/internal/devices/amd64/serial"
	"github.com/tinyrange/trapgate/internal/exceptions"
	"github.com/tinyrange/trapgate/internal/hv"
	"github.com/tinyrange/trapgate/internal/idt"
)

// Config describes one guest run.
type Config struct {
	Layout Layout
	Body   asm.Fragment

	// Sink also receives serial output and diagnostics, for example a
	// console.Screen. It may be nil.
	Sink console.Sink

	// Handlers builds the registry from the run's sink. Defaults to
	// exceptions.Default.
	Handlers func(sink exceptions.Sink) *exceptions.Registry

	MaxLoopIterations uint64
}

// Result is how a run ended.
type Result struct {
	// Halted is set when the guest stopped on hlt, after a fault handler
	// or at the end of a body that never exits.
	Halted bool
	// Exited is set when the guest wrote the debug exit port.
	Exited   bool
	ExitCode uint32

	// Output is serial output and handler diagnostics interleaved in the
	// order they were produced.
	Output string

	Events []exceptions.Event
	// IDTR is read back from the vCPU after the run.
	IDTR idt.Pointer
}

// Machine owns a built image and the registry its stubs dispatch to.
type Machine struct {
	hv       hv.Hypervisor
	cfg      Config
	image    *Image
	registry *exceptions.Registry
	output   *bytes.Buffer
	sink     console.Sink
}

func NewMachine(h hv.Hypervisor, cfg Config) (*Machine, error) {
	if cfg.Handlers == nil {
		cfg.Handlers = exceptions.Default
	}

	m := &Machine{hv: h, cfg: cfg, output: &bytes.Buffer{}}
	m.sink = console.NewLocked(m.output)
	if cfg.Sink != nil {
		m.sink = console.Tee(m.sink, cfg.Sink)
	}
	m.registry = cfg.Handlers(m.sink)

	b := NewBuilder(cfg.Layout, m.registry)
	if cfg.Body != nil {
		b.AddScenario(cfg.Body)
	}
	img, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build guest image: %w", err)
	}
	img.program.MaxLoopIterations = cfg.MaxLoopIterations
	m.image = img

	return m, nil
}

func (m *Machine) Image() *Image { return m.image }

func (m *Machine) Registry() *exceptions.Registry { return m.registry }

// Run boots a fresh VM from the image. A guest that halts or writes the
// debug exit port is a successful run; anything else is an error, returned
// together with whatever output was produced.
func (m *Machine) Run(ctx context.Context) (Result, error) {
	l := m.image.Layout

	vm, err := m.hv.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:  1,
		MemSize:  l.MemorySize,
		MemBase:  l.MemoryBase,
		VMLoader: m.image,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create virtual machine: %w", err)
	}
	defer vm.Close()

	uart := serial.NewSerial16550(serial.COM1, console.Writer(m.sink), nil)
	exit := debugexit.New(debugexit.Port)
	bridge := NewBridge(l.BridgePort, m.registry)
	for _, dev := range []hv.Device{uart, exit, bridge} {
		if err := vm.AddDevice(dev); err != nil {
			return Result{}, fmt.Errorf("add device: %w", err)
		}
	}

	runErr := vm.Run(ctx, m.image)

	res := Result{
		Output: m.output.String(),
		Events: bridge.Events(),
	}
	m.output.Reset()

	if err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		regs := map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64IdtBase:  hv.Register64(0),
			hv.RegisterAMD64IdtLimit: hv.Register64(0),
		}
		if err := vcpu.GetRegisters(regs); err != nil {
			return err
		}
		res.IDTR = idt.Pointer{
			Base:  uint64(regs[hv.RegisterAMD64IdtBase].(hv.Register64)),
			Limit: uint16(regs[hv.RegisterAMD64IdtLimit].(hv.Register64)),
		}
		return nil
	}); err != nil {
		slog.Warn("read back IDTR", "error", err)
	}

	var exitErr *debugexit.ExitError
	switch {
	case errors.As(runErr, &exitErr):
		res.Exited = true
		res.ExitCode = exitErr.Code
	case errors.Is(runErr, hv.ErrVMHalted):
		res.Halted = true
	case runErr == nil:
		return res, fmt.Errorf("guest run returned without stopping")
	default:
		return res, fmt.Errorf("run guest: %w", runErr)
	}

	slog.Debug("guest stopped",
		"halted", res.Halted,
		"exited", res.Exited,
		"exit_code", res.ExitCode,
		"exceptions", len(res.Events),
	)
	return res, nil
}
