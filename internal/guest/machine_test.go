package guest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/console"
	"github.com/tinyrange/trapgate/internal/devices/amd64/debugexit"
	"github.com/tinyrange/trapgate/internal/hv"
	"github.com/tinyrange/trapgate/internal/hv/kvm"
	"github.com/tinyrange/trapgate/internal/idt"
)

func openKVM(t *testing.T) hv.Hypervisor {
	t.Helper()
	h, err := kvm.Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func runBody(t *testing.T, body asm.Fragment) Result {
	t.Helper()
	h := openKVM(t)

	m, err := NewMachine(h, Config{Layout: DefaultLayout(), Body: body})
	if err != nil {
		t.Fatalf("NewMachine()=%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := m.Run(ctx)
	skipIfUnemulated(t, err)
	if err != nil {
		t.Fatalf("Run()=%v\noutput: %s", err, res.Output)
	}
	return res
}

// skipIfUnemulated skips when the host kernel rejected the guest's exception
// delivery, which says nothing about the stubs under test.
func skipIfUnemulated(t *testing.T, err error) {
	t.Helper()
	if errors.Is(err, hv.ErrEmulationFailed) {
		t.Skipf("host KVM cannot deliver this exception: %v", err)
	}
}

func TestMachineBoot(t *testing.T) {
	res := runBody(t, SerialPrint("booted ok!\n"))

	if !res.Exited || res.ExitCode != debugexit.CodeSuccess {
		t.Fatalf("result=%+v, want exit with 0x%x", res, debugexit.CodeSuccess)
	}
	if res.Output != "booted ok!\n" {
		t.Fatalf("output=%q", res.Output)
	}
	l := DefaultLayout()
	want := idt.Pointer{Limit: idt.TableSize*idt.EntrySize - 1, Base: l.IDT}
	if res.IDTR != want {
		t.Fatalf("IDTR=%+v, want %+v", res.IDTR, want)
	}
}

func TestMachineDivideByZero(t *testing.T) {
	res := runBody(t, asm.Group{DivideByZero(), SerialPrint("[ok]")})

	if !res.Halted || res.Exited {
		t.Fatalf("result=%+v, want halt", res)
	}
	if !strings.Contains(res.Output, "EXCEPTION: DIVIDE BY ZERO") {
		t.Fatalf("output=%q", res.Output)
	}
	if strings.Contains(res.Output, "[ok]") {
		t.Fatalf("fault handler returned to the body: %q", res.Output)
	}
}

func TestMachinePageFault(t *testing.T) {
	res := runBody(t, asm.Group{WriteTo(0xCAFEBABE), SerialPrint("[ok]")})

	if !res.Halted {
		t.Fatalf("result=%+v, want halt", res)
	}
	if len(res.Events) != 1 {
		t.Fatalf("events=%+v, want one", res.Events)
	}
	ev := res.Events[0]
	if ev.Vector != idt.VectorPageFault || ev.FaultAddress != 0xCAFEBABE {
		t.Fatalf("event=%+v", ev)
	}
	if !idt.PageFaultErrorCode(ev.ErrorCode).CausedByWrite() {
		t.Fatalf("error code=%#x, want CAUSED_BY_WRITE", ev.ErrorCode)
	}
	if !strings.Contains(res.Output, "PAGE FAULT while accessing 0xcafebabe") || strings.Contains(res.Output, "[ok]") {
		t.Fatalf("output=%q", res.Output)
	}
}

func TestMachineBreakpointResumes(t *testing.T) {
	res := runBody(t, asm.Group{SerialPrint("a"), Breakpoint(), SerialPrint("b")})

	if !res.Exited || res.ExitCode != debugexit.CodeSuccess {
		t.Fatalf("result=%+v, want exit", res)
	}
	i := strings.Index(res.Output, "EXCEPTION: BREAKPOINT")
	if i < 0 || !strings.HasPrefix(res.Output, "a") || !strings.HasSuffix(res.Output, "b") {
		t.Fatalf("output=%q", res.Output)
	}
	if len(res.Events) != 1 || res.Events[0].Vector != idt.VectorBreakpoint {
		t.Fatalf("events=%+v", res.Events)
	}
}

func TestMachineInvalidOpcode(t *testing.T) {
	res := runBody(t, asm.Group{InvalidOpcode(), SerialPrint("[ok]")})

	if !res.Halted {
		t.Fatalf("result=%+v, want halt", res)
	}
	if !strings.Contains(res.Output, "EXCEPTION: INVALID OPCODE") {
		t.Fatalf("output=%q", res.Output)
	}
}

func TestMachineExitFailed(t *testing.T) {
	res := runBody(t, ExitFailed())
	if !res.Exited || res.ExitCode != debugexit.CodeFailed {
		t.Fatalf("result=%+v, want exit with 0x%x", res, debugexit.CodeFailed)
	}
}

func TestMachineScreenSink(t *testing.T) {
	h := openKVM(t)
	screen := console.NewScreen()

	m, err := NewMachine(h, Config{Layout: DefaultLayout(), Body: SerialPrint("hello"), Sink: screen})
	if err != nil {
		t.Fatalf("NewMachine()=%v", err)
	}
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run()=%v", err)
	}
	if !strings.Contains(screen.Text(), "hello") {
		t.Fatalf("screen=%q", screen.Text())
	}
}
