package exceptions

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/trapgate/internal/idt"
	"github.com/tinyrange/trapgate/internal/trampoline"
)

type bufferSink struct {
	writes []string
	err    error
}

func (s *bufferSink) Write(text string) error {
	s.writes = append(s.writes, text)
	return s.err
}

func (s *bufferSink) String() string { return strings.Join(s.writes, "") }

var testFrame = idt.ExceptionStackFrame{
	InstructionPointer: 0x10_0040,
	CodeSegment:        0x08,
	CPUFlags:           0x46,
	StackPointer:       0x7_fff0,
	StackSegment:       0x10,
}

func TestDefaultRegistryVectors(t *testing.T) {
	r := Default(&bufferSink{})
	got := r.Vectors()
	want := []idt.Vector{0, 3, 6, 14}
	if len(got) != len(want) {
		t.Fatalf("Vectors()=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Vectors()=%v, want %v", got, want)
		}
	}

	bp, ok := r.Lookup(idt.VectorBreakpoint)
	if !ok || bp.Kind != trampoline.KindTrap || bp.ErrorCode() {
		t.Fatalf("Lookup(#BP)=%+v,%v", bp, ok)
	}
	pf, _ := r.Lookup(idt.VectorPageFault)
	if pf.Kind != trampoline.KindFault || !pf.ErrorCode() {
		t.Fatalf("Lookup(#PF)=%+v", pf)
	}
	stub := pf.Stub("shim")
	if !stub.ErrorCode || stub.Kind != trampoline.KindFault || stub.Vector != idt.VectorPageFault {
		t.Fatalf("Stub()=%+v", stub)
	}
}

func TestDispatchDiagnostics(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		outcome Outcome
		markers []string
	}{
		{
			name:    "divide",
			ev:      Event{Vector: idt.VectorDivideError, Frame: testFrame},
			outcome: Halt,
			markers: []string{"EXCEPTION: DIVIDE BY ZERO", "instruction_pointer: 0x100040"},
		},
		{
			name:    "breakpoint",
			ev:      Event{Vector: idt.VectorBreakpoint, Frame: testFrame},
			outcome: Resume,
			markers: []string{"EXCEPTION: BREAKPOINT", "stack_segment: 0x10"},
		},
		{
			name:    "invalid opcode",
			ev:      Event{Vector: idt.VectorInvalidOpcode, Frame: testFrame},
			outcome: Halt,
			markers: []string{"EXCEPTION: INVALID OPCODE at 0x100040"},
		},
		{
			name: "page fault",
			ev: Event{
				Vector:       idt.VectorPageFault,
				Frame:        testFrame,
				ErrorCode:    0b10,
				HasErrorCode: true,
				FaultAddress: 0xcafebabe,
			},
			outcome: Halt,
			markers: []string{
				"EXCEPTION: PAGE FAULT while accessing 0xcafebabe",
				"error code: CAUSED_BY_WRITE",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &bufferSink{}
			r := Default(sink)
			outcome, err := r.Dispatch(tt.ev)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if outcome != tt.outcome {
				t.Fatalf("Dispatch()=%v, want %v", outcome, tt.outcome)
			}
			for _, m := range tt.markers {
				if !strings.Contains(sink.String(), m) {
					t.Fatalf("sink output missing %q:\n%s", m, sink.String())
				}
			}
			if got := r.Count(tt.ev.Vector); got != 1 {
				t.Fatalf("Count(%s)=%d, want 1", tt.ev.Vector, got)
			}
		})
	}
}

func TestDispatchUnregistered(t *testing.T) {
	r := NewRegistry(&bufferSink{})
	outcome, err := r.Dispatch(Event{Vector: 13})
	if !errors.Is(err, ErrUnregisteredVector) {
		t.Fatalf("Dispatch err=%v, want ErrUnregisteredVector", err)
	}
	if outcome != Halt {
		t.Fatalf("Dispatch()=%v, want halt", outcome)
	}
	if r.Count(13) != 0 {
		t.Fatalf("unregistered dispatch was counted")
	}
}

func TestFaultCannotResume(t *testing.T) {
	r := NewRegistry(&bufferSink{})
	err := r.Register(idt.VectorDivideError, "bad", trampoline.KindFault, func(Sink, Event) Outcome {
		return Resume
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	outcome, err := r.Dispatch(Event{Vector: idt.VectorDivideError})
	if outcome != Halt || !errors.Is(err, ErrFaultResumed) {
		t.Fatalf("Dispatch()=%v,%v, want halt,ErrFaultResumed", outcome, err)
	}
}

func TestDispatchReportsSinkFailure(t *testing.T) {
	boom := errors.New("sink full")
	r := Default(&bufferSink{err: boom})
	outcome, err := r.Dispatch(Event{Vector: idt.VectorBreakpoint, Frame: testFrame})
	if outcome != Resume {
		t.Fatalf("Dispatch()=%v, want resume", outcome)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("Dispatch err=%v, want %v", err, boom)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(idt.TableSize, "x", trampoline.KindFault, DivideByZero); !errors.Is(err, idt.ErrVectorOutOfRange) {
		t.Fatalf("Register(16) err=%v", err)
	}
	if err := r.Register(1, "x", trampoline.KindTrap, nil); err == nil {
		t.Fatalf("Register accepted a nil handler")
	}
	// nil sink discards output
	if err := r.Register(1, "debug", trampoline.KindTrap, Breakpoint); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if outcome, err := r.Dispatch(Event{Vector: 1}); err != nil || outcome != Resume {
		t.Fatalf("Dispatch()=%v,%v", outcome, err)
	}
}
