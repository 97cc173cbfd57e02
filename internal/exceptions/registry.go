// Package exceptions maps vectors to typed Go handlers and enforces the
// fault/trap policy when an exception is dispatched.
package exceptions

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/idt"
	"github.com/tinyrange/trapgate/internal/trampoline"
)

var (
	ErrUnregisteredVector = errors.New("no handler registered for vector")
	ErrFaultResumed       = errors.New("fault handler asked to resume")
)

// Sink receives diagnostic text.
type Sink interface {
	Write(text string) error
}

// Outcome is what the interrupted code does after the handler.
type Outcome int

const (
	Halt Outcome = iota
	Resume
)

func (o Outcome) String() string {
	if o == Resume {
		return "resume"
	}
	return "halt"
}

// Event is one delivered exception.
type Event struct {
	Vector       idt.Vector
	Frame        idt.ExceptionStackFrame
	ErrorCode    uint64
	HasErrorCode bool
	// FaultAddress is CR2 at the time of delivery.
	FaultAddress uint64
}

// Handler formats the event to sink and decides the outcome.
type Handler func(sink Sink, ev Event) Outcome

// Registration describes one installed handler.
type Registration struct {
	Vector  idt.Vector
	Name    string
	Kind    trampoline.Kind
	Handler Handler
}

// ErrorCode reports whether the CPU pushes an error code for this vector.
func (r Registration) ErrorCode() bool { return r.Vector.PushesErrorCode() }

// Stub returns the entry stub that calls handler for this registration.
func (r Registration) Stub(handler asm.Label) trampoline.Stub {
	return trampoline.Stub{
		Vector:    r.Vector,
		Kind:      r.Kind,
		ErrorCode: r.ErrorCode(),
		Handler:   handler,
	}
}

// Registry holds the handlers for one table. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	sink    Sink
	entries map[idt.Vector]Registration
	counts  map[idt.Vector]int
}

func NewRegistry(sink Sink) *Registry {
	return &Registry{
		sink:    sink,
		entries: make(map[idt.Vector]Registration),
		counts:  make(map[idt.Vector]int),
	}
}

func (r *Registry) Register(v idt.Vector, name string, kind trampoline.Kind, handler Handler) error {
	if int(v) >= idt.TableSize {
		return &idt.VectorError{Vector: v, Size: idt.TableSize}
	}
	if handler == nil {
		return fmt.Errorf("register %s: nil handler", v)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[v] = Registration{Vector: v, Name: name, Kind: kind, Handler: handler}
	return nil
}

func (r *Registry) Lookup(v idt.Vector) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[v]
	return reg, ok
}

// Vectors returns the registered vectors in ascending order.
func (r *Registry) Vectors() []idt.Vector {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]idt.Vector, 0, len(r.entries))
	for v := range r.entries {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns how many times v has been dispatched.
func (r *Registry) Count(v idt.Vector) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[v]
}

// Dispatch runs the handler for ev.Vector. A fault always halts: if its
// handler returns Resume the outcome is Halt and ErrFaultResumed is returned.
// Sink write failures are returned alongside the handler's outcome.
func (r *Registry) Dispatch(ev Event) (Outcome, error) {
	r.mu.Lock()
	reg, ok := r.entries[ev.Vector]
	if ok {
		r.counts[ev.Vector]++
	}
	sink := r.sink
	r.mu.Unlock()

	if !ok {
		return Halt, fmt.Errorf("dispatch %s: %w", ev.Vector, ErrUnregisteredVector)
	}

	rec := &recordingSink{sink: sink}
	outcome := reg.Handler(rec, ev)

	if reg.Kind == trampoline.KindFault && outcome != Halt {
		return Halt, errors.Join(fmt.Errorf("dispatch %s: %w", reg.Name, ErrFaultResumed), rec.err)
	}
	if rec.err != nil {
		return outcome, fmt.Errorf("dispatch %s: %w", reg.Name, rec.err)
	}
	return outcome, nil
}

// recordingSink keeps the first write error so a handler does not need to
// report it.
type recordingSink struct {
	sink Sink
	err  error
}

func (s *recordingSink) Write(text string) error {
	if s.sink == nil {
		return nil
	}
	err := s.sink.Write(text)
	if err != nil && s.err == nil {
		s.err = err
	}
	return err
}
