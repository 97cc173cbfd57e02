// Package console provides the text sinks exception diagnostics are written
// to.
//
// Every sink here serialises writers with a mutex. A handler that interrupts
// a write already holding that mutex and then writes itself would deadlock.
// In this repository handlers run on the host after a VM exit, which cannot
// interleave with another write on the same vCPU thread, but the hazard is
// inherent to the sink contract and is not otherwise prevented.
package console

import (
	"errors"
	"io"
	"sync"
)

// Sink matches exceptions.Sink.
type Sink interface {
	Write(text string) error
}

// Locked serialises writes to an io.Writer.
type Locked struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLocked(w io.Writer) *Locked {
	return &Locked{w: w}
}

func (l *Locked) Write(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, text)
	return err
}

type tee []Sink

// Tee returns a sink that writes to every sink in order. All sinks are
// written even if one fails.
func Tee(sinks ...Sink) Sink {
	return tee(append([]Sink(nil), sinks...))
}

func (t tee) Write(text string) error {
	var errs []error
	for _, s := range t {
		if err := s.Write(text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type sinkWriter struct{ s Sink }

// Writer adapts a Sink to io.Writer, for device output such as a UART.
func Writer(s Sink) io.Writer { return sinkWriter{s} }

func (w sinkWriter) Write(p []byte) (int, error) {
	if err := w.s.Write(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
