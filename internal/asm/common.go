package asm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

type Value interface {
}

type Immediate int64

var (
	_ Value = Immediate(0)
)

type Variable int

var (
	_ Value = Variable(0)
)

type Context interface {
	AddConstant(target Variable, data []byte)
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Program is position independent machine code plus the offsets of the
// absolute 64-bit pointers that must be rebased before it runs.
type Program struct {
	code        []byte
	relocations []int
	labels      map[Label]int
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Relocations() []int {
	return append([]int(nil), p.relocations...)
}

// LabelOffset returns the offset of label from the start of the program.
func (p Program) LabelOffset(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

// Labels returns every label defined in the program, sorted by offset.
func (p Program) Labels() []Label {
	out := make([]Label, 0, len(p.labels))
	for l := range p.labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if p.labels[out[i]] == p.labels[out[j]] {
			return out[i] < out[j]
		}
		return p.labels[out[i]] < p.labels[out[j]]
	})
	return out
}

func (p Program) RelocatedCopy(base uintptr) []byte {
	out := append([]byte(nil), p.code...)
	for _, off := range p.relocations {
		if off < 0 || off+8 > len(out) {
			continue
		}
		val := binary.LittleEndian.Uint64(out[off:])
		binary.LittleEndian.PutUint64(out[off:], val+uint64(base))
	}
	return out
}

func (p Program) Clone() Program {
	labels := make(map[Label]int, len(p.labels))
	for k, v := range p.labels {
		labels[k] = v
	}
	return Program{
		code:        append([]byte(nil), p.code...),
		relocations: append([]int(nil), p.relocations...),
		labels:      labels,
	}
}

func NewProgram(code []byte, relocations []int) Program {
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]int(nil), relocations...),
	}
}

// WithLabels returns a copy of p that records the supplied label offsets.
func (p Program) WithLabels(labels map[Label]int) Program {
	out := p.Clone()
	for k, v := range labels {
		out.labels[k] = v
	}
	return out
}
