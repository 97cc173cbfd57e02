package idt

import (
	"encoding/binary"
	"fmt"
)

// PointerSize is the size of the pseudo descriptor consumed by lidt.
const PointerSize = 10

// Pointer is the operand of lidt: the table base and its size minus one.
type Pointer struct {
	Limit uint16
	Base  uint64
}

func (p Pointer) MarshalBinary() ([]byte, error) {
	buf := make([]byte, PointerSize)
	binary.LittleEndian.PutUint16(buf[0:], p.Limit)
	binary.LittleEndian.PutUint64(buf[2:], p.Base)
	return buf, nil
}

func (p *Pointer) UnmarshalBinary(data []byte) error {
	if len(data) < PointerSize {
		return fmt.Errorf("idt pointer: need %d bytes, got %d", PointerSize, len(data))
	}
	p.Limit = binary.LittleEndian.Uint16(data[0:])
	p.Base = binary.LittleEndian.Uint64(data[2:])
	return nil
}

// Loader installs a table image. Implementations issue the privileged load;
// a bad pointer is undefined behaviour at the hardware level, so there is no
// error to report.
type Loader interface {
	LoadTable(p Pointer, image []byte)
}

// Table is a fixed size descriptor table indexed by vector.
//
// Once Load has run the CPU holds the table's base address. The caller must
// keep the memory behind that address alive and in place for as long as the
// CPU may deliver interrupts through it; Table cannot check this.
type Table struct {
	entries [TableSize]Entry
	loaded  bool
}

func NewTable() *Table {
	t := &Table{}
	for i := range t.entries {
		t.entries[i] = MissingEntry()
	}
	return t
}

// SetHandler installs a present gate for v and returns its options so the
// caller can adjust them before the table is loaded.
func (t *Table) SetHandler(v Vector, selector uint16, handler uint64) (*Options, error) {
	if err := checkVector(v); err != nil {
		return nil, err
	}
	if t.loaded {
		return nil, fmt.Errorf("set handler for %s: %w", v, ErrTableLoaded)
	}
	t.entries[v] = NewEntry(selector, handler)
	return &t.entries[v].Options, nil
}

func (t *Table) Entry(v Vector) (Entry, error) {
	if err := checkVector(v); err != nil {
		return Entry{}, err
	}
	return t.entries[v], nil
}

// Bytes returns the hardware image of the table.
func (t *Table) Bytes() []byte {
	out := make([]byte, 0, TableSize*EntrySize)
	for _, e := range t.entries {
		out, _ = e.AppendBinary(out)
	}
	return out
}

// Pointer returns the lidt operand for the table placed at base.
func (t *Table) Pointer(base uint64) Pointer {
	return Pointer{Limit: TableSize*EntrySize - 1, Base: base}
}

// Load hands the table to loader. It succeeds exactly once.
func (t *Table) Load(loader Loader, base uint64) error {
	if t.loaded {
		return ErrTableLoaded
	}
	t.loaded = true
	loader.LoadTable(t.Pointer(base), t.Bytes())
	return nil
}

func (t *Table) Loaded() bool { return t.loaded }
