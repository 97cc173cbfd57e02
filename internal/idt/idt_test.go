package idt

import (
	"bytes"
	"errors"
	"testing"
)

func TestEntryHandlerRoundTrip(t *testing.T) {
	for _, addr := range []uint64{0, 0x1000, 0xdeadbeef, 0xffff_8000_0010_2030, 0x0123_4567_89ab_cdef} {
		e := NewEntry(0x08, addr)
		if got := e.Handler(); got != addr {
			t.Fatalf("Handler()=0x%x, want 0x%x", got, addr)
		}
		if e.OffsetLow != uint16(addr) || e.OffsetMid != uint16(addr>>16) || e.OffsetHigh != uint32(addr>>32) {
			t.Fatalf("offset split for 0x%x = %04x/%04x/%08x", addr, e.OffsetLow, e.OffsetMid, e.OffsetHigh)
		}
		if e.Options != DefaultOptions() {
			t.Fatalf("Options=0x%04x, want 0x%04x", uint16(e.Options), uint16(DefaultOptions()))
		}
	}
}

func TestEntryBinaryLayout(t *testing.T) {
	e := NewEntry(0x08, 0x1122_3344_5566_7788)
	got, err := e.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	want := []byte{
		0x88, 0x77, // offset 0..15
		0x08, 0x00, // selector
		0x00, 0x8e, // IST 0, type 0xE, present
		0x66, 0x55, // offset 16..31
		0x44, 0x33, 0x22, 0x11, // offset 32..63
		0, 0, 0, 0,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("MarshalBinary()=% x, want % x", got, want)
	}

	var back Entry
	if err := back.UnmarshalBinary(got); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if back != e {
		t.Fatalf("UnmarshalBinary()=%+v, want %+v", back, e)
	}
	if err := back.UnmarshalBinary(got[:15]); err == nil {
		t.Fatalf("UnmarshalBinary accepted a 15 byte buffer")
	}
}

func TestMissingEntry(t *testing.T) {
	e := MissingEntry()
	if e.Options.Present() {
		t.Fatalf("missing entry reports present")
	}
	if e.Handler() != 0 || e.Selector != 0 {
		t.Fatalf("missing entry handler=0x%x selector=0x%x", e.Handler(), e.Selector)
	}
	if uint16(e.Options) != 0x0E00 {
		t.Fatalf("missing entry options=0x%04x, want 0x0e00", uint16(e.Options))
	}
}

func TestOptionsBitIsolation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		mask   uint16
	}{
		{"present", func(o *Options) { o.SetPresent(true) }, 1 << 15},
		{"trap gate", func(o *Options) { o.DisableInterrupts(false) }, 1 << 8},
		{"privilege", func(o *Options) { o.SetPrivilegeLevel(3) }, 0x3 << 13},
		{"stack", func(o *Options) { o.SetStackIndex(7) }, 0x7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := MinimalOptions()
			before := uint16(o)
			tt.mutate(&o)
			after := uint16(o)
			if after&0x0E00 != 0x0E00 {
				t.Fatalf("fixed bits cleared: 0x%04x", after)
			}
			if changed := before ^ after; changed&^tt.mask != 0 {
				t.Fatalf("bits outside 0x%04x changed: 0x%04x -> 0x%04x", tt.mask, before, after)
			}
			if before == after {
				t.Fatalf("setter had no effect")
			}
		})
	}
}

func TestOptionsMasking(t *testing.T) {
	o := DefaultOptions()
	o.SetPrivilegeLevel(6).SetStackIndex(13)
	if got := o.PrivilegeLevel(); got != 2 {
		t.Fatalf("PrivilegeLevel()=%d, want 2", got)
	}
	if got := o.StackIndex(); got != 5 {
		t.Fatalf("StackIndex()=%d, want 5", got)
	}
	if !o.Present() || !o.InterruptsDisabled() {
		t.Fatalf("masking disturbed other flags: 0x%04x", uint16(o))
	}

	o.SetPresent(false).DisableInterrupts(false)
	if o.Present() || o.InterruptsDisabled() {
		t.Fatalf("chained setters did not apply: 0x%04x", uint16(o))
	}
	if uint16(o)&0x0E00 != 0x0E00 {
		t.Fatalf("fixed bits cleared: 0x%04x", uint16(o))
	}
}

type recordingLoader struct {
	calls   int
	pointer Pointer
	image   []byte
}

func (l *recordingLoader) LoadTable(p Pointer, image []byte) {
	l.calls++
	l.pointer = p
	l.image = image
}

func TestTableLifecycle(t *testing.T) {
	table := NewTable()

	opts, err := table.SetHandler(VectorPageFault, 0x08, 0x20_3040)
	if err != nil {
		t.Fatalf("SetHandler: %v", err)
	}
	opts.SetStackIndex(1)

	e, err := table.Entry(VectorPageFault)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if e.Handler() != 0x20_3040 || e.Options.StackIndex() != 1 {
		t.Fatalf("Entry(14)=%+v", e)
	}

	unset, _ := table.Entry(VectorBreakpoint)
	if unset.Options.Present() || unset.Handler() != 0 {
		t.Fatalf("unset entry is present: %+v", unset)
	}

	var loader recordingLoader
	if err := table.Load(&loader, 0x5000); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("LoadTable called %d times", loader.calls)
	}
	if loader.pointer != (Pointer{Limit: 255, Base: 0x5000}) {
		t.Fatalf("pointer=%+v", loader.pointer)
	}
	if len(loader.image) != TableSize*EntrySize {
		t.Fatalf("image is %d bytes", len(loader.image))
	}
	if !table.Loaded() {
		t.Fatalf("Loaded()=false after Load")
	}

	if err := table.Load(&loader, 0x5000); !errors.Is(err, ErrTableLoaded) {
		t.Fatalf("second Load err=%v, want ErrTableLoaded", err)
	}
	if _, err := table.SetHandler(VectorDivideError, 0x08, 0x1000); !errors.Is(err, ErrTableLoaded) {
		t.Fatalf("SetHandler after Load err=%v, want ErrTableLoaded", err)
	}
	if loader.calls != 1 {
		t.Fatalf("LoadTable called %d times", loader.calls)
	}
}

func TestTableVectorOutOfRange(t *testing.T) {
	table := NewTable()
	_, err := table.SetHandler(TableSize, 0x08, 0x1000)
	if !errors.Is(err, ErrVectorOutOfRange) {
		t.Fatalf("SetHandler(16) err=%v, want ErrVectorOutOfRange", err)
	}
	var verr *VectorError
	if !errors.As(err, &verr) || verr.Vector != TableSize {
		t.Fatalf("SetHandler(16) err=%#v, want *VectorError", err)
	}
	if _, err := table.Entry(200); !errors.Is(err, ErrVectorOutOfRange) {
		t.Fatalf("Entry(200) err=%v", err)
	}
}

func TestPointerMarshal(t *testing.T) {
	b, _ := Pointer{Limit: 0xff, Base: 0x1122334455667788}.MarshalBinary()
	want := []byte{0xff, 0x00, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(b, want) {
		t.Fatalf("MarshalBinary()=% x, want % x", b, want)
	}
}

func TestVectorMetadata(t *testing.T) {
	if VectorPageFault.String() != "#PF" || VectorBreakpoint.String() != "#BP" {
		t.Fatalf("mnemonics: %s %s", VectorPageFault, VectorBreakpoint)
	}
	if Vector(15).String() != "vector 15" {
		t.Fatalf("Vector(15).String()=%q", Vector(15).String())
	}
	for _, v := range []Vector{VectorDivideError, VectorBreakpoint, VectorInvalidOpcode} {
		if v.PushesErrorCode() {
			t.Fatalf("%s reports an error code", v)
		}
	}
	if !VectorPageFault.PushesErrorCode() || !Vector(8).PushesErrorCode() {
		t.Fatalf("#PF/#DF must push an error code")
	}
}

func TestExceptionStackFrameDecode(t *testing.T) {
	want := ExceptionStackFrame{
		InstructionPointer: 0x10_0042,
		CodeSegment:        0x08,
		CPUFlags:           0x2,
		StackPointer:       0x8_0000,
		StackSegment:       0x10,
	}
	raw, _ := want.MarshalBinary()
	got, err := DecodeExceptionStackFrame(raw)
	if err != nil {
		t.Fatalf("DecodeExceptionStackFrame: %v", err)
	}
	if got != want {
		t.Fatalf("decode=%+v, want %+v", got, want)
	}
	if _, err := DecodeExceptionStackFrame(raw[:39]); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("short decode err=%v", err)
	}
}

func TestPageFaultErrorCode(t *testing.T) {
	code := PageFaultErrorCode(0b00011)
	want := PageFaultFlags{ProtectionViolation: true, CausedByWrite: true}
	if got := code.Flags(); got != want {
		t.Fatalf("Flags()=%+v, want %+v", got, want)
	}

	tests := []struct {
		code PageFaultErrorCode
		want string
	}{
		{0, "(empty)"},
		{0b00010, "CAUSED_BY_WRITE"},
		{0b00011, "PROTECTION_VIOLATION | CAUSED_BY_WRITE"},
		{0b11100, "USER_MODE | MALFORMED_TABLE | INSTRUCTION_FETCH"},
		{0x8002, "CAUSED_BY_WRITE | 0x8000"},
	}
	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("PageFaultErrorCode(0x%x).String()=%q, want %q", uint64(tt.code), got, tt.want)
		}
	}
}

func TestPageFaultDecodeIsTotal(t *testing.T) {
	for bits := uint64(0); bits < 64; bits++ {
		c := PageFaultErrorCode(bits | 0xffff_0000_0000_0000)
		f := c.Flags()
		if f.ProtectionViolation != (bits&1 != 0) || f.CausedByWrite != (bits&2 != 0) ||
			f.UserMode != (bits&4 != 0) || f.MalformedTable != (bits&8 != 0) ||
			f.InstructionFetch != (bits&16 != 0) {
			t.Fatalf("Flags(0x%x)=%+v", uint64(c), f)
		}
		if c.String() == "" {
			t.Fatalf("empty rendering for 0x%x", uint64(c))
		}
	}
}
