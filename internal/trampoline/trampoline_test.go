package trampoline

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/asm/amd64"
	"github.com/tinyrange/trapgate/internal/asm/testutil"
	"github.com/tinyrange/trapgate/internal/idt"
)

const handlerLabel = asm.Label("handler")

func emitWithHandler(t *testing.T, s Stub) asm.Program {
	t.Helper()
	prog, err := amd64.EmitProgram(asm.Group{
		s,
		asm.MarkLabel(handlerLabel),
		amd64.Ret(),
	})
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}
	return prog
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestForVectorPolicy(t *testing.T) {
	tests := []struct {
		v         idt.Vector
		kind      Kind
		errorCode bool
	}{
		{idt.VectorDivideError, KindFault, false},
		{idt.VectorBreakpoint, KindTrap, false},
		{idt.VectorInvalidOpcode, KindFault, false},
		{idt.VectorPageFault, KindFault, true},
		{13, KindFault, true},
	}
	for _, tt := range tests {
		s := ForVector(tt.v, handlerLabel)
		if s.Kind != tt.kind || s.ErrorCode != tt.errorCode {
			t.Errorf("ForVector(%s)=%v/%v, want %v/%v", tt.v, s.Kind, s.ErrorCode, tt.kind, tt.errorCode)
		}
	}
}

func TestFaultStubWithoutErrorCode(t *testing.T) {
	prog := emitWithHandler(t, ForVector(idt.VectorDivideError, handlerLabel))
	want := mustHex(t, ""+
		"31f6"+ // xor esi, esi
		"4889e7"+ // mov rdi, rsp
		"4883e4f0"+ // and rsp, -16
		"e807000000"+ // call handler
		"fa"+ // cli
		"f4"+ // hlt
		"e9f9ffffff"+ // jmp cli
		"c3")
	if got := prog.Bytes(); !bytes.HasPrefix(got, want) {
		t.Fatalf("stub bytes:\n got: %x\nwant: %x", got[:len(want)], want)
	}
	if off, ok := prog.LabelOffset(EntryLabel(idt.VectorDivideError)); !ok || off != 0 {
		t.Fatalf("entry label offset=%d,%v", off, ok)
	}
}

func TestFaultStubPopsErrorCode(t *testing.T) {
	prog := emitWithHandler(t, ForVector(idt.VectorPageFault, handlerLabel))
	want := mustHex(t, "5e 4889e7 4883e4f0 e8")
	if got := prog.Bytes(); !bytes.HasPrefix(got, want) {
		t.Fatalf("stub bytes:\n got: %x\nwant prefix: %x", got[:len(want)], want)
	}
}

func TestTrapStubLayout(t *testing.T) {
	prog := emitWithHandler(t, ForVector(idt.VectorBreakpoint, handlerLabel))
	lines := testutil.Disassemble64(t, prog.Bytes())

	expect := []testutil.Expectation{
		{Name: "push_rax", Mnemonic: "push", Contains: []string{"%rax"}},
		{Name: "push_rcx", Mnemonic: "push", Contains: []string{"%rcx"}},
		{Name: "push_rdx", Mnemonic: "push", Contains: []string{"%rdx"}},
		{Name: "push_rsi", Mnemonic: "push", Contains: []string{"%rsi"}},
		{Name: "push_rdi", Mnemonic: "push", Contains: []string{"%rdi"}},
		{Name: "push_r8", Mnemonic: "push", Contains: []string{"%r8"}},
		{Name: "push_r9", Mnemonic: "push", Contains: []string{"%r9"}},
		{Name: "push_r10", Mnemonic: "push", Contains: []string{"%r10"}},
		{Name: "push_r11", Mnemonic: "push", Contains: []string{"%r11"}},
		{Name: "push_rbp", Mnemonic: "push", Contains: []string{"%rbp"}},
		{Name: "no_error_code", Mnemonic: "xor", Contains: []string{"%esi,%esi"}},
		{Name: "frame_pointer", Mnemonic: "lea", Contains: []string{"0x50(%rsp),%rdi"}},
		{Name: "save_rsp", Mnemonic: "mov", Contains: []string{"%rsp,%rbp"}},
		{Name: "align", Mnemonic: "and", Contains: []string{"$0xfffffffffffffff0,%rsp"}},
		{Name: "call", Mnemonic: "call"},
		{Name: "restore_rsp", Mnemonic: "mov", Contains: []string{"%rbp,%rsp"}},
		{Name: "pop_rbp", Mnemonic: "pop", Contains: []string{"%rbp"}},
		{Name: "pop_r11", Mnemonic: "pop", Contains: []string{"%r11"}},
		{Name: "pop_r10", Mnemonic: "pop", Contains: []string{"%r10"}},
		{Name: "pop_r9", Mnemonic: "pop", Contains: []string{"%r9"}},
		{Name: "pop_r8", Mnemonic: "pop", Contains: []string{"%r8"}},
		{Name: "pop_rdi", Mnemonic: "pop", Contains: []string{"%rdi"}},
		{Name: "pop_rsi", Mnemonic: "pop", Contains: []string{"%rsi"}},
		{Name: "pop_rdx", Mnemonic: "pop", Contains: []string{"%rdx"}},
		{Name: "pop_rcx", Mnemonic: "pop", Contains: []string{"%rcx"}},
		{Name: "pop_rax", Mnemonic: "pop", Contains: []string{"%rax"}},
		{Name: "iretq", Mnemonic: "iretq"},
		{Name: "handler", Mnemonic: "ret"},
	}
	testutil.VerifyExpectations(t, lines, expect)
}

func TestTrapStubWithErrorCode(t *testing.T) {
	s := Stub{Vector: 13, Kind: KindTrap, ErrorCode: true, Handler: handlerLabel}
	prog := emitWithHandler(t, s)
	code := prog.Bytes()

	// ten pushes, then the error code load and the frame pointer past it.
	pushes := mustHex(t, "50 51 52 56 57 4150 4151 4152 4153 55")
	if !bytes.HasPrefix(code, pushes) {
		t.Fatalf("push sequence: %x", code[:len(pushes)])
	}
	rest := code[len(pushes):]
	load := mustHex(t, "488b742450 488d7c2458")
	if !bytes.HasPrefix(rest, load) {
		t.Fatalf("error code load: %x, want %x", rest[:len(load)], load)
	}

	tail := mustHex(t, "4883c408 48cf")
	if !bytes.Contains(code, tail) {
		t.Fatalf("trap stub does not drop the error code before iretq: %x", code)
	}
}

func TestStubRequiresHandler(t *testing.T) {
	if _, err := amd64.EmitProgram(Stub{Vector: 0}); err == nil {
		t.Fatalf("EmitProgram accepted a stub without a handler label")
	}
	if _, err := amd64.EmitProgram(Stub{Vector: 0, Kind: Kind(9), Handler: handlerLabel}); err == nil {
		t.Fatalf("EmitProgram accepted an unknown stub kind")
	}
}
