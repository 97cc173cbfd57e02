package amd64

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/tinyrange/trapgate/internal/asm"
)

func mustEmit(t *testing.T, frag asm.Fragment) asm.Program {
	t.Helper()
	prog, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}
	return prog
}

func TestCallResolvesForwardLabel(t *testing.T) {
	callee := asm.Label("callee")
	prog := mustEmit(t, asm.Group{
		Call(callee),
		Ret(),
		asm.MarkLabel(callee),
		Ret(),
	})

	expectPrefix(t, prog.Bytes(), "e801000000c3c3")
	if off, ok := prog.LabelOffset(callee); !ok || off != 6 {
		t.Fatalf("LabelOffset(callee)=%d,%v, want 6,true", off, ok)
	}
	if len(prog.Bytes())%8 != 0 {
		t.Fatalf("program length %d not padded to 8", len(prog.Bytes()))
	}
}

func TestJumpBackwards(t *testing.T) {
	loop := asm.Label("loop")
	prog := mustEmit(t, asm.Group{
		asm.MarkLabel(loop),
		Hlt(),
		Jump(loop),
	})
	expectPrefix(t, prog.Bytes(), "f4e9faffffff")
}

func TestUndefinedLabel(t *testing.T) {
	if _, err := EmitProgram(Call(asm.Label("missing"))); err == nil {
		t.Fatalf("EmitProgram succeeded with an undefined call target")
	}
	if _, err := EmitProgram(Jump(asm.Label("missing"))); err == nil {
		t.Fatalf("EmitProgram succeeded with an undefined jump target")
	}
}

func TestDuplicateLabel(t *testing.T) {
	_, err := EmitProgram(asm.Group{
		asm.MarkLabel("twice"),
		Cli(),
		asm.MarkLabel("twice"),
	})
	if err == nil {
		t.Fatalf("EmitProgram accepted a duplicate label")
	}
}

func TestLabelsSortedByOffset(t *testing.T) {
	prog := mustEmit(t, asm.Group{
		asm.MarkLabel("b"),
		Cli(),
		asm.MarkLabel("a"),
		Cli(),
		asm.MarkLabel("c"),
	})
	got := prog.Labels()
	want := []asm.Label{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("Labels()=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Labels()=%v, want %v", got, want)
		}
	}
}

func TestSystemInstructionEncodings(t *testing.T) {
	tests := []struct {
		name string
		frag asm.Fragment
		want string
	}{
		{"cli", Cli(), "fa"},
		{"iretq", IRet(), "48cf"},
		{"int3", Int3(), "cc"},
		{"ud2", Ud2(), "0f0b"},
		{"lidt_rax", Lidt(Mem(Reg64(RAX))), "0f0118"},
		{"lidt_disp", Lidt(Mem(Reg64(RAX)).WithDisp(0x10)), "0f015810"},
		{"lgdt_rbx", Lgdt(Mem(Reg64(RBX))), "0f0113"},
		{"push_rax", PushReg(Reg64(RAX)), "50"},
		{"push_r11", PushReg(Reg64(R11)), "4153"},
		{"pop_rbp", PopReg(Reg64(RBP)), "5d"},
		{"pop_r15", PopReg(Reg64(R15)), "415f"},
		{"div_rcx", DivReg(Reg64(RCX)), "48f7f1"},
		{"div_ecx", DivReg(Reg32(RCX)), "f7f1"},
		{"lea_rsp_disp", Lea(Reg64(RDI), Mem(Reg64(RSP)).WithDisp(0x48)), "488d7c2448"},
		{"store_imm32", MovStoreImm32(Mem(Reg64(RAX)), 0x2a), "c7002a000000"},
		{"out_dx_eax", OutDXEAX(), "ef"},
		{"mov_rcx_cr2", MovFromCR2(Reg64(RCX)), "0f20d1"},
		{"mov_r9_cr2", MovFromCR2(Reg64(R9)), "410f20d1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := EmitBytes(tt.frag)
			if err != nil {
				t.Fatalf("EmitBytes failed: %v", err)
			}
			expectPrefix(t, code, tt.want)
		})
	}
}

func TestSystemInstructionWidthChecks(t *testing.T) {
	bad := map[string]asm.Fragment{
		"push_32":      PushReg(Reg32(RAX)),
		"pop_16":       PopReg(Reg16(RBX)),
		"lea_32":       Lea(Reg32(RAX), Mem(Reg64(RBX))),
		"lidt_no_base": Lidt(Memory{}),
		"cr2_32":       MovFromCR2(Reg32(RAX)),
	}
	for name, frag := range bad {
		if _, err := EmitBytes(frag); err == nil {
			t.Errorf("%s: EmitBytes succeeded, want error", name)
		}
	}
}

func TestLoadAddressRelocation(t *testing.T) {
	const msg asm.Variable = 1
	prog := mustEmit(t, asm.Group{
		LoadConstantString(msg, "hi"),
		LoadAddress(Reg64(RBX), msg),
	})

	code := prog.Bytes()
	expectPrefix(t, code, "48bb")
	relocs := prog.Relocations()
	if len(relocs) != 1 || relocs[0] != 2 {
		t.Fatalf("Relocations()=%v, want [2]", relocs)
	}
	if got := binary.LittleEndian.Uint64(code[2:]); got != 16 {
		t.Fatalf("pointer=0x%x, want 0x%x", got, 16)
	}
	if got := string(code[16:18]); got != "hi" {
		t.Fatalf("constant data=%q, want %q", got, "hi")
	}

	moved := prog.RelocatedCopy(0x1000)
	if got := binary.LittleEndian.Uint64(moved[2:]); got != 0x1010 {
		t.Fatalf("relocated pointer=0x%x, want 0x%x", got, 0x1010)
	}
}

func expectPrefix(t *testing.T, code []byte, prefixHex string) {
	t.Helper()
	expect, err := hex.DecodeString(prefixHex)
	if err != nil {
		t.Fatalf("invalid hex prefix %q: %v", prefixHex, err)
	}
	if !bytes.HasPrefix(code, expect) {
		n := len(expect)
		if n > len(code) {
			n = len(code)
		}
		t.Fatalf("unexpected instruction prefix:\n got: %x\nwant: %x", code[:n], expect)
	}
}
