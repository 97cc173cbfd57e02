package amd64

import (
	"testing"

	"github.com/tinyrange/trapgate/internal/asm"
	"github.com/tinyrange/trapgate/internal/asm/testutil"
)

func TestKitchenSinkDisassemblyAMD64(t *testing.T) {
	frag, expect := buildAMD64KitchenSink()

	prog, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("EmitProgram failed: %v", err)
	}

	lines := testutil.Disassemble64(t, prog.Bytes())
	testutil.VerifyExpectations(t, lines, expect)
}

type sinkBuilder struct {
	fragments    []asm.Fragment
	expectations []testutil.Expectation
}

func (b *sinkBuilder) append(frag asm.Fragment) {
	if frag == nil {
		return
	}
	b.fragments = append(b.fragments, frag)
}

func (b *sinkBuilder) add(name, mnemonic string, frag asm.Fragment, contains ...string) {
	b.append(frag)
	b.expectations = append(b.expectations, testutil.Expectation{
		Name:     name,
		Mnemonic: mnemonic,
		Contains: contains,
	})
}

func (b *sinkBuilder) fragment() asm.Fragment {
	return asm.Group(b.fragments)
}

func buildAMD64KitchenSink() (asm.Fragment, []testutil.Expectation) {
	const dataVar asm.Variable = 1

	var builder sinkBuilder
	builder.append(LoadConstantBytes(dataVar, []byte("kitchen sink data block")))

	builder.add("mov_imm", "movabs", MovImmediate(Reg64(RAX), 0x1122334455667788), "$0x1122334455667788,%rax")
	builder.add("mov_reg", "mov", MovReg(Reg64(R9), Reg64(R10)), "%r10,%r9")
	builder.add("mov_from_memory", "mov", MovFromMemory(Reg64(RBX), Mem(Reg64(RSP)).WithDisp(0x18)), "0x18(%rsp),%rbx")

	builder.add("movzx8", "", MovZX8(Reg64(R12), Mem(Reg64(RDI)).WithDisp(0x10)), "movz", "0x10(%rdi)", "%r12")

	builder.add("add_reg_imm", "add", AddRegImm(Reg64(RAX), 0x21), "$0x21,%rax")
	builder.add("and_reg_imm", "and", AndRegImm(Reg64(RDI), 0xff), "$0xff,%rdi")
	builder.add("xor_reg_reg", "xor", XorRegReg(Reg64(RBX), Reg64(RCX)), "%rcx,%rbx")

	builder.add("hlt", "hlt", Hlt())
	builder.add("out_dx_al", "out", OutDXAL(), "%al,(%dx)")

	builder.add("cli", "cli", Cli())
	builder.add("lgdt", "", Lgdt(Mem(Reg64(RBX)).WithDisp(0x10)), "lgdt", "0x10(%rbx)")
	builder.add("lidt", "", Lidt(Mem(Reg64(RAX))), "lidt", "(%rax)")
	builder.add("push_reg", "push", PushReg(Reg64(R11)), "%r11")
	builder.add("pop_reg", "pop", PopReg(Reg64(RDI)), "%rdi")
	builder.add("div_reg", "div", DivReg(Reg64(RCX)), "%rcx")
	builder.add("lea_mem", "lea", Lea(Reg64(RDI), Mem(Reg64(RSP)).WithDisp(0x48)), "0x48(%rsp),%rdi")
	builder.add("mov_store_imm32", "movl", MovStoreImm32(Mem(Reg64(RAX)), 0x2a), "$0x2a,(%rax)")
	builder.add("out_dx_eax", "out", OutDXEAX(), "%eax,(%dx)")
	builder.add("int3", "int3", Int3())
	builder.add("ud2", "ud2", Ud2())
	builder.add("iretq", "iretq", IRet())
	builder.add("mov_from_cr2", "mov", MovFromCR2(Reg64(RSI)), "%cr2,%rsi")

	builder.add("load_address", "movabs", LoadAddress(Reg64(R8), dataVar), "%r8")

	builder.add("jump_if_zero", "je", JumpIfZero(asm.Label("label_je")))
	builder.append(asm.MarkLabel("label_je"))
	builder.add("test_zero", "test", TestZero(RAX), "%rax,%rax")

	builder.add("ret", "ret", Ret())

	return builder.fragment(), builder.expectations
}
