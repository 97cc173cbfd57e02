package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/trapgate/internal/asm"
)

// Privileged and interrupt related instructions used by ring 0 guest code.

func emitFixed(code ...byte) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(code)
		return nil
	})
}

func Cli() asm.Fragment { return emitFixed(0xFA) }

// IRet emits the 64-bit interrupt return (iretq).
func IRet() asm.Fragment { return emitFixed(0x48, 0xCF) }

// Int3 emits the one byte breakpoint instruction.
func Int3() asm.Fragment { return emitFixed(0xCC) }

// Ud2 emits the architecturally undefined instruction.
func Ud2() asm.Fragment { return emitFixed(0x0F, 0x0B) }

func OutDXEAX() asm.Fragment { return emitFixed(0xEF) }

// MovFromCR2 copies the page fault linear address into dst.
func MovFromCR2(dst Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		if err := dst.checkWidth(size64); err != nil {
			return fmt.Errorf("mov from cr2: %w", err)
		}
		info, err := regEncoding(dst)
		if err != nil {
			return err
		}
		var out []byte
		if info.high {
			out = append(out, rexPrefix(false, false, false, true))
		}
		ctx.EmitBytes(append(out, 0x0F, 0x20, 0xC0|2<<3|info.code))
		return nil
	})
}

func PushReg(reg Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodePushPop(reg, 0x50)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func PopReg(reg Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodePushPop(reg, 0x58)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

// Lgdt loads the GDT register from the 10 byte pseudo descriptor at mem.
func Lgdt(mem Memory) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeGroup7(mem, 2)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

// Lidt loads the IDT register from the 10 byte pseudo descriptor at mem.
func Lidt(mem Memory) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeGroup7(mem, 3)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

// DivReg emits an unsigned divide of rDX:rAX by reg.
func DivReg(reg Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeUnaryGroup3(reg, 6)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func Lea(dst Reg, mem Memory) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeLea(dst, mem)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovStoreImm32(mem Memory, value uint32) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovMemImm32(mem, value)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func encodePushPop(reg Reg, base byte) ([]byte, error) {
	if err := reg.checkWidth(size64); err != nil {
		return nil, fmt.Errorf("push/pop: %w", err)
	}
	info, err := regEncoding(reg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2)
	if info.high {
		out = append(out, rexPrefix(false, false, false, true))
	}
	return append(out, base+info.code), nil
}

func encodeGroup7(mem Memory, subcode byte) ([]byte, error) {
	memEnc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 9)
	if rexByte := memEnc.rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	out = append(out, 0x0F, 0x01, memEnc.modrm|(subcode<<3))
	out = append(out, memEnc.sib...)
	out = append(out, memEnc.disp...)
	return out, nil
}

func encodeUnaryGroup3(reg Reg, subcode byte) ([]byte, error) {
	info, err := regEncoding(reg)
	if err != nil {
		return nil, err
	}

	prefix, hasPrefix := operandPrefix(reg.size)
	rex := rexState{
		w:     reg.size == size64,
		b:     info.high,
		force: info.needsRex && reg.size == size8,
	}

	out := make([]byte, 0, 4)
	if hasPrefix {
		out = append(out, prefix)
	}
	if rexByte := rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	out = append(out, chooseOpcode(reg.size, 0xF7, 0xF6), byte(0xC0|(subcode<<3)|info.code))
	return out, nil
}

func encodeLea(dst Reg, mem Memory) ([]byte, error) {
	if err := dst.checkWidth(size64); err != nil {
		return nil, fmt.Errorf("lea: %w", err)
	}
	dstInfo, err := regEncoding(dst)
	if err != nil {
		return nil, err
	}
	memEnc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}

	rex := memEnc.rex
	rex.w = true
	rex.r = dstInfo.high

	out := make([]byte, 0, 8)
	out = append(out, rex.prefix(), 0x8D, memEnc.modrm|(dstInfo.code<<3))
	out = append(out, memEnc.sib...)
	out = append(out, memEnc.disp...)
	return out, nil
}

func encodeMovMemImm32(mem Memory, value uint32) ([]byte, error) {
	memEnc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 12)
	if rexByte := memEnc.rex.prefix(); rexByte != 0 {
		out = append(out, rexByte)
	}
	out = append(out, 0xC7, memEnc.modrm)
	out = append(out, memEnc.sib...)
	out = append(out, memEnc.disp...)
	var imm [4]byte
	binary.LittleEndian.PutUint32(imm[:], value)
	return append(out, imm[:]...), nil
}
