package amd64

import (
	"fmt"

	"github.com/tinyrange/trapgate/internal/asm"
)

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovRegImm(dst, value)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovReg(dst, src Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovRegReg(dst, src)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovRegMem(dst, mem)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovZX8(dst Reg, mem Memory) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeMovZXRegMem(dst, mem, size8)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeAddRegImm(reg, value)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeAndRegImm(reg, value)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encodeXorRegRegSized(dst, src)
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func Hlt() asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(encodeHlt())
		return nil
	})
}

func OutDXAL() asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(encodeOutDXAL())
		return nil
	})
}

func LoadAddress(dst Reg, variable asm.Variable) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx, ok := _ctx.(*Context)
		if !ok {
			return fmt.Errorf("load address requires an amd64 context, got %T", _ctx)
		}
		if dst.size != size64 {
			return fmt.Errorf("load address requires 64-bit register")
		}
		loc, ok := ctx.ConstantLocation(variable)
		if !ok {
			return fmt.Errorf("no constant bound to variable %d", variable)
		}
		pos, err := appendMovDataPointerReg(ctx, dst)
		if err != nil {
			return err
		}
		ctx.addTextPatch(pos, loc)
		return nil
	})
}
