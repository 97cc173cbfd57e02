package idt

// Options is the 16-bit flags word of a gate descriptor.
//
//	bit 15     present
//	bits 13-14 descriptor privilege level
//	bits 9-11  always 111 (64-bit gate type)
//	bit 8      1 = trap gate (interrupts stay enabled), 0 = interrupt gate
//	bits 0-2   interrupt stack table index
type Options uint16

const (
	optionsFixed        Options = 0x0E00
	optionPresent       Options = 1 << 15
	optionTrapGate      Options = 1 << 8
	optionPrivilegeMask Options = 0x3 << 13
	optionStackMask     Options = 0x7
)

// MinimalOptions returns a not-present interrupt gate.
func MinimalOptions() Options { return optionsFixed }

// DefaultOptions returns a present interrupt gate at ring 0 without an IST
// stack, the configuration Table.SetHandler installs.
func DefaultOptions() Options { return optionsFixed | optionPresent }

func (o *Options) set(mask Options, value Options) *Options {
	*o = (*o &^ mask) | (value & mask) | optionsFixed
	return o
}

func (o *Options) SetPresent(present bool) *Options {
	if present {
		return o.set(optionPresent, optionPresent)
	}
	return o.set(optionPresent, 0)
}

// DisableInterrupts selects between an interrupt gate (true, IF cleared on
// entry) and a trap gate (false).
func (o *Options) DisableInterrupts(disable bool) *Options {
	if disable {
		return o.set(optionTrapGate, 0)
	}
	return o.set(optionTrapGate, optionTrapGate)
}

// SetPrivilegeLevel stores dpl masked to two bits.
func (o *Options) SetPrivilegeLevel(dpl uint8) *Options {
	return o.set(optionPrivilegeMask, Options(dpl&0x3)<<13)
}

// SetStackIndex stores the IST slot masked to three bits.
func (o *Options) SetStackIndex(index uint8) *Options {
	return o.set(optionStackMask, Options(index&0x7))
}

func (o Options) Present() bool            { return o&optionPresent != 0 }
func (o Options) InterruptsDisabled() bool { return o&optionTrapGate == 0 }
func (o Options) PrivilegeLevel() uint8    { return uint8((o & optionPrivilegeMask) >> 13) }
func (o Options) StackIndex() uint8        { return uint8(o & optionStackMask) }
