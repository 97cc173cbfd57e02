package idt

import (
	"encoding/binary"
	"fmt"
)

// EntrySize is the size of a long mode gate descriptor in bytes.
const EntrySize = 16

// Entry is one gate descriptor. Field order matches the hardware layout.
type Entry struct {
	OffsetLow  uint16
	Selector   uint16
	Options    Options
	OffsetMid  uint16
	OffsetHigh uint32
	Reserved   uint32
}

// MissingEntry returns a descriptor that raises #NP if the CPU ever uses it.
func MissingEntry() Entry {
	return Entry{Options: MinimalOptions()}
}

// NewEntry returns a present interrupt gate pointing at handler.
func NewEntry(selector uint16, handler uint64) Entry {
	return Entry{
		OffsetLow:  uint16(handler),
		Selector:   selector,
		Options:    DefaultOptions(),
		OffsetMid:  uint16(handler >> 16),
		OffsetHigh: uint32(handler >> 32),
	}
}

// Handler reassembles the 64-bit handler address.
func (e Entry) Handler() uint64 {
	return uint64(e.OffsetHigh)<<32 | uint64(e.OffsetMid)<<16 | uint64(e.OffsetLow)
}

func (e Entry) AppendBinary(b []byte) ([]byte, error) {
	var buf [EntrySize]byte
	binary.LittleEndian.PutUint16(buf[0:], e.OffsetLow)
	binary.LittleEndian.PutUint16(buf[2:], e.Selector)
	binary.LittleEndian.PutUint16(buf[4:], uint16(e.Options))
	binary.LittleEndian.PutUint16(buf[6:], e.OffsetMid)
	binary.LittleEndian.PutUint32(buf[8:], e.OffsetHigh)
	binary.LittleEndian.PutUint32(buf[12:], e.Reserved)
	return append(b, buf[:]...), nil
}

func (e Entry) MarshalBinary() ([]byte, error) {
	return e.AppendBinary(make([]byte, 0, EntrySize))
}

func (e *Entry) UnmarshalBinary(data []byte) error {
	if len(data) < EntrySize {
		return fmt.Errorf("gate descriptor: need %d bytes, got %d", EntrySize, len(data))
	}
	*e = Entry{
		OffsetLow:  binary.LittleEndian.Uint16(data[0:]),
		Selector:   binary.LittleEndian.Uint16(data[2:]),
		Options:    Options(binary.LittleEndian.Uint16(data[4:])),
		OffsetMid:  binary.LittleEndian.Uint16(data[6:]),
		OffsetHigh: binary.LittleEndian.Uint32(data[8:]),
		Reserved:   binary.LittleEndian.Uint32(data[12:]),
	}
	return nil
}
