// Package idt models the x86-64 interrupt descriptor table: gate descriptors,
// their option bits, the table itself and the data the CPU hands to an
// exception handler.
package idt

import (
	"errors"
	"fmt"
)

var (
	ErrVectorOutOfRange = errors.New("vector out of table range")
	ErrTableLoaded      = errors.New("descriptor table already loaded")
	ErrShortFrame       = errors.New("exception stack frame truncated")
)

// Vector identifies an exception or interrupt source.
type Vector uint8

const (
	VectorDivideError   Vector = 0
	VectorBreakpoint    Vector = 3
	VectorInvalidOpcode Vector = 6
	VectorPageFault     Vector = 14
)

// TableSize is the number of gates in a Table. Hardware tables may hold 256.
const TableSize = 16

var vectorMnemonics = map[Vector]string{
	0:  "#DE",
	1:  "#DB",
	2:  "NMI",
	3:  "#BP",
	4:  "#OF",
	5:  "#BR",
	6:  "#UD",
	7:  "#NM",
	8:  "#DF",
	10: "#TS",
	11: "#NP",
	12: "#SS",
	13: "#GP",
	14: "#PF",
	16: "#MF",
	17: "#AC",
	18: "#MC",
	19: "#XM",
	20: "#VE",
	21: "#CP",
	29: "#VC",
	30: "#SX",
}

func (v Vector) String() string {
	if m, ok := vectorMnemonics[v]; ok {
		return m
	}
	return fmt.Sprintf("vector %d", uint8(v))
}

// PushesErrorCode reports whether the CPU pushes an error code below the
// interrupt frame when it delivers v.
func (v Vector) PushesErrorCode() bool {
	switch v {
	case 8, 10, 11, 12, 13, 14, 17, 21, 29, 30:
		return true
	}
	return false
}

// VectorError reports a vector outside the table.
type VectorError struct {
	Vector Vector
	Size   int
}

func (e *VectorError) Error() string {
	return fmt.Sprintf("vector %d out of range for %d entry table", e.Vector, e.Size)
}

func (e *VectorError) Unwrap() error { return ErrVectorOutOfRange }

func checkVector(v Vector) error {
	if int(v) >= TableSize {
		return &VectorError{Vector: v, Size: TableSize}
	}
	return nil
}
