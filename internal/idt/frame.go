package idt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FrameSize is the size of the frame the CPU pushes on exception entry in
// long mode, not counting any error code.
const FrameSize = 40

// ExceptionStackFrame is the interrupted context as pushed by the CPU.
type ExceptionStackFrame struct {
	InstructionPointer uint64
	CodeSegment        uint64
	CPUFlags           uint64
	StackPointer       uint64
	StackSegment       uint64
}

// DecodeExceptionStackFrame reads a frame from the first FrameSize bytes of
// data, lowest address first.
func DecodeExceptionStackFrame(data []byte) (ExceptionStackFrame, error) {
	if len(data) < FrameSize {
		return ExceptionStackFrame{}, fmt.Errorf("%w: got %d bytes", ErrShortFrame, len(data))
	}
	return ExceptionStackFrame{
		InstructionPointer: binary.LittleEndian.Uint64(data[0:]),
		CodeSegment:        binary.LittleEndian.Uint64(data[8:]),
		CPUFlags:           binary.LittleEndian.Uint64(data[16:]),
		StackPointer:       binary.LittleEndian.Uint64(data[24:]),
		StackSegment:       binary.LittleEndian.Uint64(data[32:]),
	}, nil
}

func (f ExceptionStackFrame) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint64(buf[0:], f.InstructionPointer)
	binary.LittleEndian.PutUint64(buf[8:], f.CodeSegment)
	binary.LittleEndian.PutUint64(buf[16:], f.CPUFlags)
	binary.LittleEndian.PutUint64(buf[24:], f.StackPointer)
	binary.LittleEndian.PutUint64(buf[32:], f.StackSegment)
	return buf, nil
}

func (f ExceptionStackFrame) String() string {
	var b strings.Builder
	b.WriteString("ExceptionStackFrame {\n")
	fmt.Fprintf(&b, "    instruction_pointer: %#x,\n", f.InstructionPointer)
	fmt.Fprintf(&b, "    code_segment: %#x,\n", f.CodeSegment)
	fmt.Fprintf(&b, "    cpu_flags: %#x,\n", f.CPUFlags)
	fmt.Fprintf(&b, "    stack_pointer: %#x,\n", f.StackPointer)
	fmt.Fprintf(&b, "    stack_segment: %#x,\n", f.StackSegment)
	b.WriteString("}")
	return b.String()
}
