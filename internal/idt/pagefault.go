package idt

import (
	"fmt"
	"strings"
)

// PageFaultErrorCode is the error code pushed with #PF.
type PageFaultErrorCode uint64

const (
	PageFaultProtectionViolation PageFaultErrorCode = 1 << iota
	PageFaultCausedByWrite
	PageFaultUserMode
	PageFaultMalformedTable
	PageFaultInstructionFetch

	pageFaultKnown = PageFaultProtectionViolation | PageFaultCausedByWrite |
		PageFaultUserMode | PageFaultMalformedTable | PageFaultInstructionFetch
)

// PageFaultFlags is the decoded form of a PageFaultErrorCode.
type PageFaultFlags struct {
	ProtectionViolation bool
	CausedByWrite       bool
	UserMode            bool
	MalformedTable      bool
	InstructionFetch    bool
}

// ProtectionViolation is false when the fault was caused by a non-present page.
func (c PageFaultErrorCode) ProtectionViolation() bool { return c&PageFaultProtectionViolation != 0 }
func (c PageFaultErrorCode) CausedByWrite() bool       { return c&PageFaultCausedByWrite != 0 }
func (c PageFaultErrorCode) UserMode() bool            { return c&PageFaultUserMode != 0 }
func (c PageFaultErrorCode) MalformedTable() bool      { return c&PageFaultMalformedTable != 0 }
func (c PageFaultErrorCode) InstructionFetch() bool    { return c&PageFaultInstructionFetch != 0 }

func (c PageFaultErrorCode) Flags() PageFaultFlags {
	return PageFaultFlags{
		ProtectionViolation: c.ProtectionViolation(),
		CausedByWrite:       c.CausedByWrite(),
		UserMode:            c.UserMode(),
		MalformedTable:      c.MalformedTable(),
		InstructionFetch:    c.InstructionFetch(),
	}
}

var pageFaultNames = []struct {
	bit  PageFaultErrorCode
	name string
}{
	{PageFaultProtectionViolation, "PROTECTION_VIOLATION"},
	{PageFaultCausedByWrite, "CAUSED_BY_WRITE"},
	{PageFaultUserMode, "USER_MODE"},
	{PageFaultMalformedTable, "MALFORMED_TABLE"},
	{PageFaultInstructionFetch, "INSTRUCTION_FETCH"},
}

func (c PageFaultErrorCode) String() string {
	var parts []string
	for _, n := range pageFaultNames {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := c &^ pageFaultKnown; rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint64(rest)))
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, " | ")
}
