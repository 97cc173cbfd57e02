//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmGetVcpuMmapSize     = 0xae04
	kvmGetSupportedCpuid   = 0xc008ae05
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTssAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmSetCpuid2           = 0x4008ae90
)

type kvmExitReason uint32

// Exit reasons the run loop handles. Others are reported by number.
const (
	kvmExitIo            kvmExitReason = 2
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitShutdown      kvmExitReason = 8
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
)

var exitReasonNames = map[kvmExitReason]string{
	kvmExitIo:            "KVM_EXIT_IO",
	kvmExitHlt:           "KVM_EXIT_HLT",
	kvmExitMmio:          "KVM_EXIT_MMIO",
	kvmExitShutdown:      "KVM_EXIT_SHUTDOWN",
	kvmExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	kvmExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
}

func (kr kvmExitReason) String() string {
	if name, ok := exitReasonNames[kr]; ok {
		return name
	}
	return fmt.Sprintf("KVM_EXIT(%d)", uint32(kr))
}

const kvmSystemEventShutdown = 1
