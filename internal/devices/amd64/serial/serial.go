// Package serial implements a polled 16550 UART on the legacy COM1 ports.
// The interrupt line is not wired: IER and IIR are kept so guest drivers that
// probe them see a consistent device, but nothing is ever raised.
package serial

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/trapgate/internal/hv"
)

// COM1 is the base port of the first legacy UART.
const COM1 uint16 = 0x3F8

const (
	serialRegisterCount = 8

	serialLCRDLAB = 1 << 7

	serialLSRDataReady = 1 << 0
	serialLSROverrun   = 1 << 1
	serialLSRTHRE      = 1 << 5
	serialLSRTEMT      = 1 << 6

	// MCR bits
	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	// MSR status bits
	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	// FCR trigger levels (bits 6-7)
	fcrTrigger1  = 0x00
	fcrTrigger4  = 0x40
	fcrTrigger8  = 0x80
	fcrTrigger14 = 0xC0

	fifoSize = 16

	iirNone    = 0x01
	iirTHRE    = 0x02
	iirRXData  = 0x04
	iirLineErr = 0x06
	iirFIFOs   = 0xC0
)

// Stats counts bytes moved through the UART.
type Stats struct {
	TXBytes uint64
	RXBytes uint64
}

type Serial16550 struct {
	mu sync.Mutex

	base uint16
	out  io.Writer
	in   io.Reader

	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	lsr byte
	msr byte
	scr byte

	rx          [fifoSize]byte
	rxHead      int
	rxCount     int
	fifoEnabled bool
	fifoTrigger int
	skipLF      bool

	stats Stats
}

// NewSerial16550 creates a UART at base. Transmitted bytes go to out; in, if
// non-nil, is read one byte at a time when the guest polls for input.
func NewSerial16550(base uint16, out io.Writer, in io.Reader) *Serial16550 {
	s := &Serial16550{base: base, out: out, in: in}
	s.resetLocked()
	return s
}

// Init implements hv.Device.
func (s *Serial16550) Init(vm hv.VirtualMachine) error {
	if vm.Hypervisor().Architecture() != hv.ArchitectureX86_64 {
		return fmt.Errorf("serial16550: port I/O requires an x86_64 guest")
	}
	return nil
}

// Reset returns every register to its power-on value.
func (s *Serial16550) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Serial16550) resetLocked() {
	s.dll, s.dlm = 0, 0
	s.ier, s.fcr, s.lcr, s.mcr, s.scr = 0, 0, 0, 0, 0
	s.lsr = serialLSRTHRE | serialLSRTEMT
	s.msr = msrCTS | msrDSR | msrDCD
	s.rxHead, s.rxCount = 0, 0
	s.fifoEnabled = false
	s.fifoTrigger = 1
	s.skipLF = false
}

// IOPorts implements hv.X86IOPortDevice.
func (s *Serial16550) IOPorts() []uint16 {
	ports := make([]uint16, serialRegisterCount)
	for i := range uint16(serialRegisterCount) {
		ports[i] = s.base + i
	}
	return ports
}

// ReadIOPort implements hv.X86IOPortDevice.
func (s *Serial16550) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range data {
		data[i] = s.readRegisterLocked(port)
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (s *Serial16550) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, value := range data {
		if err := s.writeRegisterLocked(port, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Serial16550) writeRegisterLocked(port uint16, value byte) error {
	if port < s.base || port >= s.base+serialRegisterCount {
		return nil
	}

	switch port - s.base {
	case 0:
		if s.lcr&serialLCRDLAB != 0 {
			s.dll = value
			return nil
		}
		return s.transmitLocked(value)
	case 1:
		if s.lcr&serialLCRDLAB != 0 {
			s.dlm = value
		} else {
			s.ier = value & 0x0F
		}
	case 2:
		s.setFCRLocked(value)
	case 3:
		s.lcr = value
	case 4:
		s.setMCRLocked(value)
	case 7:
		s.scr = value
	}
	// LSR and MSR are read-only
	return nil
}

func (s *Serial16550) readRegisterLocked(port uint16) byte {
	if port < s.base || port >= s.base+serialRegisterCount {
		return 0
	}

	switch port - s.base {
	case 0:
		if s.lcr&serialLCRDLAB != 0 {
			return s.dll
		}
		return s.receiveLocked()
	case 1:
		if s.lcr&serialLCRDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		return s.iirLocked()
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		s.pollInputLocked()
		lsr := s.lsr
		s.lsr &^= serialLSROverrun
		return lsr
	case 6:
		return s.msr
	default:
		return s.scr
	}
}

// iirLocked reports the highest priority pending condition that IER enables,
// as a polled driver would see it.
func (s *Serial16550) iirLocked() byte {
	id := byte(iirNone)
	switch {
	case s.ier&0x04 != 0 && s.lsr&serialLSROverrun != 0:
		id = iirLineErr
	case s.ier&0x01 != 0 && s.rxCount >= s.rxThresholdLocked():
		id = iirRXData
	case s.ier&0x02 != 0 && s.lsr&serialLSRTHRE != 0:
		id = iirTHRE
	}
	if s.fifoEnabled {
		id |= iirFIFOs
	}
	return id
}

// transmitLocked sends one byte. There is no transmit latency, so THR is
// always empty again by the time the guest next reads LSR.
func (s *Serial16550) transmitLocked(value byte) error {
	if s.mcr&mcrLoop != 0 {
		s.pushRXLocked(value)
		return nil
	}
	if s.out == nil {
		return nil
	}

	var out []byte
	switch value {
	case '\r':
		out = []byte{'\n'}
		s.skipLF = true
	case '\n':
		if !s.skipLF {
			out = []byte{'\n'}
		}
		s.skipLF = false
	default:
		s.skipLF = false
		out = []byte{value}
	}
	if len(out) == 0 {
		return nil
	}
	if _, err := s.out.Write(out); err != nil {
		return fmt.Errorf("serial16550: transmit: %w", err)
	}
	s.stats.TXBytes++
	return nil
}

func (s *Serial16550) pollInputLocked() {
	if s.in == nil || s.mcr&mcrLoop != 0 || s.rxCount > 0 {
		return
	}
	var buf [1]byte
	if n, err := s.in.Read(buf[:]); n == 1 && err == nil {
		s.pushRXLocked(buf[0])
	}
}

func (s *Serial16550) rxThresholdLocked() int {
	if s.fifoEnabled {
		return s.fifoTrigger
	}
	return 1
}

func (s *Serial16550) capacityLocked() int {
	if s.fifoEnabled {
		return fifoSize
	}
	return 1
}

func (s *Serial16550) pushRXLocked(value byte) {
	if s.rxCount >= s.capacityLocked() {
		s.lsr |= serialLSROverrun
		return
	}
	s.rx[(s.rxHead+s.rxCount)%fifoSize] = value
	s.rxCount++
	s.stats.RXBytes++
	s.lsr |= serialLSRDataReady
}

func (s *Serial16550) receiveLocked() byte {
	s.pollInputLocked()
	if s.rxCount == 0 {
		return 0
	}
	value := s.rx[s.rxHead]
	s.rxHead = (s.rxHead + 1) % fifoSize
	s.rxCount--
	if s.rxCount == 0 {
		s.lsr &^= serialLSRDataReady
	}
	return value
}

func (s *Serial16550) clearRXLocked() {
	s.rxHead, s.rxCount = 0, 0
	s.lsr &^= serialLSRDataReady
}

func (s *Serial16550) setFCRLocked(value byte) {
	enabled := value&0x01 != 0
	if value&0x02 != 0 || enabled != s.fifoEnabled {
		s.clearRXLocked()
	}

	s.fcr = value
	s.fifoEnabled = enabled

	switch value & 0xC0 {
	case fcrTrigger1:
		s.fifoTrigger = 1
	case fcrTrigger4:
		s.fifoTrigger = 4
	case fcrTrigger8:
		s.fifoTrigger = 8
	case fcrTrigger14:
		s.fifoTrigger = 14
	}
}

func (s *Serial16550) setMCRLocked(value byte) {
	prev := s.mcr
	s.mcr = value & 0x1F

	if prev&mcrLoop != 0 && s.mcr&mcrLoop == 0 {
		s.clearRXLocked()
	}

	if s.mcr&mcrLoop == 0 {
		s.msr = msrCTS | msrDSR | msrDCD
		return
	}

	// loopback: status lines mirror the control lines
	s.msr = 0
	if s.mcr&mcrRTS != 0 {
		s.msr |= msrCTS
	}
	if s.mcr&mcrDTR != 0 {
		s.msr |= msrDSR
	}
	if s.mcr&mcrOUT1 != 0 {
		s.msr |= msrRI
	}
	if s.mcr&mcrOUT2 != 0 {
		s.msr |= msrDCD
	}
}

// Stats returns the byte counters.
func (s *Serial16550) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

var (
	_ hv.X86IOPortDevice = &Serial16550{}
)
