// Package debugexit emulates the isa-debug-exit device test kernels use to
// stop the machine with a status code.
package debugexit

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/trapgate/internal/hv"
)

// Port is the conventional iobase of the device.
const Port uint16 = 0xF4

// Codes written by guests that follow the usual test harness convention.
const (
	CodeSuccess uint32 = 0x10
	CodeFailed  uint32 = 0x11
)

// ExitError carries the value the guest wrote.
type ExitError struct {
	Code uint32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s with code 0x%x", hv.ErrGuestRequestedExit, e.Code)
}

func (e *ExitError) Unwrap() error { return hv.ErrGuestRequestedExit }

// Device stops the run loop when the guest writes its port.
type Device struct {
	mu     sync.Mutex
	port   uint16
	code   uint32
	exited bool
}

func New(port uint16) *Device {
	return &Device{port: port}
}

func (d *Device) Init(vm hv.VirtualMachine) error {
	return nil
}

func (d *Device) IOPorts() []uint16 {
	return []uint16{d.port}
}

func (d *Device) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	clear(data)
	return nil
}

// WriteIOPort records the code and returns an *ExitError. Writes narrower
// than 4 bytes are zero extended.
func (d *Device) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("debug exit: empty write")
	}

	var buf [4]byte
	copy(buf[:], data)
	code := binary.LittleEndian.Uint32(buf[:])

	d.mu.Lock()
	d.code = code
	d.exited = true
	d.mu.Unlock()

	return &ExitError{Code: code}
}

// Status reports the last code written and whether the guest wrote one.
func (d *Device) Status() (code uint32, exited bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.code, d.exited
}

// QEMUStatus returns the process exit status QEMU would report for code.
func QEMUStatus(code uint32) int {
	return int(code<<1 | 1)
}

var _ hv.X86IOPortDevice = (*Device)(nil)
