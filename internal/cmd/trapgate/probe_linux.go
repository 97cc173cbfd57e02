//go:build linux

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const kvmDevice = "/dev/kvm"

// probeKVM reports a permission problem on /dev/kvm before any VM is created,
// so the message names the device rather than an ioctl.
func probeKVM() error {
	if err := unix.Access(kvmDevice, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("%s is not accessible: %w", kvmDevice, err)
	}
	return nil
}
