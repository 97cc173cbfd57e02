//go:build !linux

package kvm

import (
	"fmt"

	"github.com/tinyrange/trapgate/internal/hv"
)

func Open() (hv.Hypervisor, error) {
	return nil, fmt.Errorf("kvm: %w", hv.ErrHypervisorUnsupported)
}
