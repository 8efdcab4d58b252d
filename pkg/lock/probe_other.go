//go:build !unix

package lock

import (
	"fmt"
	"os"
)

type systemProbe struct{}

// SystemProbe returns a probe backed by os.FindProcess, which fails for
// processes that no longer exist on this platform.
func SystemProbe() ProcessProbe {
	return systemProbe{}
}

// Alive implements ProcessProbe.
func (systemProbe) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return false, nil
	}
	_ = p.Release()
	return true, nil
}
