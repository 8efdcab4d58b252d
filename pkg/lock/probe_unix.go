//go:build unix

package lock

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type systemProbe struct{}

// SystemProbe returns a probe that sends signal 0 to the process.
//
// ESRCH means the process is gone. EPERM means it exists but belongs to
// another user, so it counts as alive.
func SystemProbe() ProcessProbe {
	return systemProbe{}
}

// Alive implements ProcessProbe.
func (systemProbe) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}

	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, unix.ESRCH):
		return false, nil
	case errors.Is(err, unix.EPERM):
		return true, nil
	default:
		return true, fmt.Errorf("probe pid %d: %w", pid, err)
	}
}
