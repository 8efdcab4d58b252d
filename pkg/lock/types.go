// Package lock provides an exclusive, named advisory lock backed by a
// filesystem marker, shared between independent short-lived processes.
//
// A marker is a file whose content identifies its holder. Markers left behind
// by processes that no longer exist are reclaimed, so a caller killed before
// releasing cannot block later callers.
//
// Example usage:
//
//	locks := lock.New(lock.Config{}, logger.Default())
//	h, err := locks.Acquire(ctx, "/var/run/app/current.json.lock", 5*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer locks.Release(h)
package lock

import (
	"time"
)

// Handle identifies one successful acquisition.
type Handle struct {
	// Name is the marker path.
	Name string

	// PID is the process id written into the marker.
	PID int

	// Token distinguishes this acquisition from others in the same process.
	Token string

	// AcquiredAt is when the marker was created.
	AcquiredAt time.Time
}

// Owner is the content of a lock marker.
type Owner struct {
	PID        int       `json:"pid"`
	Token      string    `json:"token,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
}

// ProcessProbe reports whether a process is still running.
//
// An error means liveness could not be determined; the lock manager then
// assumes the owner is alive and keeps waiting.
type ProcessProbe interface {
	Alive(pid int) (bool, error)
}

// ProbeFunc adapts a function to ProcessProbe.
type ProbeFunc func(pid int) (bool, error)

// Alive implements ProcessProbe.
func (f ProbeFunc) Alive(pid int) (bool, error) {
	return f(pid)
}

// Config contains lock manager configuration.
type Config struct {
	// PollInterval is the wait between attempts while a live owner holds the
	// marker. Default: 100ms.
	PollInterval time.Duration

	// Probe checks owner liveness. Default: SystemProbe().
	Probe ProcessProbe

	// PID is written into markers. Default: os.Getpid().
	PID int
}
