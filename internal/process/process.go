// Package process holds the OS-level pieces of supervising a detached
// server: the PID file, signalling, liveness probes and inspection.
package process

import (
	"context"
	"errors"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ErrProcessNotFound is returned when a signal target does not exist.
var ErrProcessNotFound = errors.New("process not found")

// pollInterval is how often WaitExit re-probes the process.
const pollInterval = 50 * time.Millisecond

// WaitExit polls until pid is gone, ctx is done or timeout elapses.
// It reports whether the process exited.
func WaitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	if !Alive(pid) {
		return true
	}
	if timeout <= 0 {
		return false
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-deadline.C:
			return !Alive(pid)
		case <-tick.C:
			if !Alive(pid) {
				return true
			}
		}
	}
}

// Info describes a live process.
type Info struct {
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	Name      string    `json:"name,omitempty"`
	Cmdline   string    `json:"cmdline,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Inspect gathers what it can about pid. Missing details are left empty.
func Inspect(ctx context.Context, pid int) Info {
	info := Info{PID: pid, Running: Alive(pid)}
	if !info.Running {
		return info
	}
	info.StartedAt = StartTime(pid)
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return info
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		info.Cmdline = cmdline
	}
	return info
}
