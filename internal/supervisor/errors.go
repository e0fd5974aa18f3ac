package supervisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownTrack is matched by a *ValidationError for a name not in the catalog.
	ErrUnknownTrack = errors.New("unknown track")
	// ErrLockTimeout means another invocation held the server slot for the whole lock_timeout.
	ErrLockTimeout = errors.New("timed out waiting for supervisor lock")
)

// ValidationError rejects a start before any side effect.
type ValidationError struct {
	Track string
	Valid []string
}

func (e *ValidationError) Error() string {
	valid := "none"
	if len(e.Valid) > 0 {
		valid = strings.Join(e.Valid, ", ")
	}
	return fmt.Sprintf("unknown track %q (available: %s)", e.Track, valid)
}

func (e *ValidationError) Unwrap() error { return ErrUnknownTrack }

// ProcessError reports a failed spawn or signal.
type ProcessError struct {
	Op      string
	Command string
	PID     int
	Err     error
}

func (e *ProcessError) Error() string {
	switch {
	case e.Command != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Command, e.Err)
	case e.PID > 0:
		return fmt.Sprintf("%s pid %d: %v", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// RecordError reports a PID record that could not be read, written or removed.
// PID is set when a live process may be left without a record.
type RecordError struct {
	Op   string
	Path string
	PID  int
	Err  error
}

func (e *RecordError) Error() string {
	msg := fmt.Sprintf("%s pid record %s: %v", e.Op, e.Path, e.Err)
	if e.PID > 0 {
		msg += fmt.Sprintf("; verify PID %d manually", e.PID)
	}
	return msg
}

func (e *RecordError) Unwrap() error { return e.Err }
