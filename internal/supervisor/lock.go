package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockRetry is the polling interval while another invocation holds the slot.
const lockRetry = 100 * time.Millisecond

// DefaultLockTimeout bounds how long Start or Stop waits for the slot.
const DefaultLockTimeout = 60 * time.Second

// lockSlot takes the exclusive slot lock. Every call opens the lock file
// afresh, so two callers in the same process exclude each other as well.
// Caller must call the returned release func.
func (s *Supervisor) lockSlot(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockFile), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	timeout := s.opts.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fl := flock.New(s.lockFile)
	locked, err := fl.TryLockContext(lctx, lockRetry)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w (%s held by another process)", ErrLockTimeout, s.lockFile)
		}
		return nil, fmt.Errorf("acquiring supervisor lock: %w", err)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.log.Warn("release supervisor lock", "path", s.lockFile, "error", err)
		}
	}, nil
}
