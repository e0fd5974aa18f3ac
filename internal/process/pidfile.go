package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPID is returned when a PID file does not hold a usable process id.
var ErrMalformedPID = errors.New("malformed pid record")

// ReadPIDFile reads a PID file written by WritePIDFile.
// The file holds the decimal PID; surrounding whitespace is ignored.
// A missing file yields an error matching fs.ErrNotExist.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(s)
	if err != nil {
		if len(s) > 32 {
			s = s[:32] + "..."
		}
		return 0, fmt.Errorf("%w: %q", ErrMalformedPID, s)
	}
	// 0, 1 and negative values would address process groups or init.
	if pid <= 1 {
		return 0, fmt.Errorf("%w: pid %d out of range", ErrMalformedPID, pid)
	}
	return pid, nil
}

// reuseSlack covers start times truncated to whole seconds.
const reuseSlack = time.Second

// Reused reports whether pid belongs to a process started after the record
// at path was written. The recorded process is then gone and the kernel has
// handed its PID to something else. An unknown start time is not reuse.
func Reused(path string, pid int) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	started := StartTime(pid)
	if started.IsZero() {
		return false
	}
	return started.After(fi.ModTime().Add(reuseSlack))
}

// WritePIDFile replaces the PID file with pid. The write goes through a
// temporary file in the same directory so readers never see a partial value.
func WritePIDFile(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// RemovePIDFile deletes the PID file. A file that is already gone is not an error.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
