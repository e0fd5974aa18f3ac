//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// Terminate asks pid to exit with SIGTERM. When pid leads its own process
// group (children spawned with Setsid do) the whole group is signalled.
func Terminate(pid int) error { return signalProcess(pid, syscall.SIGTERM) }

// Kill sends SIGKILL to pid, or to its group when it is a group leader.
func Kill(pid int) error { return signalProcess(pid, syscall.SIGKILL) }

func signalProcess(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrProcessNotFound
	}
	target := pid
	pgid, err := syscall.Getpgid(pid)
	switch {
	case errors.Is(err, syscall.ESRCH):
		return ErrProcessNotFound
	case err == nil && pgid == pid:
		target = -pid
	}
	err = syscall.Kill(target, sig)
	if errors.Is(err, syscall.ESRCH) {
		return ErrProcessNotFound
	}
	return err
}

// Alive reports whether a process with pid exists. EPERM counts as alive;
// on Linux a zombie counts as gone.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
