//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// Detach starts cmd in a new session (setsid) so the child outlives the
// supervisor, has no controlling terminal, and leads its own process group.
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
