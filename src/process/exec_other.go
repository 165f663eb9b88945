//go:build !linux
// +build !linux

package process

import (
	"os/exec"
	"syscall"
)

// ExecCommand builds (but does not start) a command to run in its own
// process group. Pdeathsig isn't available outside Linux.
func (e *Executor) ExecCommand(command string, args ...string) *exec.Cmd {
	cmd := exec.Command(command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}
