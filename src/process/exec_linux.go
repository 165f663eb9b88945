//go:build linux
// +build linux

package process

import (
	"os/exec"
	"syscall"
)

// ExecCommand builds (but does not start) a command to run in its own
// process group, with Pdeathsig set so it doesn't outlive us if we die
// uncleanly.
func (e *Executor) ExecCommand(command string, args ...string) *exec.Cmd {
	cmd := exec.Command(command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGHUP,
		Setpgid:   true,
	}
	return cmd
}
