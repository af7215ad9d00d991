//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the worker in its own process group so a terminal
// interrupt reaches only the supervisor, which then stops the worker itself.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess asks the worker to shut down gracefully.
func terminateProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

// killProcessGroup force-kills the worker and anything it started.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
