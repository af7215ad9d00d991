//go:build windows

package worker

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
// On Windows, CREATE_NEW_PROCESS_GROUP is the equivalent of Unix Setpgid.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminateProcess has no graceful equivalent on Windows; the tree is killed.
func terminateProcess(pid int) error {
	return killProcessGroup(pid)
}

// killProcessGroup terminates a process and its children on Windows.
func killProcessGroup(pid int) error {
	cmd := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("taskkill failed for pid %d: %w", pid, err)
	}
	return nil
}
