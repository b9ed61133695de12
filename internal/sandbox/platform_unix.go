//go:build !windows

package sandbox

import (
	"os/exec"
	"strings"
	"syscall"
)

// setupProcessGroup puts the child in its own process group so that a
// timeout kill reaches everything the render spawned.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup kills the child and all of its descendants.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err == nil && pgid > 0 {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
			syscall.Kill(-pgid, syscall.SIGTERM)
		}
	}

	// Direct kill as a fallback; the process may already be gone.
	if err := cmd.Process.Kill(); err != nil {
		if !strings.Contains(err.Error(), "process already finished") {
			return err
		}
	}
	return nil
}
