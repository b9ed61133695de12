//go:build windows

package sandbox

import (
	"os/exec"
)

// setupProcessGroup is a no-op on Windows; job objects would be the proper
// equivalent but the render toolchain only targets Unix hosts today.
func setupProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the direct child only.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
