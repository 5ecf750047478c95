//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes configures Unix-specific process attributes
func setupProcessAttributes(cmd *exec.Cmd, reparent bool) {
	if !reparent {
		return
	}

	// A reparented child gets its own session so that signals aimed at our
	// terminal's process group never reach it
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
