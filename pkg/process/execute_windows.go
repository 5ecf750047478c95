//go:build windows

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// setupProcessAttributes configures Windows-specific process attributes
func setupProcessAttributes(cmd *exec.Cmd, reparent bool) {
	if !reparent {
		return
	}

	// A reparented child runs detached from our console in its own process
	// group, so it keeps running after this process exits
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS,
	}
}
