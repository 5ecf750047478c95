//go:build windows

package processstate

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// Windows reports this exit code for processes that have not exited yet.
const stillActive = 259

// IsProcessRunning reports whether a process with the given pid exists.
func IsProcessRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, fmt.Errorf("invalid PID: %d", pid)
	}

	// Open process handle with minimal rights needed for status check
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		if err == windows.ERROR_INVALID_PARAMETER {
			// No such process
			return false, nil
		}
		if err == windows.ERROR_ACCESS_DENIED {
			// The process exists but belongs to someone else
			return true, nil
		}
		return false, err
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false, err
	}

	return exitCode == stillActive, nil
}
