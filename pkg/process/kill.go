package process

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
)

// Kill forcefully terminates the process with the given pid. The signal goes
// to that process alone, not to its children. A process that is already gone
// is not an error.
func Kill(pid int, logger logging.Logger) error {
	if pid <= 0 {
		return errors.NewValidationError(fmt.Sprintf("invalid PID: %d", pid), nil)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return errors.NewInternalError(fmt.Sprintf("failed to find process, PID: %d", pid), err)
	}

	logger.Debugf("Killing process, PID: %d", pid)

	if err := process.Kill(); err != nil {
		if stderrors.Is(err, os.ErrProcessDone) {
			logger.Debugf("Process already exited, PID: %d", pid)
			return nil
		}
		return errors.NewIOError(fmt.Sprintf("failed to kill process, PID: %d", pid), err)
	}

	return nil
}
