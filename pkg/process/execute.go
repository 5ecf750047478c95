package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath   string   `yaml:"executable_path"`
	Args             []string `yaml:"args,omitempty"`
	Environment      []string `yaml:"environment,omitempty"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`

	// LogFilePath receives the child's combined stdout and stderr,
	// discarded when empty.
	LogFilePath string `yaml:"log_file_path,omitempty"`

	// Reparent detaches the child into its own session so it outlives this
	// process.
	Reparent bool `yaml:"reparent,omitempty"`
}

// Start launches the configured process and returns its pid.
// Reparented children get their own session and keep running after this
// process exits. Children of either kind are reaped in the background if
// they exit first, so a dead pid never lingers as a zombie.
func Start(ctx context.Context, config ExecutionConfig, logger logging.Logger) (int, error) {
	// Validate context
	if ctx == nil {
		return 0, errors.NewValidationError("context cannot be nil", nil)
	}
	if err := ctx.Err(); err != nil {
		return 0, errors.NewCancelledError("process start aborted", err)
	}

	// Validate execution configuration
	if err := ValidateExecutionConfig(config); err != nil {
		return 0, err
	}

	// Check if the process is executable, and make it executable if it's not
	if err := ensureExecutable(config.ExecutablePath); err != nil {
		return 0, err
	}

	workDir := config.WorkingDirectory
	if workDir == "" {
		absPath, err := filepath.Abs(config.ExecutablePath)
		if err != nil {
			return 0, errors.NewIOError("failed to get absolute path", err).WithContext("executable_path", config.ExecutablePath)
		}
		workDir = filepath.Dir(absPath)
	}

	env := os.Environ()
	for _, e := range config.Environment {
		env = append(env, e)
	}

	logger.Debugf("Starting process, executable path: '%s', args: %v, working directory: '%s', reparent: %t",
		config.ExecutablePath, config.Args, workDir, config.Reparent)

	// The child must outlive the per-call context, so the context gates setup
	// only and is deliberately not attached to the command.
	cmd := exec.Command(config.ExecutablePath, config.Args...)
	cmd.Dir = workDir
	cmd.Env = env

	// Platform-specific setup is handled in execute_unix.go or execute_windows.go
	setupProcessAttributes(cmd, config.Reparent)

	output, err := openProcessOutput(config.LogFilePath)
	if err != nil {
		return 0, err
	}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		output.Close()
		return 0, errors.NewIOError("failed to start the process", err).WithContext("executable_path", config.ExecutablePath)
	}

	// The child holds its own descriptor for the output file now.
	output.Close()

	pid := cmd.Process.Pid
	logger.Infof("Successfully started process, executable path: '%s', PID: %d", config.ExecutablePath, pid)

	// Reap the child if it exits while we are still around, so liveness
	// probes on the pid see it go away.
	go func() {
		waitErr := cmd.Wait()
		logger.Debugf("Process exited, PID: %d, err: %v", pid, waitErr)
	}()

	return pid, nil
}

func openProcessOutput(logFilePath string) (*os.File, error) {
	if logFilePath == "" {
		devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, errors.NewIOError("failed to open "+os.DevNull, err)
		}
		return devNull, nil
	}
	logFile, err := os.OpenFile(logFilePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.NewIOError("failed to open process log file", err).WithContext("log_file_path", logFilePath)
	}
	return logFile, nil
}

// ensureExecutable checks if a file is executable and makes it executable if it's not
func ensureExecutable(path string) error {
	// Check if file exists
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	// On Windows, files with .exe, .bat, .cmd extensions are inherently executable
	if runtime.GOOS == "windows" {
		ext := filepath.Ext(path)
		if ext == ".exe" || ext == ".bat" || ext == ".cmd" {
			return nil // Already executable
		}
	}

	// Check if file is already executable
	mode := info.Mode()
	if mode&0111 != 0 { // Check if any execute bit is set
		return nil // Already executable
	}

	// Try to make it executable (only on Unix systems)
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, mode|0111); err != nil {
			return errors.NewIOError("failed to make file executable", err).WithContext("path", path)
		}
	}

	return nil
}
