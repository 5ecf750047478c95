package companion

import (
	"os"
	"path/filepath"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
)

// DefaultBaseDirectoryName is the per-user directory holding companion
// sockets and log files when no base directory is configured.
const DefaultBaseDirectoryName = ".idb"

// PathConfig holds configuration for companion file path generation
// (domain sockets, log files).
type PathConfig struct {
	// Base directory for companion files. If empty, uses ~/.idb
	BaseDirectory string
}

// PathManager provides companion file path generation and management
type PathManager struct {
	config PathConfig
	logger logging.Logger
}

// NewPathManager creates a new path manager with the given configuration
func NewPathManager(config PathConfig, logger logging.Logger) *PathManager {
	return &PathManager{
		config: config,
		logger: logger,
	}
}

// DefaultBaseDirectory resolves the per-user companion directory, falling
// back to the system temp directory when no home is resolvable.
func DefaultBaseDirectory() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "idb")
	}
	return filepath.Join(homeDir, DefaultBaseDirectoryName)
}

// BaseDirectory returns the directory holding companion sockets and logs
func (m *PathManager) BaseDirectory() string {
	// Use explicit configuration if provided
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}
	return DefaultBaseDirectory()
}

// GenerateSocketPath generates the domain socket path a locally spawned
// companion for the given udid binds to. The path is deterministic so that
// repeated spawns for one udid land on the same address.
func (m *PathManager) GenerateSocketPath(udid string) string {
	return filepath.Join(m.BaseDirectory(), udid+"_companion.sock")
}

// GenerateLogFilePath generates the log file path for a companion spawned
// for the given udid
func (m *PathManager) GenerateLogFilePath(udid string) string {
	return filepath.Join(m.BaseDirectory(), udid+"_companion.log")
}

// EnsureBaseDirectory makes sure the base directory exists and is writable,
// creating it if needed
func (m *PathManager) EnsureBaseDirectory() error {
	dir := m.BaseDirectory()
	m.logger.Debugf("Ensuring companion base directory, path: %s", dir)
	return ValidateDirectory(dir)
}

// ValidateDirectory validates that the directory exists and is writable,
// creating it if it does not exist yet
func ValidateDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Try to create the directory
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
			}
		} else {
			return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("path is not a directory", nil).WithContext("path", dir)
	}

	// Check if directory is writable
	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewIOError("directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}
