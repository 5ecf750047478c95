package fleet

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tatzyr/idb/pkg/companion"
	"github.com/tatzyr/idb/pkg/control"
	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/registry"

	"gopkg.in/yaml.v3"
)

// registryFileName is the registry file created under the base directory
// when the configuration does not name one.
const registryFileName = "companions.json"

// Config represents the top-level configuration file structure
type Config struct {
	Fleet    FleetConfigOptions    `yaml:"fleet"`
	Registry RegistryConfigOptions `yaml:"registry"`
	Logging  logging.ZapConfig     `yaml:"logging"`
}

// FleetConfigOptions represents fleet-level configuration
type FleetConfigOptions struct {
	// CompanionPath is the companion server executable. Empty disables
	// local enumeration and spawning; registered companions still work.
	CompanionPath string `yaml:"companion_path,omitempty"`

	// DeviceSetPath scopes spawned and enumerating companions to one
	// simulator device set
	DeviceSetPath string `yaml:"device_set_path,omitempty"`

	// BaseDir holds companion sockets, logs and by default the registry
	BaseDir string `yaml:"base_dir,omitempty"`

	// PruneDeadCompanions removes registry entries whose companion does not
	// answer during target listing. Pointer to distinguish unset from false.
	PruneDeadCompanions *bool `yaml:"prune_dead_companions,omitempty"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout,omitempty"`
	DescribeTimeout   time.Duration `yaml:"describe_timeout,omitempty"`
	SpawnReadyTimeout time.Duration `yaml:"spawn_ready_timeout,omitempty"`
}

// RegistryConfigOptions represents companion registry configuration
type RegistryConfigOptions struct {
	Path string `yaml:"path,omitempty"`
}

// LoadConfigFromFile loads, defaults and returns the configuration at
// filename. Unknown keys fail the load so config file typos surface
// immediately instead of silently falling back to defaults.
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && err != io.EOF {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)

	return &config, nil
}

// DefaultConfig returns the configuration used when no config file is given
func DefaultConfig() *Config {
	var config Config
	setConfigDefaults(&config)
	return &config
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateFleetConfig(&config.Fleet); err != nil {
		return errors.NewValidationError("invalid fleet configuration", err)
	}

	if err := validateRegistryConfig(&config.Registry); err != nil {
		return errors.NewValidationError("invalid registry configuration", err)
	}

	if err := validateLoggingConfig(&config.Logging); err != nil {
		return errors.NewValidationError("invalid logging configuration", err)
	}

	return nil
}

// CreateManagerFromConfig assembles the registry, dialer and companion
// collaborators described by the configuration into a fleet manager.
func CreateManagerFromConfig(config *Config, logger logging.Logger) (*Manager, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	if logger == nil {
		return nil, errors.NewValidationError("logger cannot be nil", nil)
	}

	companionSet, err := registry.NewCompanionSet(config.Registry.Path, logger)
	if err != nil {
		return nil, err
	}

	dialer := control.NewGRPCDialer(control.DialerOptions{
		DialTimeout:     config.Fleet.ConnectTimeout,
		DescribeTimeout: config.Fleet.DescribeTimeout,
	}, logger)

	managerConfig := ManagerConfig{
		Registry:            companionSet,
		Dialer:              dialer,
		BaseDir:             config.Fleet.BaseDir,
		PruneDeadCompanions: config.Fleet.PruneDeadCompanions,
		Logger:              logger,
	}

	if config.Fleet.CompanionPath != "" {
		comp := companion.NewCompanion(companion.Config{
			ExecutablePath: config.Fleet.CompanionPath,
			DeviceSetPath:  config.Fleet.DeviceSetPath,
			ReadyTimeout:   config.Fleet.SpawnReadyTimeout,
		}, logger)
		managerConfig.Enumerator = comp
		managerConfig.Launcher = comp
	}

	return NewManager(managerConfig)
}

func setConfigDefaults(config *Config) {
	if config.Fleet.BaseDir == "" {
		config.Fleet.BaseDir = companion.DefaultBaseDirectory()
	}
	if config.Fleet.ConnectTimeout == 0 {
		config.Fleet.ConnectTimeout = control.DefaultDialTimeout
	}
	if config.Fleet.DescribeTimeout == 0 {
		config.Fleet.DescribeTimeout = control.DefaultDescribeTimeout
	}
	if config.Fleet.SpawnReadyTimeout == 0 {
		config.Fleet.SpawnReadyTimeout = companion.DefaultReadyTimeout
	}
	if config.Fleet.PruneDeadCompanions == nil {
		prune := true
		config.Fleet.PruneDeadCompanions = &prune
	}

	if config.Registry.Path == "" {
		config.Registry.Path = filepath.Join(config.Fleet.BaseDir, registryFileName)
	}

	loggingDefaults := logging.DefaultZapConfig()
	if config.Logging.Level == "" {
		config.Logging.Level = loggingDefaults.Level
	}
	if config.Logging.Format == "" {
		config.Logging.Format = loggingDefaults.Format
	}
	if config.Logging.Output == "" {
		config.Logging.Output = loggingDefaults.Output
	}
}

func validateFleetConfig(config *FleetConfigOptions) error {
	if config.ConnectTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("connect_timeout cannot be negative: %s", config.ConnectTimeout),
			nil,
		)
	}
	if config.DescribeTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("describe_timeout cannot be negative: %s", config.DescribeTimeout),
			nil,
		)
	}
	if config.SpawnReadyTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("spawn_ready_timeout cannot be negative: %s", config.SpawnReadyTimeout),
			nil,
		)
	}
	return nil
}

func validateRegistryConfig(config *RegistryConfigOptions) error {
	if config.Path == "" {
		return errors.NewValidationError("registry path cannot be empty", nil)
	}
	return nil
}

func validateLoggingConfig(config *logging.ZapConfig) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if config.Level != "" {
		valid := false
		for _, level := range validLogLevels {
			if config.Level == level {
				valid = true
				break
			}
		}
		if !valid {
			return errors.NewValidationError(
				fmt.Sprintf("invalid log level: %s", config.Level),
				nil,
			).WithContext("valid_levels", "debug, info, warn, error")
		}
	}

	if config.Format != "" && config.Format != "console" && config.Format != "json" {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log format: %s", config.Format),
			nil,
		).WithContext("valid_formats", "console, json")
	}

	if config.Output != "" && config.Output != "stderr" && config.Output != "stdout" {
		return errors.NewValidationError(
			fmt.Sprintf("invalid log output: %s", config.Output),
			nil,
		).WithContext("valid_outputs", "stderr, stdout")
	}

	return nil
}
