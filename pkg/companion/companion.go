package companion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/tatzyr/idb/pkg/errors"
	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/process"
	"github.com/tatzyr/idb/pkg/targets"

	"github.com/phayes/freeport"
)

const (
	// DefaultReadyTimeout bounds how long a spawned companion server may
	// take to start accepting connections
	DefaultReadyTimeout = 30 * time.Second

	// DefaultListTimeout bounds a single list invocation
	DefaultListTimeout = 30 * time.Second
)

// Config holds configuration for the companion executable wrapper
type Config struct {
	// Path to the companion executable
	ExecutablePath string `yaml:"executable_path"`

	// Device set directory passed through to every invocation, optional
	DeviceSetPath string `yaml:"device_set_path,omitempty"`

	// How long to wait for a spawned server to become reachable
	ReadyTimeout time.Duration `yaml:"ready_timeout,omitempty"`

	// How long a list invocation may run
	ListTimeout time.Duration `yaml:"list_timeout,omitempty"`
}

// ServerConfig describes one companion server launch.
type ServerConfig struct {
	// UDID of the device the companion will control
	UDID string

	// Only restricts the companion to one target type, optional
	Only targets.TargetType

	// LogFilePath receives the companion's output, discarded when empty
	LogFilePath string

	// Cwd overrides the companion's working directory, optional
	Cwd string

	// TmpPath overrides TMPDIR for the companion, optional
	TmpPath string

	// Reparent detaches the companion so it outlives this process
	Reparent bool
}

// Companion wraps the companion executable. It serves both fleet collaborator
// roles the executable covers: enumerating devices attached to this host and
// spawning companion servers for them.
type Companion struct {
	config Config
	logger logging.Logger
}

// NewCompanion creates a companion wrapper with the given configuration
func NewCompanion(config Config, logger logging.Logger) *Companion {
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = DefaultReadyTimeout
	}
	if config.ListTimeout <= 0 {
		config.ListTimeout = DefaultListTimeout
	}
	return &Companion{
		config: config,
		logger: logger,
	}
}

// ListLocalTargets enumerates the devices attached to this host by running
// a one-shot list invocation of the companion executable. Every returned
// target is local by definition.
func (c *Companion) ListLocalTargets(ctx context.Context, only targets.TargetType) ([]targets.TargetDescription, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, c.config.ListTimeout)
	defer cancel()

	args := []string{"--list", "1"}
	if only != "" {
		args = append(args, "--only", string(only))
	}
	args = c.appendCommonArgs(args)

	c.logger.Debugf("Listing local targets, executable path: '%s', args: %v", c.config.ExecutablePath, args)

	cmd := exec.CommandContext(runCtx, c.config.ExecutablePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, errors.NewIOError("companion list invocation failed", err).WithContext("executable_path", c.config.ExecutablePath)
	}

	list, err := parseTargetList(output)
	if err != nil {
		return nil, err
	}

	// Everything the local enumerator reports lives on this host.
	for i := range list {
		list[i].IsLocal = true
	}

	c.logger.Debugf("Listed local targets, count: %d", len(list))
	return list, nil
}

// SpawnServer starts a companion server bound to the given address and
// returns its pid together with the address the server actually bound.
// The bound address differs from the requested one only for TCP port 0,
// which is resolved to a free port before the launch. The call returns once
// the server accepts connections; a server that fails to come up within the
// ready timeout is killed before the error is returned.
func (c *Companion) SpawnServer(ctx context.Context, config ServerConfig, address targets.Address) (int, targets.Address, error) {
	if err := c.validate(); err != nil {
		return 0, nil, err
	}
	if config.UDID == "" {
		return 0, nil, errors.NewValidationError("companion server udid is required", nil)
	}

	boundAddress, err := resolveSpawnAddress(address)
	if err != nil {
		return 0, nil, err
	}

	args := []string{"--udid", config.UDID}
	switch addr := boundAddress.(type) {
	case targets.DomainSocketAddress:
		args = append(args, "--grpc-domain-sock", addr.Path)
	case targets.TCPAddress:
		args = append(args, "--grpc-port", strconv.Itoa(addr.Port))
	}
	if config.Only != "" {
		args = append(args, "--only", string(config.Only))
	}
	args = c.appendCommonArgs(args)

	var environment []string
	if config.TmpPath != "" {
		environment = append(environment, "TMPDIR="+config.TmpPath)
	}

	pid, err := process.Start(ctx, process.ExecutionConfig{
		ExecutablePath:   c.config.ExecutablePath,
		Args:             args,
		Environment:      environment,
		WorkingDirectory: config.Cwd,
		LogFilePath:      config.LogFilePath,
		Reparent:         config.Reparent,
	}, c.logger)
	if err != nil {
		return 0, nil, err
	}

	c.logger.Infof("Spawned companion server, udid: %s, address: %s, PID: %d", config.UDID, boundAddress, pid)

	if err := c.waitUntilReady(ctx, boundAddress, pid); err != nil {
		// Do not leak a half-started server
		if killErr := process.Kill(pid, c.logger); killErr != nil {
			c.logger.Warnf("Failed to kill unready companion server, udid: %s, PID: %d, error: %v", config.UDID, pid, killErr)
		}
		return 0, nil, err
	}

	c.logger.Debugf("Companion server ready, udid: %s, address: %s, PID: %d", config.UDID, boundAddress, pid)
	return pid, boundAddress, nil
}

func (c *Companion) validate() error {
	if c.config.ExecutablePath == "" {
		return errors.NewValidationError("companion executable path is required", nil)
	}
	return nil
}

func (c *Companion) appendCommonArgs(args []string) []string {
	if c.config.DeviceSetPath != "" {
		args = append(args, "--device-set-path", c.config.DeviceSetPath)
	}
	return args
}

// resolveSpawnAddress pins down the address a server launch will bind.
// TCP port 0 is replaced with a probed free port; the companion has no way
// to report a kernel-chosen port back to us.
func resolveSpawnAddress(address targets.Address) (targets.Address, error) {
	switch addr := address.(type) {
	case targets.DomainSocketAddress:
		return addr, nil
	case targets.TCPAddress:
		if addr.Port != 0 {
			return addr, nil
		}
		port, err := freeport.GetFreePort()
		if err != nil {
			return nil, errors.NewIOError("failed to probe a free port", err)
		}
		addr.Port = port
		return addr, nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported companion server address: %v", address), nil)
	}
}

func parseTargetList(output []byte) ([]targets.TargetDescription, error) {
	var list []targets.TargetDescription
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var target targets.TargetDescription
		if err := json.Unmarshal(line, &target); err != nil {
			return nil, errors.NewValidationError("invalid target description line: "+string(line), err)
		}
		list = append(list, target)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewIOError("failed to scan companion list output", err)
	}
	return list, nil
}
