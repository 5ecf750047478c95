package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tatzyr/idb/pkg/companion"
	"github.com/tatzyr/idb/pkg/fleet"
	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/targets"

	flags "github.com/jessevdk/go-flags"
)

// defaultConfigFileName is probed under the companion base directory when
// --config is not given.
const defaultConfigFileName = "idb.yaml"

type cliOptions struct {
	Config        string        `long:"config" description:"path to the configuration file"`
	CompanionPath string        `long:"companion" description:"path to the companion executable (overrides the config file)"`
	DeviceSetPath string        `long:"device-set-path" description:"simulator device set passed to companions (overrides the config file)"`
	LogLevel      string        `long:"log-level" description:"log level: debug, info, warn or error (overrides the config file)"`
	Timeout       time.Duration `long:"timeout" default:"2m" description:"overall operation timeout"`
	JSON          bool          `long:"json" description:"print results as JSON, one object per line"`

	ListTargets listTargetsCommand `command:"list-targets" description:"list local devices and devices behind registered companions"`
	Describe    describeCommand    `command:"describe" description:"report the target a companion controls"`
	Connect     connectCommand     `command:"connect" description:"register a companion by address, or spawn one for a udid"`
	Disconnect  disconnectCommand  `command:"disconnect" description:"forget a registered companion"`
	Kill        killCommand        `command:"kill" description:"clear the registry and terminate every spawned companion"`
	Health      healthCommand      `command:"health" description:"probe every registered companion"`
}

var opts cliOptions

func main() {
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		if flags.WroteHelp(err) {
			fmt.Println(err)
			os.Exit(0)
		}
		var flagsErr *flags.Error
		if stderrors.As(err, &flagsErr) {
			fmt.Printf("Command line flags parsing failed: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

type app struct {
	manager *fleet.Manager
	logger  logging.Logger
}

func buildApp() (*app, error) {
	config, err := loadConfig(opts.Config)
	if err != nil {
		return nil, err
	}

	if opts.CompanionPath != "" {
		config.Fleet.CompanionPath = opts.CompanionPath
	}
	if opts.DeviceSetPath != "" {
		config.Fleet.DeviceSetPath = opts.DeviceSetPath
	}
	if opts.LogLevel != "" {
		config.Logging.Level = opts.LogLevel
	}

	if err := fleet.ValidateConfig(config); err != nil {
		return nil, err
	}

	logger, err := logging.NewZapLogger(config.Logging)
	if err != nil {
		return nil, err
	}

	manager, err := fleet.CreateManagerFromConfig(config, logger)
	if err != nil {
		return nil, err
	}

	return &app{manager: manager, logger: logger}, nil
}

func loadConfig(path string) (*fleet.Config, error) {
	if path != "" {
		return fleet.LoadConfigFromFile(path)
	}
	defaultPath := filepath.Join(companion.DefaultBaseDirectory(), defaultConfigFileName)
	if _, err := os.Stat(defaultPath); err == nil {
		return fleet.LoadConfigFromFile(defaultPath)
	}
	return fleet.DefaultConfig(), nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opts.Timeout)
}

type listTargetsCommand struct {
	Only string `long:"only" description:"filter by target type: simulator, device or mac"`
}

func (c *listTargetsCommand) Execute(args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	list, err := app.manager.ListTargets(ctx, targets.TargetType(c.Only))
	if err != nil {
		return err
	}
	for _, target := range list {
		if err := printTarget(target); err != nil {
			return err
		}
	}
	return nil
}

type describeCommand struct {
	Args struct {
		UDID string `positional-arg-name:"udid" description:"target identifier; omit when exactly one companion is registered"`
	} `positional-args:"yes"`
}

func (c *describeCommand) Execute(args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	target, err := app.manager.Describe(ctx, c.Args.UDID)
	if err != nil {
		return err
	}
	return printTarget(*target)
}

type connectCommand struct {
	Metadata map[string]string `long:"metadata" description:"key:value metadata stored with the registered companion"`
	Args     struct {
		Destination string `positional-arg-name:"destination" required:"yes" description:"companion address (host:port or socket path) or device udid"`
	} `positional-args:"yes" required:"yes"`
}

func (c *connectCommand) Execute(args []string) error {
	destination, err := targets.ParseDestination(c.Args.Destination)
	if err != nil {
		return err
	}

	app, err := buildApp()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	info, err := app.manager.Connect(ctx, destination, c.Metadata)
	if err != nil {
		return err
	}
	return printCompanion(*info)
}

type disconnectCommand struct {
	Args struct {
		Destination string `positional-arg-name:"destination" required:"yes" description:"companion address (host:port or socket path) or device udid"`
	} `positional-args:"yes" required:"yes"`
}

func (c *disconnectCommand) Execute(args []string) error {
	destination, err := targets.ParseDestination(c.Args.Destination)
	if err != nil {
		return err
	}

	app, err := buildApp()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	if err := app.manager.Disconnect(ctx, destination); err != nil {
		return err
	}
	if !opts.JSON {
		fmt.Printf("Disconnected %s\n", c.Args.Destination)
	}
	return nil
}

type killCommand struct{}

func (c *killCommand) Execute(args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	if err := app.manager.Kill(ctx); err != nil {
		return err
	}
	if !opts.JSON {
		fmt.Println("Killed all spawned companions and cleared the registry")
	}
	return nil
}

type healthCommand struct{}

func (c *healthCommand) Execute(args []string) error {
	app, err := buildApp()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	health, err := app.manager.CheckHealth(ctx)
	if err != nil {
		return err
	}

	unhealthy := 0
	for _, entry := range health {
		if err := printHealth(entry); err != nil {
			return err
		}
		if entry.Err != nil {
			unhealthy++
		}
	}
	if unhealthy > 0 {
		return fmt.Errorf("%d of %d companions are unhealthy", unhealthy, len(health))
	}
	return nil
}

// companionOutput flattens CompanionInfo for printing; the address interface
// renders as its string form.
type companionOutput struct {
	UDID     string            `json:"udid"`
	Address  string            `json:"address"`
	IsLocal  bool              `json:"is_local"`
	PID      *int              `json:"pid,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type healthOutput struct {
	companionOutput
	Healthy bool   `json:"healthy"`
	State   string `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
}

func printTarget(target targets.TargetDescription) error {
	if opts.JSON {
		return printJSON(target)
	}
	locality := "remote"
	if target.IsLocal {
		locality = "local"
	}
	fmt.Printf("%s | %s | %s | %s | %s | %s | %s\n",
		target.UDID, target.Name, target.State, target.TargetType,
		target.OSVersion, target.Architecture, locality)
	return nil
}

func printCompanion(info targets.CompanionInfo) error {
	output := companionOutput{
		UDID:     info.UDID,
		Address:  info.Address.String(),
		IsLocal:  info.IsLocal,
		PID:      info.PID,
		Metadata: info.Metadata,
	}
	if opts.JSON {
		return printJSON(output)
	}
	fmt.Printf("%s connected at %s\n", output.UDID, output.Address)
	return nil
}

func printHealth(entry fleet.CompanionHealth) error {
	output := healthOutput{
		companionOutput: companionOutput{
			UDID:    entry.Companion.UDID,
			Address: entry.Companion.Address.String(),
			IsLocal: entry.Companion.IsLocal,
			PID:     entry.Companion.PID,
		},
		Healthy: entry.Err == nil,
	}
	if entry.Target != nil {
		output.State = entry.Target.State
	}
	if entry.Err != nil {
		output.Error = entry.Err.Error()
	}
	if opts.JSON {
		return printJSON(output)
	}
	if output.Healthy {
		fmt.Printf("%s | %s | healthy | %s\n", output.UDID, output.Address, output.State)
	} else {
		fmt.Printf("%s | %s | unhealthy | %s\n", output.UDID, output.Address, output.Error)
	}
	return nil
}

func printJSON(value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
