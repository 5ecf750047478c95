package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/tatzyr/idb/pkg/control"
	"github.com/tatzyr/idb/pkg/logging"
	"github.com/tatzyr/idb/pkg/targets"

	flags "github.com/jessevdk/go-flags"
	"google.golang.org/grpc"
)

// flagOptions mirrors the companion executable's command line surface, so
// the fleet manager can drive this binary as a stand-in: --list for
// enumeration, --udid plus one address flag for serving.
type flagOptions struct {
	List          int    `long:"list" description:"print the fake device list as JSON lines and exit"`
	Only          string `long:"only" description:"restrict to one target type"`
	DeviceSetPath string `long:"device-set-path" description:"accepted for companion compatibility"`

	UDID       string `long:"udid" description:"udid of the fake device to serve"`
	DomainSock string `long:"grpc-domain-sock" description:"serve on this unix domain socket"`
	GRPCPort   int    `long:"grpc-port" description:"serve on this TCP port"`

	Name      string `long:"name" default:"Fake iPhone 15" description:"device name to report"`
	State     string `long:"state" default:"Booted" description:"device state to report"`
	Type      string `long:"type" default:"simulator" description:"device type to report"`
	OSVersion string `long:"os" default:"iOS 17.4" description:"OS version to report"`
	BootDelay int    `long:"boot-delay" description:"seconds to wait before binding (debug feature)"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.List > 0 {
		// Enumeration mode: stdout carries nothing but JSON lines, the
		// caller parses every non-blank one.
		if err := listTargets(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Listing failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := serve(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Companiontest failed: %v\n", err)
		os.Exit(1)
	}
}

func fakeTarget(opts flagOptions) targets.TargetDescription {
	udid := opts.UDID
	if udid == "" {
		udid = "FAKE-0000-1111-2222-333344445555"
	}
	return targets.TargetDescription{
		UDID:         udid,
		Name:         opts.Name,
		State:        opts.State,
		TargetType:   targets.TargetType(opts.Type),
		OSVersion:    opts.OSVersion,
		Architecture: "arm64",
	}
}

func listTargets(opts flagOptions) error {
	target := fakeTarget(opts)
	if opts.Only != "" && target.TargetType != targets.TargetType(opts.Only) {
		return nil
	}
	data, err := json.Marshal(target)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func serve(opts flagOptions) error {
	if opts.UDID == "" {
		return fmt.Errorf("--udid is required to serve")
	}
	if opts.DomainSock == "" && opts.GRPCPort == 0 {
		return fmt.Errorf("one of --grpc-domain-sock or --grpc-port is required to serve")
	}

	logger, err := logging.NewZapLogger(logging.DefaultZapConfig())
	if err != nil {
		return err
	}

	if opts.BootDelay > 0 {
		fmt.Printf("Using BOOT DELAY of %d seconds\n", opts.BootDelay)
		time.Sleep(time.Duration(opts.BootDelay) * time.Second)
	}

	var listener net.Listener
	if opts.DomainSock != "" {
		// A stale socket file from a killed predecessor blocks the bind
		os.Remove(opts.DomainSock)
		listener, err = net.Listen("unix", opts.DomainSock)
		if err != nil {
			return err
		}
		defer os.Remove(opts.DomainSock)
	} else {
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", opts.GRPCPort))
		if err != nil {
			return err
		}
	}

	grpcServer := grpc.NewServer()
	control.RegisterCompanionHandler(grpcServer, &fakeCompanion{
		target: fakeTarget(opts),
		logger: logger,
	}, logger)

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	go func() {
		receivedSignal := <-sig
		fmt.Printf("Companiontest received signal: %v\n", receivedSignal)
		grpcServer.GracefulStop()
	}()

	fmt.Printf("Companiontest serving %s at %s\n", opts.UDID, listener.Addr())

	if err := grpcServer.Serve(listener); err != nil {
		return err
	}

	fmt.Printf("Companiontest stopped\n")
	return nil
}

type fakeCompanion struct {
	target targets.TargetDescription
	logger logging.Logger
}

func (c *fakeCompanion) Describe(ctx context.Context) (*targets.TargetDescription, error) {
	c.logger.Debugf("Describe requested, udid: %s", c.target.UDID)
	target := c.target
	return &target, nil
}
