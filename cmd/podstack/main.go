// Package main provides the podstack binary.
//
// podstack drives multi-service container projects declared in compose
// documents over a single-container engine (podman or docker).
//
// Usage:
//
//	podstack [flags] <command> [args...]
//
// Commands:
//
//	up         - Create and start services in dependency order
//	down       - Stop and remove services, dependents first
//	create     - Create containers without starting them
//	start      - Start existing containers in dependency order
//	stop       - Stop containers, dependents first
//	restart    - Restart containers in dependency order
//	kill       - Signal containers, dependents first
//	rm         - Remove containers, dependents first
//	pause      - Suspend containers, dependents first
//	unpause    - Resume containers in dependency order
//	logs       - Print or follow container logs per service
//	ps         - Show container status per service
//	events     - Stream engine events for the project
//	runs       - List recorded runs, or show one run's services
//	config     - Print the resolved project model
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes returned by the binary.
const (
	ExitSuccess        = 0
	ExitConfigError    = 1
	ExitUsageError     = 2
	ExitDocumentError  = 3
	ExitRuntimeError   = 4
	ExitExecutionError = 5
	ExitInterrupted    = 130
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var files stringList
	var envFiles stringList
	configPath := flag.String("config", "", "Path to config file")
	projectName := flag.String("project-name", "", "Project name override")
	projectDir := flag.String("project-directory", "", "Project directory (default: current directory)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Var(&files, "f", "Compose file (repeatable, order is merge order)")
	flag.Var(&envFiles, "env-file", "Env file (repeatable, later files win)")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("podstack %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return ExitUsageError
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	logger := SetupLogger(cfg)

	app := &app{
		config: cfg,
		logger: logger,
		files:  files,
		env:    envFiles,
		name:   *projectName,
		dir:    *projectDir,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code := dispatch(ctx, app, args[0], args[1:])
	if code == ExitSuccess && ctx.Err() != nil {
		return ExitInterrupted
	}
	return code
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: podstack [flags] <command> [args...]

Commands:
  up, down, create, start, stop, restart, kill, rm, pause, unpause,
  logs, ps, events, runs, config

Flags:
`)
	flag.PrintDefaults()
}
