package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/podstack/internal/shell/executor"
	"github.com/artpar/podstack/internal/shell/journal"
	"github.com/artpar/podstack/internal/shell/runtime"
)

// dispatch routes the command to the appropriate handler.
func dispatch(ctx context.Context, a *app, cmd string, args []string) int {
	switch cmd {
	// Forward lifecycle commands
	case "up":
		return upCmd(ctx, a, args)
	case "create":
		return operationCmd(ctx, a, args, executor.Create())
	case "start":
		return operationCmd(ctx, a, args, executor.Start())
	case "restart":
		return operationCmd(ctx, a, args, executor.Restart())
	case "unpause":
		return operationCmd(ctx, a, args, executor.Unpause())

	// Reverse lifecycle commands
	case "down":
		return downCmd(ctx, a, args)
	case "stop":
		return operationCmd(ctx, a, args, executor.Stop())
	case "kill":
		return killCmd(ctx, a, args)
	case "rm":
		return rmCmd(ctx, a, args)
	case "pause":
		return operationCmd(ctx, a, args, executor.Pause())

	// Inspection commands
	case "logs":
		return logsCmd(ctx, a, args)
	case "ps":
		return psCmd(ctx, a)
	case "events":
		return eventsCmd(ctx, a)
	case "runs":
		return runsCmd(ctx, a, args)
	case "config":
		return configCmd(a)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		return ExitUsageError
	}
}

// operationCmd is the shared handler for verbs without their own flags. The
// remaining arguments select target services; none means the whole project.
func operationCmd(ctx context.Context, a *app, targets []string, op executor.Operation) int {
	l, err := a.load()
	if err != nil {
		a.logger.Error("project load failed", "error", err)
		return ExitDocumentError
	}
	return a.execute(ctx, l, targets, op)
}

func upCmd(ctx context.Context, a *app, args []string) int {
	return operationCmd(ctx, a, args, executor.Up())
}

func downCmd(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("down", flag.ContinueOnError)
	volumes := fs.Bool("volumes", false, "Also remove named volumes")
	if err := fs.Parse(args); err != nil {
		return ExitUsageError
	}

	l, err := a.load()
	if err != nil {
		a.logger.Error("project load failed", "error", err)
		return ExitDocumentError
	}

	code := a.execute(ctx, l, fs.Args(), executor.Down())
	if code != ExitSuccess {
		return code
	}

	// Project-owned networks (and optionally volumes) go only on a full down.
	if len(fs.Args()) > 0 {
		return code
	}
	rt, closer, err := a.newRuntime()
	if err != nil {
		a.logger.Error("runtime setup failed", "error", err)
		return ExitRuntimeError
	}
	if closer != nil {
		defer closer()
	}
	if err := removeResources(ctx, rt, l.project, *volumes); err != nil {
		a.logger.Error("resource removal failed", "error", err)
		return ExitRuntimeError
	}
	return ExitSuccess
}

func killCmd(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("kill", flag.ContinueOnError)
	signal := fs.String("signal", "SIGKILL", "Signal to send")
	if err := fs.Parse(args); err != nil {
		return ExitUsageError
	}
	return operationCmd(ctx, a, fs.Args(), executor.Kill(*signal))
}

func rmCmd(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	force := fs.Bool("force", false, "Remove running containers")
	if err := fs.Parse(args); err != nil {
		return ExitUsageError
	}
	return operationCmd(ctx, a, fs.Args(), executor.Remove(*force))
}

// =============================================================================
// Inspection Commands
// =============================================================================

func logsCmd(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	follow := fs.Bool("follow", false, "Keep streaming new log output")
	if err := fs.Parse(args); err != nil {
		return ExitUsageError
	}

	l, err := a.load()
	if err != nil {
		a.logger.Error("project load failed", "error", err)
		return ExitDocumentError
	}

	services := fs.Args()
	if len(services) == 0 {
		services = l.project.ServiceNames()
	}
	for _, name := range services {
		if _, ok := l.project.Services[name]; !ok {
			fmt.Fprintf(os.Stderr, "unknown service: %s\n", name)
			return ExitUsageError
		}
	}

	rt, closer, err := a.newRuntime()
	if err != nil {
		a.logger.Error("runtime setup failed", "error", err)
		return ExitRuntimeError
	}
	if closer != nil {
		defer closer()
	}

	sink := &lineWriter{out: os.Stdout}
	var wg sync.WaitGroup
	var mu sync.Mutex
	code := ExitSuccess
	for _, name := range services {
		spec := runtime.NewContainerSpec(l.project, l.project.Services[name], runtime.HostEnv(l.src.Lookup))
		wg.Add(1)
		go func(service, container string) {
			defer wg.Done()
			w := sink.prefixed(service)
			if err := rt.ContainerLogs(ctx, container, *follow, w); err != nil && ctx.Err() == nil {
				a.logger.Error("log stream failed", "service", service, "error", err)
				mu.Lock()
				code = ExitRuntimeError
				mu.Unlock()
			}
			w.flush()
		}(name, spec.Name)
	}
	wg.Wait()
	return code
}

// lineWriter serializes whole log lines from concurrent streams onto one
// output.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (l *lineWriter) prefixed(prefix string) *prefixWriter {
	return &prefixWriter{sink: l, prefix: prefix}
}

// prefixWriter buffers one stream and emits complete lines with the service
// name prepended. Partial trailing output stays buffered until flush.
type prefixWriter struct {
	sink   *lineWriter
	prefix string
	buf    bytes.Buffer
}

func (p *prefixWriter) Write(data []byte) (int, error) {
	p.buf.Write(data)
	for {
		line, err := p.buf.ReadString('\n')
		if err != nil {
			p.buf.WriteString(line)
			break
		}
		p.emit(line)
	}
	return len(data), nil
}

func (p *prefixWriter) emit(line string) {
	p.sink.mu.Lock()
	fmt.Fprintf(p.sink.out, "%s | %s", p.prefix, line)
	p.sink.mu.Unlock()
}

func (p *prefixWriter) flush() {
	if p.buf.Len() > 0 {
		p.emit(p.buf.String() + "\n")
	}
}

func psCmd(ctx context.Context, a *app) int {
	l, err := a.load()
	if err != nil {
		a.logger.Error("project load failed", "error", err)
		return ExitDocumentError
	}
	rt, closer, err := a.newRuntime()
	if err != nil {
		a.logger.Error("runtime setup failed", "error", err)
		return ExitRuntimeError
	}
	if closer != nil {
		defer closer()
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tCONTAINER\tSTATE\tHEALTH")
	for _, name := range l.project.ServiceNames() {
		spec := runtime.NewContainerSpec(l.project, l.project.Services[name], runtime.HostEnv(l.src.Lookup))
		state, err := rt.InspectContainer(ctx, spec.Name)
		if err != nil {
			a.logger.Error("inspect failed", "container", spec.Name, "error", err)
			return ExitRuntimeError
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, spec.Name, describeState(state), state.Health)
	}
	tw.Flush()
	return ExitSuccess
}

func describeState(state runtime.ContainerState) string {
	switch {
	case !state.Exists:
		return "missing"
	case state.Paused:
		return "paused"
	case state.Running:
		return "running"
	default:
		return fmt.Sprintf("exited (%d)", state.ExitCode)
	}
}

func eventsCmd(ctx context.Context, a *app) int {
	l, err := a.load()
	if err != nil {
		a.logger.Error("project load failed", "error", err)
		return ExitDocumentError
	}
	rt, closer, err := a.newRuntime()
	if err != nil {
		a.logger.Error("runtime setup failed", "error", err)
		return ExitRuntimeError
	}
	if closer != nil {
		defer closer()
	}

	err = rt.Events(ctx, l.project.Name, func(event runtime.Event) {
		fmt.Printf("%s %s %s %s\n",
			event.Time.Format("2006-01-02T15:04:05.000"),
			event.Service, event.Container, event.Status)
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Error("event stream failed", "error", err)
		return ExitRuntimeError
	}
	return ExitSuccess
}

func runsCmd(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Maximum number of runs to list")
	if err := fs.Parse(args); err != nil {
		return ExitUsageError
	}

	j, err := journal.Open(a.config.Journal.Path)
	if err != nil {
		a.logger.Error("journal unavailable", "path", a.config.Journal.Path, "error", err)
		return ExitConfigError
	}
	defer j.Close()

	// With a run id argument, show that run's services instead.
	if fs.NArg() > 0 {
		services, err := j.RunServices(ctx, fs.Arg(0))
		if err != nil {
			a.logger.Error("journal read failed", "error", err)
			return ExitConfigError
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVICE\tSTATE\tDETAIL")
		for _, service := range services {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", service.Service, service.State, service.Reason)
		}
		tw.Flush()
		return ExitSuccess
	}

	l, err := a.load()
	if err != nil {
		a.logger.Error("project load failed", "error", err)
		return ExitDocumentError
	}
	runs, err := j.ListRuns(ctx, l.project.Name, *limit)
	if err != nil {
		a.logger.Error("journal read failed", "error", err)
		return ExitConfigError
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tOPERATION\tOUTCOME\tSTARTED\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Operation, run.Outcome,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.FinishedAt.Sub(run.StartedAt).Round(10*time.Millisecond))
	}
	tw.Flush()
	return ExitSuccess
}

// configCmd prints the resolved canonical model.
func configCmd(a *app) int {
	l, err := a.load()
	if err != nil {
		a.logger.Error("project load failed", "error", err)
		return ExitDocumentError
	}
	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	if err := encoder.Encode(l.project); err != nil {
		a.logger.Error("render failed", "error", err)
		return ExitConfigError
	}
	encoder.Close()
	return ExitSuccess
}
