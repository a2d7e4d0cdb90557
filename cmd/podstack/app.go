package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/artpar/podstack/internal/core/compose"
	"github.com/artpar/podstack/internal/core/graph"
	"github.com/artpar/podstack/internal/core/naming"
	"github.com/artpar/podstack/internal/shell/executor"
	"github.com/artpar/podstack/internal/shell/journal"
	"github.com/artpar/podstack/internal/shell/runtime"
	"github.com/artpar/podstack/internal/shell/source"
)

// app carries the per-invocation wiring shared by all commands.
type app struct {
	config *Config
	logger *slog.Logger
	files  []string
	env    []string
	name   string
	dir    string
}

// loaded is the resolved input of one command: documents, canonical model
// and dependency graph.
type loaded struct {
	src     *source.Source
	project *compose.Project
	graph   *graph.Graph
}

// load runs discovery, resolution and graph construction.
func (a *app) load() (*loaded, error) {
	src, err := source.Load(source.Options{
		WorkingDir:  a.dir,
		Files:       a.files,
		EnvFiles:    a.env,
		ProjectName: a.name,
	})
	if err != nil {
		return nil, err
	}

	project, warnings, err := compose.Resolve(src.Documents, src.Lookup)
	if err != nil {
		return nil, err
	}
	for _, warning := range warnings {
		a.logger.Warn("document attribute ignored", "detail", warning)
	}

	project.Name = src.ProjectName(project.Name)

	g, err := graph.Build(project)
	if err != nil {
		return nil, err
	}
	return &loaded{src: src, project: project, graph: g}, nil
}

// newRuntime builds the configured engine adapter. The returned closer
// releases the adapter's connection and may be nil.
func (a *app) newRuntime() (runtime.Runtime, func() error, error) {
	if a.config.Runtime.Kind == "docker" {
		docker, err := runtime.NewDocker(a.logger)
		if err != nil {
			return nil, nil, err
		}
		return docker, docker.Close, nil
	}

	binary := runtime.WithBinary(a.config.Runtime.Binary)
	if a.config.Runtime.Host == "" {
		return runtime.NewPodman(a.logger, binary), nil, nil
	}

	sshConfig, err := parseSSHHost(a.config.Runtime.Host, a.config.Runtime.SSHKeyFile)
	if err != nil {
		return nil, nil, err
	}
	runner, err := runtime.NewSSHRunner(sshConfig)
	if err != nil {
		return nil, nil, err
	}
	return runtime.NewPodman(a.logger, binary, runtime.WithRunner(runner)), runner.Close, nil
}

// parseSSHHost turns an ssh://user@host[:port] URL into an SSH runner
// configuration.
func parseSSHHost(host, keyFile string) (runtime.SSHConfig, error) {
	u, err := url.Parse(host)
	if err != nil || u.Scheme != "ssh" || u.Hostname() == "" {
		return runtime.SSHConfig{}, fmt.Errorf("runtime host must be an ssh://user@host[:port] URL, got %q", host)
	}
	if keyFile == "" {
		return runtime.SSHConfig{}, fmt.Errorf("runtime.ssh_key_file must be set for host %s", host)
	}
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return runtime.SSHConfig{}, fmt.Errorf("read ssh key: %w", err)
	}

	config := runtime.SSHConfig{
		Host:       u.Hostname(),
		User:       u.User.Username(),
		PrivateKey: key,
	}
	if port := u.Port(); port != "" {
		config.Port, err = strconv.Atoi(port)
		if err != nil {
			return runtime.SSHConfig{}, fmt.Errorf("invalid ssh port %q", port)
		}
	}
	return config, nil
}

// =============================================================================
// Resource Provisioning
// =============================================================================

// ensureResources creates the project network, declared networks and named
// volumes before containers reference them, and verifies that secret and
// config files exist. External resources must already be present.
func ensureResources(ctx context.Context, rt runtime.Runtime, project *compose.Project) error {
	networks := map[string]*compose.Network{}
	if _, declared := project.Networks[naming.DefaultNetwork]; !declared {
		networks[naming.NetworkName(project.Name, naming.DefaultNetwork)] = &compose.Network{}
	}
	for key, network := range project.Networks {
		networks[runtime.ResolveNetworkName(project, key)] = network
	}
	for _, name := range sortedKeys(networks) {
		if err := rt.EnsureNetwork(ctx, name, networks[name]); err != nil {
			return err
		}
	}

	volumes := map[string]*compose.Volume{}
	for key, volume := range project.Volumes {
		volumes[runtime.ResolveVolumeName(project, key)] = volume
	}
	for _, name := range sortedKeys(volumes) {
		if err := rt.EnsureVolume(ctx, name, volumes[name]); err != nil {
			return err
		}
	}

	for _, key := range sortedKeys(project.Secrets) {
		secret := project.Secrets[key]
		if secret.External || secret.File == "" {
			continue
		}
		if _, err := os.Stat(secret.File); err != nil {
			return fmt.Errorf("secret %s: %w", key, err)
		}
	}
	for _, key := range sortedKeys(project.Configs) {
		config := project.Configs[key]
		if config.External || config.File == "" {
			continue
		}
		if _, err := os.Stat(config.File); err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
	}
	return nil
}

// removeResources deletes the networks the project owns and, when requested,
// its named volumes. External resources are left alone.
func removeResources(ctx context.Context, rt runtime.Runtime, project *compose.Project, volumes bool) error {
	if _, declared := project.Networks[naming.DefaultNetwork]; !declared {
		if err := rt.RemoveNetwork(ctx, naming.NetworkName(project.Name, naming.DefaultNetwork)); err != nil {
			return err
		}
	}
	for _, key := range sortedKeys(project.Networks) {
		if project.Networks[key].External {
			continue
		}
		if err := rt.RemoveNetwork(ctx, runtime.ResolveNetworkName(project, key)); err != nil {
			return err
		}
	}

	if !volumes {
		return nil
	}
	for _, key := range sortedKeys(project.Volumes) {
		if project.Volumes[key].External {
			continue
		}
		if err := rt.RemoveVolume(ctx, runtime.ResolveVolumeName(project, key)); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Execution and Reporting
// =============================================================================

// execute runs one operation over the project, records it in the journal and
// renders the report.
func (a *app) execute(ctx context.Context, l *loaded, targets []string, op executor.Operation) int {
	rt, closer, err := a.newRuntime()
	if err != nil {
		a.logger.Error("runtime setup failed", "error", err)
		return ExitRuntimeError
	}
	if closer != nil {
		defer closer()
	}

	if op.Name == "up" || op.Name == "create" {
		if err := ensureResources(ctx, rt, l.project); err != nil {
			a.logger.Error("resource provisioning failed", "error", err)
			return ExitRuntimeError
		}
	}

	exec := executor.New(rt, executor.Config{
		MaxConcurrent: a.config.Executor.MaxConcurrent,
		PollInterval:  a.config.Executor.PollInterval,
		ReadyTimeout:  a.config.Executor.ReadyTimeout,
	}, a.logger)

	report, err := exec.Execute(ctx, l.graph, targets, op, runtime.HostEnv(l.src.Lookup))
	if err != nil {
		a.logger.Error("planning failed", "operation", op.Name, "error", err)
		return ExitDocumentError
	}

	a.recordRun(report)
	renderReport(os.Stdout, report)

	switch report.Outcome() {
	case "failed":
		return ExitExecutionError
	case "cancelled":
		return ExitInterrupted
	default:
		return ExitSuccess
	}
}

// recordRun appends the report to the journal. History is best effort; a
// journal failure never fails the command.
func (a *app) recordRun(report *executor.Report) {
	j, err := journal.Open(a.config.Journal.Path)
	if err != nil {
		a.logger.Warn("journal unavailable", "path", a.config.Journal.Path, "error", err)
		return
	}
	defer j.Close()
	if err := j.RecordRun(context.Background(), report); err != nil {
		a.logger.Warn("journal write failed", "run_id", report.RunID, "error", err)
	}
}

// renderReport prints the per-service outcome table.
func renderReport(w io.Writer, report *executor.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATE\tDETAIL")
	for _, name := range report.Services() {
		result := report.Results[name]
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, result.State, result.Reason)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%s %s: %s\n", report.Operation, report.Project, report.Outcome())
}
