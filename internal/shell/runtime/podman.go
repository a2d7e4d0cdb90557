package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/podstack/internal/core/compose"
	"github.com/artpar/podstack/internal/core/naming"
)

// =============================================================================
// Command Runners
// =============================================================================

// Runner executes engine CLI commands. The default runner uses the local
// binary; an SSH runner drives a remote engine over the same interface.
type Runner interface {
	// Run executes a command and returns its stdout. A non-zero exit comes
	// back as an error carrying stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Stream starts a long-running command and returns its stdout. The
	// command dies with ctx.
	Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error)
}

// LocalRunner executes commands on the host.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &commandError{stderr: strings.TrimSpace(stderr.String()), err: err}
	}
	return stdout.Bytes(), nil
}

func (LocalRunner) Stream(ctx context.Context, name string, args ...string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go cmd.Wait()
	return stdout, nil
}

// commandError keeps stderr attached to the exit failure.
type commandError struct {
	stderr string
	err    error
}

func (e *commandError) Error() string {
	if e.stderr != "" {
		return e.stderr
	}
	return e.err.Error()
}

func (e *commandError) Unwrap() error { return e.err }

// =============================================================================
// Podman Runtime
// =============================================================================

// Podman drives containers through the podman CLI.
type Podman struct {
	runner Runner
	binary string
	logger *slog.Logger
}

// PodmanOption customizes a Podman runtime.
type PodmanOption func(*Podman)

// WithRunner replaces the command runner, e.g. with an SSH runner.
func WithRunner(runner Runner) PodmanOption {
	return func(p *Podman) { p.runner = runner }
}

// WithBinary overrides the engine binary name. The docker CLI is argument
// compatible for every command used here.
func WithBinary(binary string) PodmanOption {
	return func(p *Podman) { p.binary = binary }
}

// NewPodman creates a podman CLI runtime.
func NewPodman(logger *slog.Logger, opts ...PodmanOption) *Podman {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Podman{
		runner: LocalRunner{},
		binary: "podman",
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Podman) run(ctx context.Context, op, object string, args ...string) ([]byte, error) {
	p.logger.Debug("engine command", "binary", p.binary, "args", strings.Join(args, " "))
	out, err := p.runner.Run(ctx, p.binary, args...)
	if err != nil {
		detail := err.Error()
		wrapped := ErrCommandFailed
		if isNotFound(detail) {
			wrapped = ErrNotFound
		}
		return nil, &Error{Op: op, Object: object, Detail: detail, Err: wrapped}
	}
	return out, nil
}

func isNotFound(detail string) bool {
	lower := strings.ToLower(detail)
	return strings.Contains(lower, "no such") || strings.Contains(lower, "not found") ||
		strings.Contains(lower, "does not exist")
}

// =============================================================================
// Container Lifecycle
// =============================================================================

func (p *Podman) CreateContainer(ctx context.Context, spec *ContainerSpec) error {
	state, err := p.InspectContainer(ctx, spec.Name)
	if err != nil {
		return err
	}
	if state.Exists {
		return nil
	}
	_, err = p.run(ctx, "create", spec.Name, createArgs(spec)...)
	return err
}

func (p *Podman) StartContainer(ctx context.Context, name string) error {
	_, err := p.run(ctx, "start", name, "start", name)
	return err
}

func (p *Podman) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	args := []string{"stop", name}
	if timeout > 0 {
		args = []string{"stop", "--time", strconv.Itoa(int(timeout.Seconds())), name}
	}
	_, err := p.run(ctx, "stop", name, args...)
	return ignoreNotFound(err)
}

func (p *Podman) RestartContainer(ctx context.Context, name string, timeout time.Duration) error {
	args := []string{"restart", name}
	if timeout > 0 {
		args = []string{"restart", "--time", strconv.Itoa(int(timeout.Seconds())), name}
	}
	_, err := p.run(ctx, "restart", name, args...)
	return err
}

func (p *Podman) KillContainer(ctx context.Context, name, signal string) error {
	args := []string{"kill", name}
	if signal != "" {
		args = []string{"kill", "--signal", signal, name}
	}
	_, err := p.run(ctx, "kill", name, args...)
	return ignoreNotFound(err)
}

func (p *Podman) RemoveContainer(ctx context.Context, name string, force bool) error {
	args := []string{"rm", name}
	if force {
		args = []string{"rm", "--force", name}
	}
	_, err := p.run(ctx, "rm", name, args...)
	return ignoreNotFound(err)
}

func (p *Podman) PauseContainer(ctx context.Context, name string) error {
	_, err := p.run(ctx, "pause", name, "pause", name)
	return err
}

func (p *Podman) UnpauseContainer(ctx context.Context, name string) error {
	_, err := p.run(ctx, "unpause", name, "unpause", name)
	return err
}

// inspectPayload is the slice of the engine inspect output this package
// reads.
type inspectPayload struct {
	State struct {
		Running  bool `json:"Running"`
		Paused   bool `json:"Paused"`
		ExitCode int  `json:"ExitCode"`
		Health   *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
}

func (p *Podman) InspectContainer(ctx context.Context, name string) (ContainerState, error) {
	out, err := p.run(ctx, "inspect", name, "container", "inspect", name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ContainerState{Exists: false}, nil
		}
		return ContainerState{}, err
	}

	var payload []inspectPayload
	if err := json.Unmarshal(out, &payload); err != nil || len(payload) == 0 {
		return ContainerState{}, &Error{Op: "inspect", Object: name, Detail: "unreadable inspect output", Err: ErrCommandFailed}
	}

	state := ContainerState{
		Exists:   true,
		Running:  payload[0].State.Running,
		Paused:   payload[0].State.Paused,
		ExitCode: payload[0].State.ExitCode,
	}
	if health := payload[0].State.Health; health != nil {
		state.Health = Health(health.Status)
	}
	return state, nil
}

// =============================================================================
// Networks and Volumes
// =============================================================================

func (p *Podman) EnsureNetwork(ctx context.Context, name string, network *compose.Network) error {
	_, err := p.run(ctx, "network inspect", name, "network", "inspect", name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if network != nil && network.External {
		return &Error{Op: "network", Object: name, Detail: "declared external but missing", Err: ErrExternalMissing}
	}

	p.logger.Info("creating network", "network", name)
	_, err = p.run(ctx, "network create", name, networkCreateArgs(name, network)...)
	return err
}

func (p *Podman) EnsureVolume(ctx context.Context, name string, volume *compose.Volume) error {
	_, err := p.run(ctx, "volume inspect", name, "volume", "inspect", name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if volume != nil && volume.External {
		return &Error{Op: "volume", Object: name, Detail: "declared external but missing", Err: ErrExternalMissing}
	}

	p.logger.Info("creating volume", "volume", name)
	_, err = p.run(ctx, "volume create", name, volumeCreateArgs(name, volume)...)
	return err
}

func (p *Podman) RemoveNetwork(ctx context.Context, name string) error {
	_, err := p.run(ctx, "network rm", name, "network", "rm", name)
	return ignoreNotFound(err)
}

func (p *Podman) RemoveVolume(ctx context.Context, name string) error {
	_, err := p.run(ctx, "volume rm", name, "volume", "rm", name)
	return ignoreNotFound(err)
}

// =============================================================================
// Logs
// =============================================================================

func (p *Podman) ContainerLogs(ctx context.Context, name string, follow bool, w io.Writer) error {
	args := []string{"logs"}
	if follow {
		args = append(args, "--follow")
	}
	args = append(args, name)

	stream, err := p.runner.Stream(ctx, p.binary, args...)
	if err != nil {
		return &Error{Op: "logs", Object: name, Detail: err.Error(), Err: ErrCommandFailed}
	}
	defer stream.Close()

	if _, err := io.Copy(w, stream); err != nil && ctx.Err() == nil {
		return &Error{Op: "logs", Object: name, Detail: err.Error(), Err: ErrCommandFailed}
	}
	return nil
}

// =============================================================================
// Events
// =============================================================================

// engineEvent is one line of `events --format json` output.
type engineEvent struct {
	Name       string            `json:"Name"`
	Status     string            `json:"Status"`
	Time       string            `json:"time"`
	Attributes map[string]string `json:"Attributes"`
}

func (p *Podman) Events(ctx context.Context, project string, fn func(Event)) error {
	stream, err := p.runner.Stream(ctx, p.binary,
		"events", "--format", "json",
		"--filter", "label="+naming.LabelProject+"="+project,
	)
	if err != nil {
		return &Error{Op: "events", Object: project, Detail: err.Error(), Err: ErrCommandFailed}
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var raw engineEvent
		if err := json.Unmarshal(scanner.Bytes(), &raw); err != nil {
			continue
		}
		event := Event{
			Time:      time.Now(),
			Container: raw.Name,
			Status:    raw.Status,
			Service:   raw.Attributes[naming.LabelService],
		}
		if parsed, err := time.Parse(time.RFC3339Nano, raw.Time); err == nil {
			event.Time = parsed
		}
		fn(event)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// =============================================================================
// Helpers
// =============================================================================

func ignoreNotFound(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
