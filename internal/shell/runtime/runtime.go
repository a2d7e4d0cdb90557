// Package runtime adapts container engines behind one interface the executor
// drives. Implementations exist for the podman CLI (locally or over SSH) and
// the Docker Engine API.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/artpar/podstack/internal/core/compose"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when a container, network or volume does not
	// exist in the engine.
	ErrNotFound = errors.New("object not found")

	// ErrExternalMissing is returned when a resource declared external does
	// not already exist.
	ErrExternalMissing = errors.New("external resource does not exist")

	// ErrCommandFailed is returned when the engine rejects an operation.
	ErrCommandFailed = errors.New("runtime command failed")
)

// Error wraps engine failures with the operation and object they concern.
type Error struct {
	Op     string // e.g., "start", "inspect"
	Object string // container, network or volume name
	Detail string // engine output, trimmed
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Object, e.Detail)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Object, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// =============================================================================
// Container State
// =============================================================================

// Health is the engine-reported health probe status.
type Health string

const (
	HealthNone      Health = ""          // no healthcheck configured
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// ContainerState is a point-in-time snapshot of one container.
type ContainerState struct {
	Exists   bool
	Running  bool
	Paused   bool
	ExitCode int
	Health   Health
}

// Event is one engine lifecycle event for a project container.
type Event struct {
	Time      time.Time
	Container string
	Service   string
	Status    string // e.g., "start", "die", "health_status: healthy"
}

// =============================================================================
// Runtime Interface
// =============================================================================

// Runtime is the container engine surface the executor needs. All calls are
// synchronous; readiness polling happens above this interface.
type Runtime interface {
	// CreateContainer creates the container for spec without starting it.
	// Creating an already existing container is not an error.
	CreateContainer(ctx context.Context, spec *ContainerSpec) error

	// StartContainer starts a created or stopped container.
	StartContainer(ctx context.Context, name string) error

	// StopContainer stops a running container, waiting up to timeout before
	// the engine kills it.
	StopContainer(ctx context.Context, name string, timeout time.Duration) error

	// RestartContainer stops and starts a container.
	RestartContainer(ctx context.Context, name string, timeout time.Duration) error

	// KillContainer sends signal to a running container.
	KillContainer(ctx context.Context, name, signal string) error

	// RemoveContainer deletes a container. Force removes running containers.
	RemoveContainer(ctx context.Context, name string, force bool) error

	// PauseContainer suspends all processes in a container.
	PauseContainer(ctx context.Context, name string) error

	// UnpauseContainer resumes a paused container.
	UnpauseContainer(ctx context.Context, name string) error

	// InspectContainer reports the current state of a container. A missing
	// container yields Exists == false, not an error.
	InspectContainer(ctx context.Context, name string) (ContainerState, error)

	// EnsureNetwork makes a project network available, creating it unless it
	// is external, in which case it must already exist.
	EnsureNetwork(ctx context.Context, name string, network *compose.Network) error

	// EnsureVolume makes a named volume available, creating it unless it is
	// external, in which case it must already exist.
	EnsureVolume(ctx context.Context, name string, volume *compose.Volume) error

	// RemoveNetwork deletes a project network. Missing networks are ignored.
	RemoveNetwork(ctx context.Context, name string) error

	// RemoveVolume deletes a named volume. Missing volumes are ignored.
	RemoveVolume(ctx context.Context, name string) error

	// ContainerLogs copies a container's log output to w. With follow set
	// it keeps streaming new output until ctx is cancelled.
	ContainerLogs(ctx context.Context, name string, follow bool, w io.Writer) error

	// Events streams container lifecycle events for one project to fn until
	// ctx is cancelled.
	Events(ctx context.Context, project string, fn func(Event)) error
}
