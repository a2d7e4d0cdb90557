package executor

import (
	"context"

	"github.com/artpar/podstack/internal/shell/runtime"
)

// =============================================================================
// Operations
// =============================================================================

// Operation is one lifecycle verb applied to every selected service. Forward
// operations run dependencies first and honor readiness conditions; reverse
// operations run dependents first.
type Operation struct {
	Name    string
	Reverse bool

	// Gated controls whether dependents wait for readiness conditions
	// (healthy, completed successfully) on top of operation completion.
	Gated bool

	Run func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error
}

// Up creates and starts containers in dependency order.
func Up() Operation {
	return Operation{
		Name:  "up",
		Gated: true,
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			if err := rt.CreateContainer(ctx, spec); err != nil {
				return err
			}
			return rt.StartContainer(ctx, spec.Name)
		},
	}
}

// Create creates containers without starting them.
func Create() Operation {
	return Operation{
		Name: "create",
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			return rt.CreateContainer(ctx, spec)
		},
	}
}

// Start starts existing containers in dependency order.
func Start() Operation {
	return Operation{
		Name:  "start",
		Gated: true,
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			return rt.StartContainer(ctx, spec.Name)
		},
	}
}

// Restart restarts containers in dependency order.
func Restart() Operation {
	return Operation{
		Name:  "restart",
		Gated: true,
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			return rt.RestartContainer(ctx, spec.Name, spec.StopTimeoutOrDefault())
		},
	}
}

// Unpause resumes paused containers in dependency order.
func Unpause() Operation {
	return Operation{
		Name: "unpause",
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			return rt.UnpauseContainer(ctx, spec.Name)
		},
	}
}

// Stop stops containers, dependents before their dependencies.
func Stop() Operation {
	return Operation{
		Name:    "stop",
		Reverse: true,
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			return rt.StopContainer(ctx, spec.Name, spec.StopTimeoutOrDefault())
		},
	}
}

// Kill signals containers, dependents before their dependencies.
func Kill(signal string) Operation {
	return Operation{
		Name:    "kill",
		Reverse: true,
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			return rt.KillContainer(ctx, spec.Name, signal)
		},
	}
}

// Remove deletes containers, dependents before their dependencies.
func Remove(force bool) Operation {
	return Operation{
		Name:    "rm",
		Reverse: true,
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			return rt.RemoveContainer(ctx, spec.Name, force)
		},
	}
}

// Down stops and removes containers, dependents before their dependencies.
func Down() Operation {
	return Operation{
		Name:    "down",
		Reverse: true,
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			if err := rt.StopContainer(ctx, spec.Name, spec.StopTimeoutOrDefault()); err != nil {
				return err
			}
			return rt.RemoveContainer(ctx, spec.Name, true)
		},
	}
}

// Pause suspends containers, dependents before their dependencies.
func Pause() Operation {
	return Operation{
		Name:    "pause",
		Reverse: true,
		Run: func(ctx context.Context, rt runtime.Runtime, spec *runtime.ContainerSpec) error {
			return rt.PauseContainer(ctx, spec.Name)
		},
	}
}
