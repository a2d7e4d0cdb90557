package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/podstack/internal/core/compose"
	"github.com/artpar/podstack/internal/core/graph"
	"github.com/artpar/podstack/internal/shell/runtime"
)

// =============================================================================
// Executor
// =============================================================================

// Config tunes concurrency and readiness polling.
type Config struct {
	// MaxConcurrent bounds how many engine operations run at once.
	// Default: 4.
	MaxConcurrent int

	// PollInterval is the delay between readiness probes.
	// Default: 500 milliseconds.
	PollInterval time.Duration

	// ReadyTimeout bounds how long one dependency may take to satisfy its
	// condition. Default: 5 minutes.
	ReadyTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		PollInterval:  500 * time.Millisecond,
		ReadyTimeout:  5 * time.Minute,
	}
}

// Executor applies lifecycle operations across a project. Each service runs
// as its own task gated on the edges it participates in, so services in later
// waves start the moment their own dependencies are ready.
type Executor struct {
	runtime runtime.Runtime
	config  Config
	logger  *slog.Logger
}

// New creates an executor over the given runtime.
func New(rt runtime.Runtime, config Config, logger *slog.Logger) *Executor {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{runtime: rt, config: config, logger: logger}
}

// task is the per-service execution state. state and reason are written
// exactly once before done closes.
type task struct {
	name   string
	spec   *runtime.ContainerSpec
	done   chan struct{}
	state  State
	reason string
}

// prerequisite is one edge a task waits on before dispatching.
type prerequisite struct {
	task      *task
	condition compose.Condition
}

// Execute runs one operation over the targets (empty targets select the
// whole project) and reports the outcome per service. Planning failures such
// as unknown targets return an error; per-service failures land in the
// report instead.
func (e *Executor) Execute(ctx context.Context, g *graph.Graph, targets []string, op Operation, hostEnv runtime.HostEnv) (*Report, error) {
	var waves [][]string
	var err error
	if op.Reverse {
		waves, err = g.ReverseWaves(targets)
	} else {
		waves, err = g.ForwardWaves(targets)
	}
	if err != nil {
		return nil, err
	}

	report := newReport(op.Name, g.Project().Name, waves)
	tasks := make(map[string]*task, len(report.Results))
	for name := range report.Results {
		tasks[name] = &task{
			name: name,
			spec: runtime.NewContainerSpec(g.Project(), g.Service(name), hostEnv),
			done: make(chan struct{}),
		}
	}

	e.logger.Info("executing",
		"run_id", report.RunID,
		"operation", op.Name,
		"project", report.Project,
		"services", len(tasks),
		"waves", len(waves),
	)

	semaphore := make(chan struct{}, e.config.MaxConcurrent)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, t := range tasks {
		wg.Add(1)
		go func(name string, t *task) {
			defer wg.Done()
			e.runTask(ctx, t, prerequisites(g, tasks, name, op), op, semaphore, report, &mu)
		}(name, t)
	}
	wg.Wait()

	report.FinishedAt = time.Now()
	report.Cancelled = ctx.Err() != nil
	e.logger.Info("execution finished",
		"run_id", report.RunID,
		"outcome", report.Outcome(),
		"skipped", len(report.Skipped()),
	)
	return report, nil
}

// prerequisites computes the tasks one service must wait for: its
// dependencies for forward operations, its dependents for reverse ones.
// Edges leaving the selected set are ignored.
func prerequisites(g *graph.Graph, tasks map[string]*task, name string, op Operation) []prerequisite {
	var out []prerequisite
	if op.Reverse {
		for _, dependent := range g.Dependents(name) {
			if t, ok := tasks[dependent]; ok {
				out = append(out, prerequisite{task: t, condition: compose.ConditionStarted})
			}
		}
		return out
	}
	for dep, condition := range g.Dependencies(name) {
		if t, ok := tasks[dep]; ok {
			out = append(out, prerequisite{task: t, condition: condition})
		}
	}
	return out
}

func (e *Executor) runTask(
	ctx context.Context,
	t *task,
	prereqs []prerequisite,
	op Operation,
	semaphore chan struct{},
	report *Report,
	mu *sync.Mutex,
) {
	finish := func(state State, reason string) {
		t.state = state
		t.reason = reason
		mu.Lock()
		result := report.Results[t.name]
		result.State = state
		result.Reason = reason
		result.FinishedAt = time.Now()
		mu.Unlock()
		close(t.done)
	}

	for _, prereq := range prereqs {
		select {
		case <-prereq.task.done:
		case <-ctx.Done():
			finish(StateSkipped, "cancelled")
			return
		}
		if prereq.task.state != StateCompleted {
			finish(StateSkipped, fmt.Sprintf("dependency %s %s", prereq.task.name, prereq.task.state))
			return
		}
		if op.Gated && prereq.condition != compose.ConditionStarted {
			if err := e.awaitCondition(ctx, prereq.task.spec.Name, prereq.condition); err != nil {
				if ctx.Err() != nil {
					finish(StateSkipped, "cancelled")
					return
				}
				finish(StateSkipped, fmt.Sprintf("dependency %s: %v", prereq.task.name, err))
				return
			}
		}
	}

	// An available semaphore slot must not win the select over a cancelled
	// context, so check cancellation explicitly around the acquire.
	if ctx.Err() != nil {
		finish(StateSkipped, "cancelled")
		return
	}
	select {
	case semaphore <- struct{}{}:
	case <-ctx.Done():
		finish(StateSkipped, "cancelled")
		return
	}
	defer func() { <-semaphore }()

	if ctx.Err() != nil {
		finish(StateSkipped, "cancelled")
		return
	}

	mu.Lock()
	result := report.Results[t.name]
	result.State = StateRunning
	result.StartedAt = time.Now()
	mu.Unlock()

	e.logger.Debug("dispatching", "operation", op.Name, "service", t.name, "container", t.spec.Name)
	if err := op.Run(ctx, e.runtime, t.spec); err != nil {
		if ctx.Err() != nil {
			finish(StateSkipped, "cancelled")
			return
		}
		e.logger.Error("operation failed", "operation", op.Name, "service", t.name, "error", err)
		finish(StateFailed, err.Error())
		return
	}
	finish(StateCompleted, "")
}

// =============================================================================
// Readiness Polling
// =============================================================================

// awaitCondition polls the engine until the named container satisfies the
// condition or the attempt times out.
func (e *Executor) awaitCondition(ctx context.Context, container string, condition compose.Condition) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.config.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		state, err := e.runtime.InspectContainer(waitCtx, container)
		if err != nil {
			return err
		}
		satisfied, err := evaluateCondition(container, state, condition)
		if err != nil {
			return err
		}
		if satisfied {
			if condition == compose.ConditionHealthy && state.Health == runtime.HealthNone {
				e.logger.Warn("no healthcheck declared, treating running as healthy", "container", container)
			}
			return nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("timed out waiting for %s to become %s", container, condition)
		case <-ticker.C:
		}
	}
}

// evaluateCondition decides whether a state snapshot satisfies a condition.
// An error means the condition can no longer be met.
func evaluateCondition(container string, state runtime.ContainerState, condition compose.Condition) (bool, error) {
	if !state.Exists {
		return false, fmt.Errorf("container %s does not exist", container)
	}

	switch condition {
	case compose.ConditionHealthy:
		switch state.Health {
		case runtime.HealthHealthy:
			return true, nil
		case runtime.HealthUnhealthy:
			return false, fmt.Errorf("container %s is unhealthy", container)
		case runtime.HealthNone:
			// No healthcheck configured; running is the best signal there is.
			if state.Running {
				return true, nil
			}
		}
		if !state.Running && state.Health != runtime.HealthStarting {
			return false, fmt.Errorf("container %s exited before becoming healthy", container)
		}
		return false, nil

	case compose.ConditionCompletedSuccessfully:
		if state.Running || state.Paused {
			return false, nil
		}
		if state.ExitCode != 0 {
			return false, fmt.Errorf("container %s exited with code %d", container, state.ExitCode)
		}
		return true, nil

	default:
		return state.Running || state.Paused, nil
	}
}
