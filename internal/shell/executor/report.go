// Package executor runs lifecycle operations over the dependency graph with
// bounded concurrency, readiness gating and failure propagation.
package executor

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Service States
// =============================================================================

// State is the lifecycle position of one service within a run.
type State string

const (
	// StatePending means the service has not been dispatched yet.
	StatePending State = "pending"

	// StateRunning means the operation for the service is in flight.
	StateRunning State = "running"

	// StateCompleted means the operation finished successfully.
	StateCompleted State = "completed"

	// StateFailed means the operation returned an error.
	StateFailed State = "failed"

	// StateSkipped means the service was never dispatched because a
	// dependency failed or the run was cancelled.
	StateSkipped State = "skipped"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// =============================================================================
// Reports
// =============================================================================

// ServiceResult is the outcome of one service within a run.
type ServiceResult struct {
	Service    string
	State      State
	Reason     string // failure or skip explanation, empty on success
	StartedAt  time.Time
	FinishedAt time.Time
}

// Report summarizes one execution run.
type Report struct {
	RunID      string
	Operation  string
	Project    string
	Waves      [][]string // planned order, for display
	Results    map[string]*ServiceResult
	StartedAt  time.Time
	FinishedAt time.Time
	Cancelled  bool
}

func newReport(operation, project string, waves [][]string) *Report {
	report := &Report{
		RunID:     uuid.New().String(),
		Operation: operation,
		Project:   project,
		Waves:     waves,
		Results:   make(map[string]*ServiceResult),
		StartedAt: time.Now(),
	}
	for _, wave := range waves {
		for _, service := range wave {
			report.Results[service] = &ServiceResult{Service: service, State: StatePending}
		}
	}
	return report
}

// Services returns the participating service names in sorted order.
func (r *Report) Services() []string {
	names := make([]string, 0, len(r.Results))
	for name := range r.Results {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Failed reports whether any service failed.
func (r *Report) Failed() bool {
	for _, result := range r.Results {
		if result.State == StateFailed {
			return true
		}
	}
	return false
}

// Skipped returns the services that were never dispatched, sorted.
func (r *Report) Skipped() []string {
	var names []string
	for name, result := range r.Results {
		if result.State == StateSkipped {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Outcome is the rolled-up result for exit codes and journaling.
func (r *Report) Outcome() string {
	switch {
	case r.Failed():
		return "failed"
	case r.Cancelled:
		return "cancelled"
	default:
		return "completed"
	}
}
