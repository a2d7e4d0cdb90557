// Package graph derives the service dependency graph from a resolved project
// and computes execution order over it. This is part of the Functional Core -
// no I/O, no side effects.
package graph

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrDanglingReference is returned when a service points at a service,
	// network, volume, secret or config that no document declares.
	ErrDanglingReference = errors.New("reference to undeclared resource")

	// ErrDependencyCycle is returned when the dependency graph is not acyclic.
	ErrDependencyCycle = errors.New("dependency cycle detected")

	// ErrUnknownService is returned when a requested target service does not
	// exist in the project.
	ErrUnknownService = errors.New("no such service")
)

// DanglingReferenceError identifies the exact reference that points nowhere.
type DanglingReferenceError struct {
	Service   string // service holding the reference
	Field     string // e.g., "depends_on", "links", "networks"
	Reference string // the missing name
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("service %q: %s references undeclared %q", e.Service, e.Field, e.Reference)
}

func (e *DanglingReferenceError) Unwrap() error {
	return ErrDanglingReference
}

// CycleError carries one complete cycle through the graph. Path starts and
// ends on the same service.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}
