// Package compose contains pure functions for resolving layered compose
// documents into one canonical project model. This is part of the Functional
// Core - no I/O, no side effects.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Input validation errors
	ErrEmptyInput = errors.New("compose document is empty")

	// YAML parsing errors
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// Structure errors
	ErrNoServices = errors.New("compose project must define at least one service")

	// Service validation errors
	ErrServiceNoImage     = errors.New("service must have image or build")
	ErrServiceInvalidPort = errors.New("invalid port configuration")
	ErrHostModePorts      = errors.New("port mappings are not allowed with host network mode")
	ErrExternalAttributes = errors.New("external resource must not set other attributes")

	// Merge errors
	ErrIncompatibleShapes = errors.New("incompatible value shapes for the same field")

	// Unsupported feature errors
	ErrUnsupportedFeature = errors.New("unsupported compose feature")
)

// ValidationError wraps errors with context about where resolution failed.
// Path is the source document, Field the dotted location inside it.
type ValidationError struct {
	Path   string // e.g., "compose.yaml"
	Field  string // e.g., "services.web.ports[0]"
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	switch {
	case e.Path != "" && e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Path, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Reason)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new ValidationError.
func NewValidationError(path, field, reason string, err error) *ValidationError {
	return &ValidationError{
		Path:   path,
		Field:  field,
		Reason: reason,
		Err:    err,
	}
}
