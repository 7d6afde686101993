// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrForbidden indicates the caller is not allowed to act on the resource.
var ErrForbidden = errors.New("forbidden")

// Lifecycle error kinds returned by the agent supervisor.
var (
	// ErrDefinitionDisabled is returned when deploying a disabled agent definition.
	ErrDefinitionDisabled = errors.New("agent definition is disabled")

	// ErrDependencyUnavailable is returned when required backend tooling is unreachable.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrLaunchFailed is returned when the execution backend rejected or failed a launch.
	ErrLaunchFailed = errors.New("launch failed")

	// ErrInvalidTransition is returned when a lifecycle precondition is violated.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrOperationFailed is returned when a backend command ran but signaled failure,
	// or when the primary state write could not be persisted.
	ErrOperationFailed = errors.New("operation failed")

	// ErrInternalInconsistency is returned when a stored record violates an invariant.
	ErrInternalInconsistency = errors.New("internal inconsistency")
)
