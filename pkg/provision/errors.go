// Package provision implements the datasource lifecycle orchestrator: the
// component that sequences provisioning across the storage, directory,
// governance, and warehouse subsystems, persists enough state to resume or
// reverse a partially completed operation, and tears resources down again
// while tolerating partial failure in any one subsystem.
package provision

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned by record stores when no record exists for
// a datasource name.
var ErrRecordNotFound = errors.New("datasource record not found")

// ErrorClass classifies a remote failure for retry and recovery decisions.
type ErrorClass string

const (
	// ErrClassTransient indicates a network-level failure that may succeed
	// on retry: connection refused, timeout, temporary unavailability.
	ErrClassTransient ErrorClass = "transient"

	// ErrClassConflict indicates the remote resource already exists. Ensure
	// operations treat this as success.
	ErrClassConflict ErrorClass = "conflict"

	// ErrClassPropagation indicates a permission or directory change has not
	// yet become visible remotely. Retried with its own bounded backoff,
	// separate from the general retry policy.
	ErrClassPropagation ErrorClass = "propagation"

	// ErrClassInUse indicates a resource cannot be replaced because
	// dependents still reference it. Triggers a one-shot dependent cleanup,
	// never a generic retry.
	ErrClassInUse ErrorClass = "in-use"

	// ErrClassAuth indicates the remote rejected our credentials. Never
	// retried; surfaced distinctly so operators know timing is not at fault.
	ErrClassAuth ErrorClass = "auth"

	// ErrClassNotFound indicates the resource does not exist. Delete paths
	// treat this as success.
	ErrClassNotFound ErrorClass = "not-found"

	// ErrClassPermanent is every other failure: surfaced immediately.
	ErrClassPermanent ErrorClass = "permanent"
)

// ProvisionError is a classified remote failure with enough context to
// decide retry behavior without inspecting message text at call sites.
type ProvisionError struct {
	// Class drives retry and recovery logic.
	Class ErrorClass

	// Message is the human-readable summary.
	Message string

	// Subsystem names the adapter that produced the error.
	Subsystem string

	// Operation is the remote operation being performed.
	Operation string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ProvisionError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Subsystem != "" || e.Operation != "" {
		msg = fmt.Sprintf("%s (subsystem=%s, operation=%s)", msg, e.Subsystem, e.Operation)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// WithSubsystem adds the originating adapter to the error.
func (e *ProvisionError) WithSubsystem(name string) *ProvisionError {
	e.Subsystem = name
	return e
}

// WithOperation adds the remote operation to the error.
func (e *ProvisionError) WithOperation(op string) *ProvisionError {
	e.Operation = op
	return e
}

// NewTransientError creates a transient network-class error.
func NewTransientError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrClassTransient, Message: message, Err: err}
}

// NewConflictError creates an already-exists error.
func NewConflictError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrClassConflict, Message: message, Err: err}
}

// NewPropagationError creates a permissions-not-yet-visible error.
func NewPropagationError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrClassPropagation, Message: message, Err: err}
}

// NewInUseError creates a resource-in-use conflict error.
func NewInUseError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrClassInUse, Message: message, Err: err}
}

// NewAuthError creates an authentication-rejection error.
func NewAuthError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrClassAuth, Message: message, Err: err}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrClassNotFound, Message: message, Err: err}
}

// NewPermanentError creates a non-recoverable error.
func NewPermanentError(message string, err error) *ProvisionError {
	return &ProvisionError{Class: ErrClassPermanent, Message: message, Err: err}
}

// ClassOf returns the class of err, or ErrClassPermanent when err carries no
// classification.
func ClassOf(err error) ErrorClass {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ErrClassPermanent
}

// IsTransient reports whether err is a transient network failure.
func IsTransient(err error) bool { return ClassOf(err) == ErrClassTransient }

// IsConflict reports whether err means the resource already exists.
func IsConflict(err error) bool { return ClassOf(err) == ErrClassConflict }

// IsPropagation reports whether err is a permission propagation delay.
func IsPropagation(err error) bool { return ClassOf(err) == ErrClassPropagation }

// IsInUse reports whether err is a resource-in-use conflict.
func IsInUse(err error) bool { return ClassOf(err) == ErrClassInUse }

// IsAuth reports whether err is an authentication rejection.
func IsAuth(err error) bool { return ClassOf(err) == ErrClassAuth }

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool { return ClassOf(err) == ErrClassNotFound }
