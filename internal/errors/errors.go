// Package errors provides a small set of wrapping helpers used for
// infrastructure-level failures throughout the service. Business
// outcomes (rejection, duplicate detection) are never represented as
// errors; see pkg/apperr for those.
package errors

import "fmt"

// OperationError describes a failed operation with optional component
// and resource context, preserving the underlying cause for errors.Is /
// errors.As.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := "failed to " + e.Operation
	if e.Component != "" {
		msg += ", component: " + e.Component
	}
	if e.Resource != "" {
		msg += ", resource: " + e.Resource
	}
	if e.Cause != nil {
		msg += ", cause: " + e.Cause.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a "failed to <action>" error, appending ": <cause>"
// when cause is non-nil and keeping it reachable through errors.Is /
// errors.As.
func FailedTo(action string, cause error) error {
	if cause == nil {
		return &OperationError{Operation: action}
	}
	return fmt.Errorf("failed to %s: %w", action, cause)
}

// FailedToWithDetails builds an OperationError carrying component and
// resource context in addition to the action and cause.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{
		Operation: action,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf annotates err with a formatted message, returning nil if err is
// nil (so call sites can Wrapf unconditionally).
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", msg, err)
}
