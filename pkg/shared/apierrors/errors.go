// Package apierrors implements the controller's error taxonomy: a small set
// of sentinel classes (validation, authorization, conflict, upstream
// transient/permanent, timeout, internal) plus a context-carrying wrapper
// type used throughout the controller to attach operation/component/
// resource context to an underlying cause.
package apierrors

import (
	"errors"
	"fmt"
)

// Sentinel classes. Use errors.Is against these to classify a returned
// error without depending on its concrete type.
var (
	ErrValidation        = errors.New("validation error")
	ErrAuthorization     = errors.New("authorization error")
	ErrConflict          = errors.New("resource conflict")
	ErrUpstreamTransient = errors.New("upstream transient error")
	ErrUpstreamPermanent = errors.New("upstream permanent error")
	ErrTimeout           = errors.New("operation timeout")
	ErrInternal          = errors.New("internal invariant violation")

	// ErrNotFound and ErrAlreadyExists are narrower conflict/validation
	// cases callers frequently need to distinguish on their own.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrImageUnknown  = errors.New("image unknown")
)

// OperationError carries the operation being attempted, the component that
// attempted it, and optionally which resource, wrapping an underlying
// cause. Its Error() format matches the teacher's shape exactly:
//
//	failed to <operation>[, component: <component>][, resource: <resource>][, cause: <cause>]
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

// FailedTo builds a minimal OperationError of the form "failed to
// <action>: <cause>", or just "failed to <action>" when cause is nil.
func FailedTo(action string, cause error) error {
	return &operationErrorShort{action: action, cause: cause}
}

// operationErrorShort renders with a colon separator instead of the
// ", cause:" form used by OperationError, matching the teacher's two
// distinct constructors (FailedTo vs FailedToWithDetails) having two
// distinct rendering styles.
type operationErrorShort struct {
	action string
	cause  error
}

func (e *operationErrorShort) Error() string {
	if e.cause == nil {
		return "failed to " + e.action
	}
	return fmt.Sprintf("failed to %s: %s", e.action, e.cause.Error())
}

func (e *operationErrorShort) Unwrap() error {
	return e.cause
}

// FailedToWithDetails builds a full OperationError with component and
// resource context attached.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{
		Operation: operation,
		Component: component,
		Resource:  resource,
		Cause:     cause,
	}
}

// Wrapf wraps err with an additional formatted message, "<msg>: <err>".
// Returns nil if err is nil, matching fmt.Errorf-style wrapping but
// without requiring a %w verb at every call site.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Classify maps a sentinel to an OperationError tagged with it, so callers
// can both errors.Is-test the class and read a human message.
func Classify(class error, operation string, cause error) error {
	return &OperationError{
		Operation: operation,
		Cause:     joinClass(class, cause),
	}
}

func joinClass(class, cause error) error {
	if cause == nil {
		return class
	}
	return fmt.Errorf("%w: %s", class, cause.Error())
}
