package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the remediation loop.
//
// Local errors (validation, fix application, lock contention) reject a single
// attempt and the loop continues. Build infrastructure failures and safety
// threshold breaches end the whole session.
var (
	ErrValidation              = errors.New("validation error")
	ErrFixApplication          = errors.New("fix application failure")
	ErrBuildInfrastructure     = errors.New("build infrastructure failure")
	ErrSafetyThresholdExceeded = errors.New("safety threshold exceeded")
	ErrStateCorruption         = errors.New("state corruption")

	ErrLockHeld      = errors.New("lock held by another holder")
	ErrLockNotHeld   = errors.New("lock not held")
	ErrNoStrategy    = errors.New("no automated remedy")
	ErrSessionActive = errors.New("a fix session is already running")
	ErrNotFound      = errors.New("not found")
)

// FixError wraps an error with the operation and path it happened on
type FixError struct {
	Kind error  // one of the sentinels above
	Op   string // e.g. "apply", "verify", "repair"
	Path string // file or record key, optional
	Err  error  // underlying cause, optional
}

func (e *FixError) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As
func (e *FixError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds a FixError
func NewError(kind error, op, path string, err error) error {
	return &FixError{Kind: kind, Op: op, Path: path, Err: err}
}

// Validationf builds a ValidationError with a formatted cause
func Validationf(op, path, format string, args ...any) error {
	return NewError(ErrValidation, op, path, fmt.Errorf(format, args...))
}

// FixApplicationf builds a FixApplicationFailure with a formatted cause
func FixApplicationf(op, path, format string, args ...any) error {
	return NewError(ErrFixApplication, op, path, fmt.Errorf(format, args...))
}

// IsLocal reports whether err only affects the current attempt
func IsLocal(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrFixApplication) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrNoStrategy)
}

// IsSessionFatal reports whether err must terminate the whole session
func IsSessionFatal(err error) bool {
	return errors.Is(err, ErrBuildInfrastructure) || errors.Is(err, ErrSafetyThresholdExceeded)
}
