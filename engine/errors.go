package engine

import (
	"errors"
	"fmt"

	"github.com/tomyedwab/sqlvar/sqlproxy/types"
)

// ErrorKind represents different categories of errors
type ErrorKind int

const (
	// KindUnknown represents an unknown error
	KindUnknown ErrorKind = iota
	// KindInvalidShape represents an unsupported shape or native type
	KindInvalidShape
	// KindOutOfBounds represents an index or position outside a valid range
	KindOutOfBounds
	// KindTypeMismatch represents a value or handle of the wrong type
	KindTypeMismatch
	// KindInvalidHandle represents use of a released entity
	KindInvalidHandle
	// KindCapacityExceeded represents overflow of a variable that cannot grow
	KindCapacityExceeded
	// KindServerRejected represents a refusal reported by the server
	KindServerRejected
	// KindInvalidState represents an operation not allowed in the
	// current lifecycle state
	KindInvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidShape:
		return "invalid shape"
	case KindOutOfBounds:
		return "out of bounds"
	case KindTypeMismatch:
		return "type mismatch"
	case KindInvalidHandle:
		return "invalid handle"
	case KindCapacityExceeded:
		return "capacity exceeded"
	case KindServerRejected:
		return "server rejected"
	case KindInvalidState:
		return "invalid state"
	}
	return "unknown"
}

// Error represents a structured error with the operation that failed
type Error struct {
	Kind ErrorKind
	// FnName is the operation that failed, e.g. "Var.SetValue"
	FnName string
	// Action is a short hint of what the operation was doing
	Action  string
	Message string
	// Code and Offset are set for server refusals
	Code   int
	Offset int
	Cause  error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Kind == KindServerRejected && e.Code != 0 {
		msg = fmt.Sprintf("SQV-%05d: %s", e.Code, e.Message)
	}
	if e.Action != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.FnName, e.Kind, e.Action, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.FnName, e.Kind, msg)
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsKind checks if the error is of a specific kind
func (e *Error) IsKind(kind ErrorKind) bool {
	return e.Kind == kind
}

func newError(kind ErrorKind, fnName, action, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		FnName:  fnName,
		Action:  action,
		Message: fmt.Sprintf(format, args...),
	}
}

// serverRejected wraps a failed server call.
func serverRejected(fnName, action string, err error) *Error {
	e := &Error{
		Kind:    KindServerRejected,
		FnName:  fnName,
		Action:  action,
		Message: err.Error(),
		Cause:   err,
	}
	var se *types.ServerError
	if errors.As(err, &se) {
		e.Code = se.Code
		e.Message = se.Message
		e.Offset = se.Offset
	}
	return e
}

// IsKind checks if err is an engine error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsKind(kind)
	}
	return false
}

// IsOutOfBoundsError checks if an error is an index or position error
func IsOutOfBoundsError(err error) bool {
	return IsKind(err, KindOutOfBounds)
}

// IsInvalidHandleError checks if an error is caused by a released entity
func IsInvalidHandleError(err error) bool {
	return IsKind(err, KindInvalidHandle)
}

// IsTypeMismatchError checks if an error is a type mismatch
func IsTypeMismatchError(err error) bool {
	return IsKind(err, KindTypeMismatch)
}

// IsServerError checks if an error was reported by the server
func IsServerError(err error) bool {
	return IsKind(err, KindServerRejected)
}
