package errdefs

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; every *Error unwraps to its kind.
var (
	ErrMissingParameter = errors.New("missing parameter value")
	ErrInvalidParameter = errors.New("invalid parameter value")
	ErrDeployFailure    = errors.New("instance deploy failure")
	ErrNodeLocked       = errors.New("node locked")
	ErrInvalidState     = errors.New("invalid state")
	ErrNotFound         = errors.New("not found")

	// Image service conditions, translated by the descriptor builder.
	ErrImageNotFound      = errors.New("image not found")
	ErrImageNotAuthorized = errors.New("image not authorized")
	ErrImageRefValidation = errors.New("image reference validation failed")
)

// Error is a taxonomy-tagged error with a human-readable message.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

// Kind returns the sentinel this error is tagged with.
func (e *Error) Kind() error { return e.kind }

// New creates an Error of the given kind.
func New(kind error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func MissingParameter(format string, args ...any) error {
	return New(ErrMissingParameter, format, args...)
}

func InvalidParameter(format string, args ...any) error {
	return New(ErrInvalidParameter, format, args...)
}

// DeployFailure carries the reason reported by the deploy executor.
func DeployFailure(format string, args ...any) error {
	return New(ErrDeployFailure, format, args...)
}

func NodeLocked(nodeID, holder string) error {
	return New(ErrNodeLocked, "node %s is locked by %s, please retry after the current operation is completed", nodeID, holder)
}

func InvalidState(format string, args ...any) error {
	return New(ErrInvalidState, format, args...)
}

func NotFound(format string, args ...any) error {
	return New(ErrNotFound, format, args...)
}

func IsMissingParameter(err error) bool { return errors.Is(err, ErrMissingParameter) }
func IsInvalidParameter(err error) bool { return errors.Is(err, ErrInvalidParameter) }
func IsDeployFailure(err error) bool    { return errors.Is(err, ErrDeployFailure) }
func IsNodeLocked(err error) bool       { return errors.Is(err, ErrNodeLocked) }
func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
