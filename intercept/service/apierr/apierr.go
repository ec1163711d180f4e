package apierr

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalParameter = errors.New("illegal parameter")
	ErrMissingParameter = errors.New("missing parameter")
	ErrNotFound         = errors.New("does not exist")
	ErrModeViolation    = errors.New("mode violation")
	ErrAlreadyExists    = errors.New("already exists")
	ErrBadState         = errors.New("bad state")
	ErrInternal         = errors.New("internal error")
)

// Illegal reports a malformed or out of range parameter.
func Illegal(param string) error {
	return fmt.Errorf("%w: %s", ErrIllegalParameter, param)
}

// Illegalf reports a malformed parameter with a custom detail message.
func Illegalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIllegalParameter, fmt.Sprintf(format, args...))
}

// Missing reports a required parameter that was not supplied.
func Missing(param string) error {
	return fmt.Errorf("%w: %s", ErrMissingParameter, param)
}

// NotFound reports a referenced id, index or path that does not exist.
func NotFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

// AlreadyExists reports a collision with an existing resource.
func AlreadyExists(what string) error {
	return fmt.Errorf("%w: %s", ErrAlreadyExists, what)
}

// BadState reports an operation refused because of current state.
func BadState(msg string) error {
	return fmt.Errorf("%w: %s", ErrBadState, msg)
}

// ModeViolation reports a target blocked by the current mode.
func ModeViolation(target string) error {
	return fmt.Errorf("%w: %s", ErrModeViolation, target)
}

// Internal wraps a transport, database or IO failure.
func Internal(err error) error {
	if err == nil {
		return nil
	} else if errors.Is(err, ErrInternal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// Code returns the stable code name for the error class.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIllegalParameter):
		return "illegal_parameter"
	case errors.Is(err, ErrMissingParameter):
		return "missing_parameter"
	case errors.Is(err, ErrNotFound):
		return "does_not_exist"
	case errors.Is(err, ErrModeViolation):
		return "mode_violation"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrBadState):
		return "bad_state"
	default:
		return "internal_error"
	}
}

// Message renders the caller-visible text for err.
// Internal failures are reduced to a generic message unless verbose is set.
func Message(err error, verbose bool) string {
	if err == nil {
		return ""
	}
	if Code(err) == "internal_error" && !verbose {
		return ErrInternal.Error()
	}
	return err.Error()
}
