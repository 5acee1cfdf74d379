// Package errors defines the error taxonomy shared across the engine.
//
// Every error that can cross a session boundary or a plugin boundary is one
// of the types declared here. Backend-specific errors are translated into
// one of these at the point they are caught; nothing else is allowed to
// leak further up the stack (see spec §7, "Propagation policy").
package errors

import (
	"errors"
	"fmt"
)

// Configuration errors, returned by config.LoadProfiles and
// config.ResolveProfileNames.
var (
	ErrMissingBackendProfiles = errors.New("at least one backend profile is required")
	ErrUnknownProfile         = errors.New("unknown backend profile")
	ErrInvalidCredentials     = errors.New("could not locate or parse credentials file")
)

// LeetError signals an invariant violation inside the coordinator itself
// (an unknown control message, an illegal job state transition). It is
// fatal to the message being processed and is logged, never surfaced to a
// plugin.
type LeetError struct {
	Msg string
}

func (e *LeetError) Error() string { return e.Msg }

// NewLeetError builds a LeetError with a formatted message.
func NewLeetError(format string, args ...interface{}) *LeetError {
	return &LeetError{Msg: fmt.Sprintf(format, args...)}
}

// SessionError means the remote channel to a machine was lost. Stop, when
// true, tells the coordinator not to re-arm the online probe: the backend
// has given up on this machine for the lifetime of the job.
type SessionError struct {
	Msg  string
	Stop bool
	err  error
}

func (e *SessionError) Error() string { return e.Msg }
func (e *SessionError) Unwrap() error { return e.err }

// NewSessionError builds a SessionError, optionally wrapping a cause.
func NewSessionError(msg string, stop bool, cause error) *SessionError {
	return &SessionError{Msg: msg, Stop: stop, err: cause}
}

// CommandError means a single session operation failed but the session
// itself is still usable.
type CommandError struct {
	Msg string
	err error
}

func (e *CommandError) Error() string { return e.Msg }
func (e *CommandError) Unwrap() error { return e.err }

// NewCommandError builds a CommandError, optionally wrapping a cause.
func NewCommandError(msg string, cause error) *CommandError {
	return &CommandError{Msg: msg, err: cause}
}

// PluginError is the only error a plugin may raise to report failure. The
// plugin-execution wrapper turns it into a job Error status with the
// message captured as the single result row.
type PluginError struct {
	Msg string
	err error
}

func (e *PluginError) Error() string { return e.Msg }
func (e *PluginError) Unwrap() error { return e.err }

// NewPluginError builds a PluginError, optionally wrapping a cause.
func NewPluginError(msg string, cause error) *PluginError {
	return &PluginError{Msg: msg, err: cause}
}

// AsSessionError reports whether err is (or wraps) a *SessionError.
func AsSessionError(err error) (*SessionError, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// AsCommandError reports whether err is (or wraps) a *CommandError.
func AsCommandError(err error) (*CommandError, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// AsPluginError reports whether err is (or wraps) a *PluginError.
func AsPluginError(err error) (*PluginError, bool) {
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
