package canbus

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed         = errors.New("bus is shut down")
	ErrAlreadyStarted    = errors.New("bus already started")
	ErrDroppedFrame      = errors.New("receive queue full, frame dropped")
	ErrConnectionTimeout = errors.New("connection timeout")
)

// InvalidParameterError reports a construction-time validation failure.
// It identifies the field, the offending value and the violated
// constraint. These errors indicate a programming error and are never
// worth retrying.
type InvalidParameterError struct {
	Param  string
	Value  any
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid value '%v' for parameter '%s' - %s", e.Value, e.Param, e.Reason)
}

// ConfigError reports that a requested channel or capability
// combination is unavailable. Raised during backend setup, before any
// I/O is attempted.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransportError reports a fatal bus-down condition such as a socket
// error or an unexpected hardware error code. The bus is unusable until
// it is reopened; queued state is not corrupted.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}
