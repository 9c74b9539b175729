package relay

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned by LoadConfig when no setting is present at all
var ErrNotConfigured = errors.New("relay is not configured")

// DecodeError reports an inbound frame that is not a valid envelope
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AuthError reports a failed login handshake. It is never retried.
type AuthError struct {
	// Code is the reply code when the server answered with something other than auth_ok
	Code   string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" (code=%q)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError reports the end of a connection.
// Clean closures end the session, others are retried.
type TransportError struct {
	Clean bool
	Err   error
}

func (e *TransportError) Error() string {
	if e.Clean {
		return fmt.Sprintf("connection closed: %v", e.Err)
	}
	return fmt.Sprintf("connection lost: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the connection manager should reconnect
func (e *TransportError) Retryable() bool { return !e.Clean }

// CommandError reports a trade command that could not be validated or executed.
// It is reported back over the channel and never affects the connection.
type CommandError struct {
	Field   string
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Field, e.Message, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecutionError is the typed failure of a TradeExecutor.
// Message is what gets reported to the server.
type ExecutionError struct {
	Message string
	Err     error
}

// NewExecutionError wraps err with a human-readable message
func NewExecutionError(message string, err error) *ExecutionError {
	return &ExecutionError{Message: message, Err: err}
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ConfigurationError reports missing or invalid settings
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Key, e.Reason)
}

// StatusForError maps a terminal error onto the published status
func StatusForError(err error) Status {
	var (
		authErr   *AuthError
		cfgErr    *ConfigurationError
		transport *TransportError
	)
	switch {
	case err == nil:
		return StatusDisconnected
	case errors.Is(err, ErrNotConfigured):
		return StatusNotConfigured
	case errors.As(err, &cfgErr):
		return StatusIncorrectConfiguration
	case errors.As(err, &authErr):
		return StatusErrorAuthenticating
	case errors.As(err, &transport):
		return StatusConnectionError
	default:
		return StatusUnknownError
	}
}
