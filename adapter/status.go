package relay

import "sync/atomic"

// Status is the externally visible state of the relay
type Status string

const (
	StatusStarting               Status = "Starting"
	StatusConnected              Status = "Connected"
	StatusConnectionError        Status = "Connection Error"
	StatusIncorrectConfiguration Status = "Incorrect Configuration"
	StatusNotConfigured          Status = "Not Configured"
	StatusErrorAuthenticating    Status = "Error Authenticating"
	StatusUnknownError           Status = "Unknown Error"
	StatusDisconnected           Status = "Disconnected"
)

// AllStatuses lists every status value, in display order
func AllStatuses() []Status {
	return []Status{
		StatusStarting,
		StatusConnected,
		StatusConnectionError,
		StatusIncorrectConfiguration,
		StatusNotConfigured,
		StatusErrorAuthenticating,
		StatusUnknownError,
		StatusDisconnected,
	}
}

// StatusBoard publishes the current status. Only the connection manager
// writes it; readers never touch channel state.
type StatusBoard struct {
	current  atomic.Value
	onChange func(Status)
}

// NewStatusBoard creates a board holding StatusStarting.
// onChange, when non-nil, is called on the writer goroutine after every change.
func NewStatusBoard(onChange func(Status)) *StatusBoard {
	b := &StatusBoard{onChange: onChange}
	b.current.Store(StatusStarting)
	if onChange != nil {
		onChange(StatusStarting)
	}
	return b
}

// Publish replaces the current status
func (b *StatusBoard) Publish(s Status) {
	prev := b.current.Swap(s)
	if b.onChange != nil && prev != s {
		b.onChange(s)
	}
}

// Current returns the last published status
func (b *StatusBoard) Current() Status {
	return b.current.Load().(Status)
}
