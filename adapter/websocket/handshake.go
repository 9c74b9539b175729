package websocket

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/bjoelf/trade-relay/adapter"
)

// AuthHandshake performs the login exchange at the start of each connection
type AuthHandshake struct {
	Timeout time.Duration
	Clock   Clock
	Logger  *slog.Logger
}

// Perform sends login and waits for exactly one reply. Any outcome other than
// auth_ok is an *relay.AuthError, except context cancellation which returns ctx.Err().
func (h AuthHandshake) Perform(ctx context.Context, s *session, creds relay.Credentials, accounts []string) error {
	h.Logger.Info("Sending login",
		"function", "Perform",
		"username", creds.Username,
		"accounts", len(accounts))

	if err := s.send(LoginEnvelope(creds.Token, accounts)); err != nil {
		return &relay.AuthError{Reason: "could not send login", Err: err}
	}

	timer := h.Clock.NewTimer(h.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-timer.C():
		return &relay.AuthError{Reason: "timed out waiting for login reply"}

	case frame := <-s.inbound:
		if frame.Err != nil {
			return &relay.AuthError{Reason: "connection closed during login", Err: frame.Err}
		}
		env, err := Decode(frame.Data)
		if err != nil {
			return &relay.AuthError{Reason: "invalid login reply", Err: err}
		}
		if env.Code != CodeAuthOK {
			return &relay.AuthError{Code: env.Code, Reason: "login rejected"}
		}
	}

	s.authenticated = true
	h.Logger.Info("Authenticated",
		"function", "Perform",
		"username", creds.Username)
	return nil
}
