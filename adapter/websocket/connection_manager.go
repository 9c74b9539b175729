package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	relay "github.com/bjoelf/trade-relay/adapter"
	"github.com/bjoelf/trade-relay/adapter/metrics"
)

// dialFunc opens the transport for one attempt
type dialFunc func(ctx context.Context, url string) (Conn, error)

// ConnectionManager owns the connection lifecycle and is the only place
// reconnection policy lives.
type ConnectionManager struct {
	scheme      string
	host        string
	credentials relay.CredentialSource
	accounts    relay.AccountSet
	handshake   AuthHandshake
	dispatcher  *CommandDispatcher
	status      *relay.StatusBoard
	backOff     backoff.BackOff
	clock       Clock
	dial        dialFunc
	logger      *slog.Logger
}

// newBackOff returns a constant delay, or exponential growth up to maxDelay when it exceeds delay
func newBackOff(delay, maxDelay time.Duration) backoff.BackOff {
	if maxDelay <= delay {
		return backoff.NewConstantBackOff(delay)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = delay
	exp.MaxInterval = maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	return exp
}

// gorillaDialer adapts a *websocket.Dialer. Self-signed test servers are
// reached by setting Dialer.TLSClientConfig.
func gorillaDialer(dialer *websocket.Dialer, logger *slog.Logger) dialFunc {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
		if err != nil {
			if resp != nil {
				logger.Error("WebSocket handshake failed",
					"function", "dial",
					"status_code", resp.StatusCode)
				return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
			}
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return conn, nil
	}
}

// Run connects, authenticates and dispatches until the session ends for good.
// It returns nil after a graceful close, the *relay.AuthError of a failed login,
// or ctx.Err() when canceled.
func (m *ConnectionManager) Run(ctx context.Context) error {
	m.backOff.Reset()

	for {
		err := m.runOnce(ctx)

		if ctxErr := ctx.Err(); ctxErr != nil {
			m.logger.Info("Connection manager stopped",
				"function", "Run")
			m.status.Publish(relay.StatusDisconnected)
			return ctxErr
		}

		var authErr *relay.AuthError
		if errors.As(err, &authErr) {
			m.logger.Error("Authentication failed, not reconnecting",
				"function", "Run",
				"error", err)
			m.status.Publish(relay.StatusErrorAuthenticating)
			return err
		}

		var transportErr *relay.TransportError
		if err == nil || (errors.As(err, &transportErr) && !transportErr.Retryable()) {
			m.logger.Info("Session ended gracefully",
				"function", "Run")
			m.status.Publish(relay.StatusDisconnected)
			return nil
		}

		m.status.Publish(relay.StatusConnectionError)

		delay := m.backOff.NextBackOff()
		if delay == backoff.Stop {
			m.logger.Error("Reconnection budget exhausted",
				"function", "Run",
				"error", err)
			return err
		}

		m.logger.Warn("Connection lost, reconnecting",
			"function", "Run",
			"error", err,
			"delay", delay)

		if err := m.wait(ctx, delay); err != nil {
			m.status.Publish(relay.StatusDisconnected)
			return err
		}
		metrics.Reconnects.Inc()
	}
}

// runOnce is one connection attempt: credentials, dial, handshake, dispatch
func (m *ConnectionManager) runOnce(ctx context.Context) error {
	metrics.ConnectionAttempts.Inc()

	creds, err := m.credentials.Credentials(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var authErr *relay.AuthError
		if errors.As(err, &authErr) {
			return err
		}
		return &relay.TransportError{Clean: false, Err: fmt.Errorf("could not obtain token: %w", err)}
	}

	url := SubscribeURL(m.scheme, m.host, creds.Username)
	m.logger.Info("Connecting",
		"function", "runOnce",
		"url", url)

	conn, err := m.dial(ctx, url)
	if err != nil {
		return &relay.TransportError{Clean: false, Err: err}
	}

	s := newSession(conn, m.clock, m.logger)
	s.start()
	defer s.close()

	if err := m.handshake.Perform(ctx, s, creds, m.accounts.Names()); err != nil {
		return err
	}

	m.backOff.Reset()
	m.status.Publish(relay.StatusConnected)

	return m.dispatcher.Run(ctx, s, creds)
}

func (m *ConnectionManager) wait(ctx context.Context, delay time.Duration) error {
	timer := m.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
