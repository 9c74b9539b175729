package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	relay "github.com/bjoelf/trade-relay/adapter"
	"github.com/bjoelf/trade-relay/adapter/metrics"
)

// Options override the defaults of NewClient
type Options struct {
	// Dialer defaults to a dialer with a 30s handshake timeout
	Dialer *websocket.Dialer
	// Clock defaults to the system clock
	Clock Clock
	// BackOff defaults to the one derived from ReconnectDelay and ReconnectMaxDelay
	BackOff backoff.BackOff
	// OnStatus is called after every status change, on the manager goroutine
	OnStatus func(relay.Status)

	dial dialFunc
}

// Client keeps the command channel to the control server open and executes
// the trades it receives
type Client struct {
	manager *ConnectionManager
	status  *relay.StatusBoard
	logger  *slog.Logger
}

// NewClient wires the connection manager, handshake and dispatcher from cfg.
// Credentials are resolved from creds at the start of every connection attempt.
func NewClient(cfg *relay.Config, creds relay.CredentialSource, executor relay.TradeExecutor, logger *slog.Logger, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay-websocket")

	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}

	dial := opts.dial
	if dial == nil {
		dialer := opts.Dialer
		if dialer == nil {
			dialer = &websocket.Dialer{
				HandshakeTimeout: 30 * time.Second,
				ReadBufferSize:   4096,
				WriteBufferSize:  4096,
			}
		}
		dial = gorillaDialer(dialer, logger)
	}

	bo := opts.BackOff
	if bo == nil {
		bo = newBackOff(cfg.ReconnectDelay, cfg.ReconnectMaxDelay)
	}

	status := relay.NewStatusBoard(func(s relay.Status) {
		metrics.SetStatus(s)
		logger.Info("Status changed",
			"function", "StatusBoard",
			"status", string(s))
		if opts.OnStatus != nil {
			opts.OnStatus(s)
		}
	})

	manager := &ConnectionManager{
		scheme:      cfg.Scheme,
		host:        cfg.Host,
		credentials: creds,
		accounts:    cfg.Accounts,
		handshake: AuthHandshake{
			Timeout: cfg.HandshakeTimeout,
			Clock:   clock,
			Logger:  logger,
		},
		dispatcher: NewCommandDispatcher(executor, cfg.Accounts, cfg.KeepaliveInterval, clock, logger),
		status:     status,
		backOff:    bo,
		clock:      clock,
		dial:       dial,
		logger:     logger,
	}

	return &Client{
		manager: manager,
		status:  status,
		logger:  logger,
	}
}

// Run blocks until the session ends for good. See ConnectionManager.Run.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("Starting relay client",
		"function", "Run",
		"host", c.manager.host)
	return c.manager.Run(ctx)
}

// Status returns the last published status. Safe for concurrent use.
func (c *Client) Status() relay.Status {
	return c.status.Current()
}
