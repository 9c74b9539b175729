package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	relay "github.com/bjoelf/trade-relay/adapter"
	"github.com/bjoelf/trade-relay/adapter/metrics"
)

// CommandDispatcher is the receive loop of an authenticated connection.
// It handles one trade at a time; frames arriving meanwhile wait in the session queue.
type CommandDispatcher struct {
	executor          relay.TradeExecutor
	accounts          relay.AccountSet
	keepaliveInterval time.Duration
	clock             Clock
	logger            *slog.Logger

	state   dispatchState
	pending PendingCommandContext
}

// NewCommandDispatcher creates a dispatcher in the idle state
func NewCommandDispatcher(executor relay.TradeExecutor, accounts relay.AccountSet, keepaliveInterval time.Duration, clock Clock, logger *slog.Logger) *CommandDispatcher {
	return &CommandDispatcher{
		executor:          executor,
		accounts:          accounts,
		keepaliveInterval: keepaliveInterval,
		clock:             clock,
		logger:            logger,
	}
}

// Run services the session until it ends. It returns nil after a close command,
// a *relay.TransportError when the transport ends, or ctx.Err() on cancellation.
func (d *CommandDispatcher) Run(ctx context.Context, s *session, creds relay.Credentials) error {
	d.state = stateIdle
	d.pending.clear()

	keepalive := NewKeepaliveTimer(d.clock, d.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Context canceled, closing connection",
				"function", "Run")
			d.state = stateClosed
			s.closeNormally()
			return ctx.Err()

		case <-keepalive.C():
			d.logger.Debug("No inbound traffic, sending ping",
				"function", "Run",
				"interval", d.keepaliveInterval)
			metrics.PingsTotal.Inc()
			if err := s.send(PingEnvelope(creds.Token, d.accounts.Names())); err != nil {
				d.state = stateClosed
				s.close()
				return err
			}
			keepalive.Reset()

		case frame := <-s.inbound:
			keepalive.Reset()
			if frame.Err != nil {
				d.state = stateClosed
				s.close()
				terr := classifyReadError(frame.Err)
				if terr.Clean {
					d.logger.Info("Normal closure, no reconnect needed",
						"function", "Run",
						"error", frame.Err)
				} else {
					d.logger.Warn("Unexpected close, reconnect requested",
						"function", "Run",
						"error", frame.Err)
				}
				return terr
			}

			closed, err := d.handleFrame(ctx, s, frame)
			if err != nil {
				d.state = stateClosed
				s.close()
				return err
			}
			if closed {
				return nil
			}
		}
	}
}

// handleFrame processes one inbound frame. A panic while handling is turned
// into an error reply instead of ending the connection.
func (d *CommandDispatcher) handleFrame(ctx context.Context, s *session, frame inboundFrame) (closed bool, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		d.logger.Error("Panic while handling command",
			"function", "handleFrame",
			"panic", r,
			"active_command", d.pending.Active())
		reply := ErrorReply(d.pending, fmt.Sprintf("internal error: %v", r))
		if d.pending.Active() {
			metrics.TradesTotal.WithLabelValues("error").Inc()
		}
		d.pending.clear()
		d.state = stateIdle
		closed, err = false, s.send(reply)
	}()

	env, err := Decode(frame.Data)
	if err != nil {
		metrics.DecodeErrors.Inc()
		d.logger.Warn("Ignoring undecodable frame",
			"function", "handleFrame",
			"error", err,
			"size", len(frame.Data))
		return false, nil
	}
	metrics.CommandsTotal.WithLabelValues(env.Code).Inc()

	switch env.Code {
	case CodeClose:
		d.logger.Info("Server requested close",
			"function", "handleFrame")
		d.state = stateClosed
		s.closeNormally()
		return true, nil

	case CodeTrade:
		return false, d.handleTrade(ctx, s, env)

	default:
		d.logger.Warn("Ignoring unknown command",
			"function", "handleFrame",
			"code", env.Code)
		return false, nil
	}
}

// handleTrade validates, executes and answers one trade. Exactly one reply is sent.
func (d *CommandDispatcher) handleTrade(ctx context.Context, s *session, env Envelope) error {
	d.pending.begin(env)

	req, err := d.validateTrade(env)
	if err != nil {
		d.logger.Warn("Rejected trade",
			"function", "handleTrade",
			"trading_config_id", env.TradingConfigID.String(),
			"error", err)
		metrics.TradesTotal.WithLabelValues("invalid").Inc()
		reply := ErrorReply(d.pending, err.Error())
		d.pending.clear()
		return s.send(reply)
	}

	d.state = stateProcessing
	d.logger.Info("Executing trade",
		"function", "handleTrade",
		"trading_config_id", req.TradingConfigID,
		"strategy_type", req.StrategyType,
		"account", req.AccountName,
		"input_token", req.InputToken,
		"output_token", req.OutputToken,
		"input_quantity", req.InputQuantity.String())

	// trades run to completion even when the connection is being shut down
	started := d.clock.Now()
	result, err := d.executor.ExecuteTrade(context.WithoutCancel(ctx), req)
	metrics.TradeDuration.Observe(d.clock.Now().Sub(started).Seconds())

	var reply Envelope
	if err != nil {
		d.logger.Error("Trade failed",
			"function", "handleTrade",
			"trading_config_id", req.TradingConfigID,
			"error", err)
		metrics.TradesTotal.WithLabelValues("error").Inc()
		reply = ErrorReply(d.pending, executionMessage(err))
	} else {
		d.logger.Info("Trade done",
			"function", "handleTrade",
			"trading_config_id", req.TradingConfigID,
			"tx", result.Hash)
		metrics.TradesTotal.WithLabelValues("done").Inc()
		reply = DoneReply(d.pending, result, env.InputQuantity)
	}

	d.pending.clear()
	d.state = stateIdle
	return s.send(reply)
}

func (d *CommandDispatcher) validateTrade(env Envelope) (relay.TradeRequest, error) {
	required := []struct {
		field string
		value Value
	}{
		{"input_token", env.InputToken},
		{"output_token", env.OutputToken},
		{"input_quantity", env.InputQuantity},
		{"max_slippage", env.MaxSlippage},
		{"max_gas", env.MaxGas},
		{"trading_config_id", env.TradingConfigID},
		{"strategy_type", env.StrategyType},
		{"account", env.Account},
	}
	for _, r := range required {
		if r.value.IsZero() || r.value.String() == "" {
			return relay.TradeRequest{}, &relay.CommandError{Field: r.field, Message: "is required"}
		}
	}

	inputQuantity, err := env.InputQuantity.Decimal()
	if err != nil {
		return relay.TradeRequest{}, &relay.CommandError{Field: "input_quantity", Message: "must be a decimal", Err: err}
	}
	if !inputQuantity.IsPositive() {
		return relay.TradeRequest{}, &relay.CommandError{Field: "input_quantity", Message: "must be greater than 0"}
	}

	maxSlippage, err := env.MaxSlippage.Decimal()
	if err != nil {
		return relay.TradeRequest{}, &relay.CommandError{Field: "max_slippage", Message: "must be a decimal", Err: err}
	}
	if maxSlippage.IsNegative() || maxSlippage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return relay.TradeRequest{}, &relay.CommandError{Field: "max_slippage", Message: "must be in [0, 1)"}
	}

	maxGas, err := env.MaxGas.Decimal()
	if err != nil {
		return relay.TradeRequest{}, &relay.CommandError{Field: "max_gas", Message: "must be a decimal", Err: err}
	}
	if !maxGas.IsPositive() {
		return relay.TradeRequest{}, &relay.CommandError{Field: "max_gas", Message: "must be greater than 0"}
	}

	accountName := env.Account.String()
	account, ok := d.accounts.Lookup(accountName)
	if !ok {
		return relay.TradeRequest{}, &relay.CommandError{Field: "account", Message: fmt.Sprintf("unknown account %q", accountName)}
	}

	return relay.TradeRequest{
		InputToken:      env.InputToken.String(),
		OutputToken:     env.OutputToken.String(),
		InputQuantity:   inputQuantity,
		MaxSlippage:     maxSlippage,
		MaxGas:          maxGas,
		TradingConfigID: env.TradingConfigID.String(),
		StrategyType:    env.StrategyType.String(),
		AccountName:     accountName,
		Account:         account,
	}, nil
}

// executionMessage is the text reported to the server for a failed trade
func executionMessage(err error) string {
	var execErr *relay.ExecutionError
	if errors.As(err, &execErr) && execErr.Message != "" {
		return execErr.Message
	}
	return err.Error()
}
