package relay

import "context"

// ============================================================================
// INTERFACES - contracts between the command channel and its collaborators
// ============================================================================

// TradeExecutor performs one trade. Implementations own their timeout and
// retry policy; the command channel waits for the call to return.
// Failures should be *ExecutionError so the message can be reported back.
type TradeExecutor interface {
	ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error)
}

// CredentialSource yields the credentials used for the next connection attempt
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// TradeExecutorFunc adapts a plain function to TradeExecutor
type TradeExecutorFunc func(ctx context.Context, req TradeRequest) (TradeResult, error)

// ExecuteTrade implements TradeExecutor
func (f TradeExecutorFunc) ExecuteTrade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	return f(ctx, req)
}
