package websocket

import "time"

// Envelope codes
const (
	CodeLogin  = "login"
	CodeAuthOK = "auth_ok"
	CodePing   = "ping"
	CodeTrade  = "trade"
	CodeClose  = "close"
)

// Trade reply statuses
const (
	StatusDone  = "done"
	StatusError = "error"
)

// inboundFrame is one read from the socket, handed from the reader goroutine
// to the dispatcher. A non-nil err ends the session.
type inboundFrame struct {
	MessageType int       // gorilla message type (Text, Binary)
	Data        []byte    // copied, the reader reuses its buffer
	ReceivedAt  time.Time
	Err         error
}

// dispatchState is the CommandDispatcher state machine
type dispatchState int

const (
	stateIdle dispatchState = iota
	stateProcessing
	stateClosed
)

func (s dispatchState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateProcessing:
		return "processing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PendingCommandContext holds the correlation ids of the trade being handled.
// The zero value means no command is active.
type PendingCommandContext struct {
	TradingConfigID Value
	StrategyType    Value
	active          bool
}

// Active reports whether a trade is being handled
func (p PendingCommandContext) Active() bool { return p.active }

func (p *PendingCommandContext) begin(env Envelope) {
	p.TradingConfigID = env.TradingConfigID
	p.StrategyType = env.StrategyType
	p.active = true
}

func (p *PendingCommandContext) clear() {
	*p = PendingCommandContext{}
}
