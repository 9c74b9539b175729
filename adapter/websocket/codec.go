package websocket

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	relay "github.com/bjoelf/trade-relay/adapter"
)

// Value is a raw JSON scalar carried through unchanged, so correlation ids
// and quantities go back to the server exactly as they arrived.
type Value []byte

// StringValue returns v as a quoted JSON string
func StringValue(s string) Value {
	b, _ := json.Marshal(s)
	return Value(b)
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*v = nil
		return nil
	}
	*v = append((*v)[:0], data...)
	return nil
}

// IsZero reports whether the field was absent or null
func (v Value) IsZero() bool {
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

// String returns the unquoted string, or the raw text for non-string scalars
func (v Value) String() string {
	if v.IsZero() {
		return ""
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	return string(v)
}

// Decimal parses a JSON number or a numeric string
func (v Value) Decimal() (decimal.Decimal, error) {
	if v.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("missing value")
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	case '{', '[', 't', 'f':
		return decimal.Decimal{}, fmt.Errorf("%s is not a number", string(v))
	default:
		return decimal.NewFromString(string(v))
	}
}

// Envelope is one message on the command channel. Code selects how the
// remaining fields are read; replies to trades carry Status instead of Code.
type Envelope struct {
	Code string `json:"code,omitempty"`

	// login and ping
	Token    string   `json:"token,omitempty"`
	Accounts []string `json:"accounts,omitempty"`

	// trade
	InputToken      Value `json:"input_token,omitempty"`
	OutputToken     Value `json:"output_token,omitempty"`
	InputQuantity   Value `json:"input_quantity,omitempty"`
	MaxSlippage     Value `json:"max_slippage,omitempty"`
	MaxGas          Value `json:"max_gas,omitempty"`
	TradingConfigID Value `json:"trading_config_id,omitempty"`
	StrategyType    Value `json:"strategy_type,omitempty"`
	Account         Value `json:"account,omitempty"`

	// trade replies
	Status  string             `json:"status,omitempty"`
	Tx      *relay.TradeResult `json:"tx,omitempty"`
	Message string             `json:"message,omitempty"`
}

// Encode serialises an envelope as a flat JSON object
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an inbound envelope. It only checks that data is a JSON
// object with a non-empty string code; every other field is read leniently.
func Decode(data []byte) (Envelope, error) {
	fields, err := objectFields(data)
	if err != nil {
		return Envelope{}, err
	}
	if _, err := stringField(fields, "code"); err != nil {
		return Envelope{}, err
	}
	return envelopeFromFields(fields), nil
}

// DecodeReply parses a trade reply, which has a status but no code
func DecodeReply(data []byte) (Envelope, error) {
	fields, err := objectFields(data)
	if err != nil {
		return Envelope{}, err
	}
	if _, err := stringField(fields, "status"); err != nil {
		return Envelope{}, err
	}
	return envelopeFromFields(fields), nil
}

// envelopeFromFields fills the envelope field by field. A field of the wrong
// type is left empty; handlers validate what their code needs.
func envelopeFromFields(fields map[string]json.RawMessage) Envelope {
	return Envelope{
		Code:     lenientField[string](fields, "code"),
		Token:    lenientField[string](fields, "token"),
		Accounts: lenientField[[]string](fields, "accounts"),

		InputToken:      rawValue(fields, "input_token"),
		OutputToken:     rawValue(fields, "output_token"),
		InputQuantity:   rawValue(fields, "input_quantity"),
		MaxSlippage:     rawValue(fields, "max_slippage"),
		MaxGas:          rawValue(fields, "max_gas"),
		TradingConfigID: rawValue(fields, "trading_config_id"),
		StrategyType:    rawValue(fields, "strategy_type"),
		Account:         rawValue(fields, "account"),

		Status:  lenientField[string](fields, "status"),
		Tx:      lenientField[*relay.TradeResult](fields, "tx"),
		Message: lenientField[string](fields, "message"),
	}
}

func lenientField[T any](fields map[string]json.RawMessage, key string) T {
	var out T
	raw, ok := fields[key]
	if !ok {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		var zero T
		return zero
	}
	return out
}

func rawValue(fields map[string]json.RawMessage, key string) Value {
	raw, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return Value(bytes.Clone(bytes.TrimSpace(raw)))
}

// objectFields checks data is a JSON object and splits it into raw fields
func objectFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &relay.DecodeError{Reason: "not a JSON object", Err: err}
	}
	if fields == nil {
		return nil, &relay.DecodeError{Reason: "not a JSON object"}
	}
	return fields, nil
}

// stringField returns the non-empty string at key
func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", &relay.DecodeError{Reason: "missing " + strconv.Quote(key)}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &relay.DecodeError{Reason: strconv.Quote(key) + " is not a string", Err: err}
	}
	if s == "" {
		return "", &relay.DecodeError{Reason: "empty " + strconv.Quote(key)}
	}
	return s, nil
}

// LoginEnvelope is the first message of every connection
func LoginEnvelope(token string, accounts []string) Envelope {
	return Envelope{Code: CodeLogin, Token: token, Accounts: accounts}
}

// PingEnvelope is sent after a period of inbound silence
func PingEnvelope(token string, accounts []string) Envelope {
	return Envelope{Code: CodePing, Token: token, Accounts: accounts}
}

// DoneReply reports a successful trade
func DoneReply(pending PendingCommandContext, result relay.TradeResult, inputQuantity Value) Envelope {
	return Envelope{
		Status:          StatusDone,
		Tx:              &result,
		TradingConfigID: pending.TradingConfigID,
		StrategyType:    pending.StrategyType,
		InputQuantity:   inputQuantity,
	}
}

// ErrorReply reports a failed command. Without an active command the
// reply carries only the message.
func ErrorReply(pending PendingCommandContext, message string) Envelope {
	env := Envelope{Status: StatusError, Message: message}
	if pending.Active() {
		env.TradingConfigID = pending.TradingConfigID
		env.StrategyType = pending.StrategyType
	}
	return env
}
