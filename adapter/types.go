package relay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Credentials identify the bot towards the control server for one connection attempt
type Credentials struct {
	Username string
	Token    string
}

// Account is a trading wallet the server may address by name
type Account struct {
	Name       string
	Address    string
	PrivateKey string
}

// String masks the private key so accounts can be logged safely
func (a Account) String() string {
	return fmt.Sprintf("Account{Name:%s, Address:%s}", a.Name, a.Address)
}

// AccountSet maps account names to accounts. It is read-only once built.
type AccountSet struct {
	byName map[string]Account
	names  []string
}

// NewAccountSet builds an account set, rejecting empty and duplicate names
func NewAccountSet(accounts ...Account) (AccountSet, error) {
	set := AccountSet{byName: make(map[string]Account, len(accounts))}
	for i, acc := range accounts {
		name := strings.TrimSpace(acc.Name)
		if name == "" {
			return AccountSet{}, fmt.Errorf("account %d: name is empty", i+1)
		}
		if _, exists := set.byName[name]; exists {
			return AccountSet{}, fmt.Errorf("account %d: duplicate name %q", i+1, name)
		}
		acc.Name = name
		set.byName[name] = acc
		set.names = append(set.names, name)
	}
	sort.Strings(set.names)
	return set, nil
}

// Names returns the account names in sorted order, as advertised during login
func (s AccountSet) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Lookup resolves an account by name
func (s AccountSet) Lookup(name string) (Account, bool) {
	acc, ok := s.byName[name]
	return acc, ok
}

// Len returns the number of accounts
func (s AccountSet) Len() int {
	return len(s.names)
}

// TradeRequest is one swap the server asked for.
// MaxGas is the gas price in gwei for this trade only.
type TradeRequest struct {
	InputToken      string
	OutputToken     string
	InputQuantity   decimal.Decimal
	MaxSlippage     decimal.Decimal
	MaxGas          decimal.Decimal
	TradingConfigID string
	StrategyType    string
	AccountName     string
	Account         Account
}

// TradeResult summarises the mined transaction of a trade.
// It is sent back verbatim as the "tx" field of a done reply.
type TradeResult struct {
	Hash              string `json:"hash,omitempty"`
	BlockHash         string `json:"block_hash,omitempty"`
	BlockNumber       uint64 `json:"block_number,omitempty"`
	TransactionIndex  uint   `json:"transaction_index,omitempty"`
	From              string `json:"from,omitempty"`
	To                string `json:"to,omitempty"`
	GasUsed           uint64 `json:"gas_used,omitempty"`
	CumulativeGasUsed uint64 `json:"cumulative_gas_used,omitempty"`
	EffectiveGasPrice string `json:"effective_gas_price,omitempty"`
	Status            uint64 `json:"status,omitempty"`
}
