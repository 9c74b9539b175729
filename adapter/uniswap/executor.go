package uniswap

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	relay "github.com/bjoelf/trade-relay/adapter"
)

// Backend is the JSON-RPC surface the executor needs. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config tunes the executor
type Config struct {
	Router common.Address
	// Deadline is how long a submitted swap stays valid on chain
	Deadline            time.Duration
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
	// GasMarginPercent is added on top of the estimated gas limit
	GasMarginPercent uint64
}

func (c *Config) applyDefaults() {
	if c.Deadline <= 0 {
		c.Deadline = relay.DefaultTradeDeadline
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = 2 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = c.Deadline + time.Minute
	}
	if c.GasMarginPercent == 0 {
		c.GasMarginPercent = 20
	}
}

// Executor swaps an exact input amount through a Uniswap V2 router.
// The zero address stands for native ETH on either side of the swap.
type Executor struct {
	backend Backend
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	closeFn func()
}

// New creates an executor on an existing backend
func New(backend Backend, cfg Config, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "uniswap"),
	}
}

// Dial connects to an Ethereum JSON-RPC endpoint
func Dial(ctx context.Context, rawURL string, cfg Config, logger *slog.Logger) (*Executor, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum provider: %w", err)
	}
	e := New(client, cfg, logger)
	e.closeFn = client.Close
	return e, nil
}

// Close releases the RPC connection when the executor owns it
func (e *Executor) Close() {
	if e.closeFn != nil {
		e.closeFn()
	}
}

// ExecuteTrade implements relay.TradeExecutor
func (e *Executor) ExecuteTrade(ctx context.Context, req relay.TradeRequest) (relay.TradeResult, error) {
	key, from, err := signerFor(req.Account)
	if err != nil {
		return relay.TradeResult{}, err
	}

	tokenIn, tokenOut, err := parseTokens(req.InputToken, req.OutputToken)
	if err != nil {
		return relay.TradeResult{}, err
	}

	amountIn, err := baseUnits(req.InputQuantity)
	if err != nil {
		return relay.TradeResult{}, err
	}

	gasPrice := GasPriceWei(req.MaxGas)
	if gasPrice.Sign() <= 0 {
		return relay.TradeResult{}, relay.NewExecutionError("max_gas is below 1 wei", nil)
	}

	nativeIn := tokenIn == (common.Address{})
	nativeOut := tokenOut == (common.Address{})

	path := []common.Address{tokenIn, tokenOut}
	if nativeIn || nativeOut {
		weth, err := e.weth(ctx)
		if err != nil {
			return relay.TradeResult{}, err
		}
		if nativeIn {
			path[0] = weth
		}
		if nativeOut {
			path[1] = weth
		}
	}

	quoted, err := e.amountOut(ctx, amountIn, path)
	if err != nil {
		return relay.TradeResult{}, err
	}
	amountOutMin := MinimumOut(quoted, req.MaxSlippage)

	chainID, err := e.backend.ChainID(ctx)
	if err != nil {
		return relay.TradeResult{}, relay.NewExecutionError("could not read chain id", err)
	}

	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return relay.TradeResult{}, relay.NewExecutionError("could not read nonce", err)
	}

	if !nativeIn {
		approved, err := e.ensureAllowance(ctx, key, from, tokenIn, amountIn, gasPrice, chainID, nonce)
		if err != nil {
			return relay.TradeResult{}, err
		}
		if approved {
			nonce++
		}
	}

	deadline := big.NewInt(e.now().Add(e.cfg.Deadline).Unix())
	value := new(big.Int)

	var data []byte
	switch {
	case nativeIn:
		value = amountIn
		data, err = RouterABI.Pack("swapExactETHForTokens", amountOutMin, path, from, deadline)
	case nativeOut:
		data, err = RouterABI.Pack("swapExactTokensForETH", amountIn, amountOutMin, path, from, deadline)
	default:
		data, err = RouterABI.Pack("swapExactTokensForTokens", amountIn, amountOutMin, path, from, deadline)
	}
	if err != nil {
		return relay.TradeResult{}, relay.NewExecutionError("could not encode swap", err)
	}

	e.logger.Info("Submitting swap",
		"function", "ExecuteTrade",
		"account", req.AccountName,
		"amount_in", amountIn.String(),
		"amount_out_min", amountOutMin.String(),
		"gas_price_wei", gasPrice.String(),
		"nonce", nonce)

	receipt, err := e.transact(ctx, key, from, chainID, nonce, gasPrice, e.cfg.Router, value, data)
	if err != nil {
		return relay.TradeResult{}, err
	}

	return resultFromReceipt(receipt, from, e.cfg.Router), nil
}

func (e *Executor) weth(ctx context.Context) (common.Address, error) {
	out, err := e.callABI(ctx, RouterABI, e.cfg.Router, "WETH", nil)
	if err != nil {
		return common.Address{}, relay.NewExecutionError("could not resolve WETH", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, relay.NewExecutionError("unexpected WETH() result", nil)
	}
	return addr, nil
}

func (e *Executor) amountOut(ctx context.Context, amountIn *big.Int, path []common.Address) (*big.Int, error) {
	out, err := e.callABI(ctx, RouterABI, e.cfg.Router, "getAmountsOut", nil, amountIn, path)
	if err != nil {
		return nil, relay.NewExecutionError("could not quote swap", err)
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, relay.NewExecutionError("unexpected getAmountsOut result", nil)
	}
	if amounts[len(amounts)-1].Sign() <= 0 {
		return nil, relay.NewExecutionError("swap would return nothing", nil)
	}
	return amounts[len(amounts)-1], nil
}

// ensureAllowance approves the router for amountIn when the current allowance is short.
// It reports whether an approval transaction used the nonce.
func (e *Executor) ensureAllowance(ctx context.Context, key *ecdsa.PrivateKey, owner, token common.Address, amountIn, gasPrice, chainID *big.Int, nonce uint64) (bool, error) {
	out, err := e.callABI(ctx, ERC20ABI, token, "allowance", &owner, owner, e.cfg.Router)
	if err != nil {
		return false, relay.NewExecutionError("could not read allowance", err)
	}
	allowance, ok := out[0].(*big.Int)
	if !ok {
		return false, relay.NewExecutionError("unexpected allowance result", nil)
	}
	if allowance.Cmp(amountIn) >= 0 {
		return false, nil
	}

	data, err := ERC20ABI.Pack("approve", e.cfg.Router, amountIn)
	if err != nil {
		return false, relay.NewExecutionError("could not encode approval", err)
	}

	e.logger.Info("Approving router",
		"function", "ensureAllowance",
		"token", token.Hex(),
		"allowance", allowance.String(),
		"amount", amountIn.String())

	if _, err := e.transact(ctx, key, owner, chainID, nonce, gasPrice, token, new(big.Int), data); err != nil {
		var execErr *relay.ExecutionError
		if errors.As(err, &execErr) {
			execErr.Message = "approval failed: " + execErr.Message
		}
		return false, err
	}
	return true, nil
}

// transact signs, sends and waits for one legacy transaction
func (e *Executor) transact(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, chainID *big.Int, nonce uint64, gasPrice *big.Int, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		return nil, relay.NewExecutionError("gas estimation failed", err)
	}
	gas += gas * e.cfg.GasMarginPercent / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, relay.NewExecutionError("could not sign transaction", err)
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return nil, relay.NewExecutionError("could not send transaction", err)
	}

	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, relay.NewExecutionError(fmt.Sprintf("transaction %s reverted", signed.Hash().Hex()), nil)
	}
	return receipt, nil
}

// waitMined polls for the receipt until it appears or ReceiptTimeout passes
func (e *Executor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.logger.Warn("Receipt lookup failed",
				"function", "waitMined",
				"tx", hash.Hex(),
				"error", err)
		}

		select {
		case <-ctx.Done():
			return nil, relay.NewExecutionError(fmt.Sprintf("transaction %s not mined", hash.Hex()), ctx.Err())
		case <-ticker.C:
		}
	}
}

// callABI packs a read-only call, runs it at the latest block and unpacks the outputs
func (e *Executor) callABI(ctx context.Context, contract abi.ABI, to common.Address, method string, from *common.Address, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	if from != nil {
		msg.From = *from
	}
	out, err := e.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values, nil
}

// signerFor parses the account key and checks it controls the account address
func signerFor(acc relay.Account) (*ecdsa.PrivateKey, common.Address, error) {
	hexKey := strings.TrimPrefix(strings.TrimSpace(acc.PrivateKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, common.Address{}, relay.NewExecutionError(fmt.Sprintf("invalid private key for account %q", acc.Name), err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if acc.Address != "" && common.HexToAddress(acc.Address) != from {
		return nil, common.Address{}, relay.NewExecutionError(fmt.Sprintf("private key does not match address of account %q", acc.Name), nil)
	}
	return key, from, nil
}

func parseTokens(input, output string) (common.Address, common.Address, error) {
	if !common.IsHexAddress(input) {
		return common.Address{}, common.Address{}, relay.NewExecutionError(fmt.Sprintf("input_token %q is not an address", input), nil)
	}
	if !common.IsHexAddress(output) {
		return common.Address{}, common.Address{}, relay.NewExecutionError(fmt.Sprintf("output_token %q is not an address", output), nil)
	}
	in, out := common.HexToAddress(input), common.HexToAddress(output)
	if in == out {
		return common.Address{}, common.Address{}, relay.NewExecutionError("input_token and output_token are the same", nil)
	}
	return in, out, nil
}

// baseUnits converts the requested quantity, given in the token's smallest unit
func baseUnits(q decimal.Decimal) (*big.Int, error) {
	if !q.IsPositive() {
		return nil, relay.NewExecutionError("input_quantity must be positive", nil)
	}
	if !q.Equal(q.Truncate(0)) {
		return nil, relay.NewExecutionError(fmt.Sprintf("input_quantity %s is not a whole number of base units", q), nil)
	}
	return q.BigInt(), nil
}

// GasPriceWei converts a gwei price into wei
func GasPriceWei(gwei decimal.Decimal) *big.Int {
	return gwei.Shift(9).Floor().BigInt()
}

// MinimumOut applies the slippage tolerance to a quoted output, rounding down
func MinimumOut(quoted *big.Int, slippage decimal.Decimal) *big.Int {
	factor := decimal.NewFromInt(1).Sub(slippage)
	return decimal.NewFromBigInt(quoted, 0).Mul(factor).Floor().BigInt()
}

func resultFromReceipt(r *types.Receipt, from, to common.Address) relay.TradeResult {
	result := relay.TradeResult{
		Hash:              r.TxHash.Hex(),
		BlockHash:         r.BlockHash.Hex(),
		TransactionIndex:  r.TransactionIndex,
		From:              from.Hex(),
		To:                to.Hex(),
		GasUsed:           r.GasUsed,
		CumulativeGasUsed: r.CumulativeGasUsed,
		Status:            r.Status,
	}
	if r.BlockNumber != nil {
		result.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.EffectiveGasPrice != nil {
		result.EffectiveGasPrice = r.EffectiveGasPrice.String()
	}
	return result
}
