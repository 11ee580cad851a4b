// Package txlifecycle sends a cleared opportunity and follows it to a terminal state:
// Built -> Submitted -> Confirmed | Reverted | SubmitFailed | ReceiptTimeout.
package txlifecycle

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clearing-node/arb-node/arb"
	"github.com/clearing-node/arb-node/chain"
	"github.com/clearing-node/arb-node/metrics"
	"github.com/clearing-node/arb-node/rpchealth"
	"github.com/clearing-node/arb-node/signer"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	ErrNonce          = errors.New("failed to get signer nonce")
	ErrReceiptTimeout = errors.New("no receipt within the fallback window")
)

type State uint8

const (
	StateBuilt State = iota
	StateSubmitted
	StateConfirmed
	StateReverted
	StateSubmitFailed
	StateReceiptTimeout
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateReverted:
		return "reverted"
	case StateSubmitFailed:
		return "submit_failed"
	case StateReceiptTimeout:
		return "receipt_timeout"
	default:
		return "unknown"
	}
}

// Chain is the part of the chain client needed to send and follow a transaction
type Chain interface {
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64, timeout time.Duration) (*types.Receipt, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

var _ Chain = (*chain.Client)(nil)

type Config struct {
	Confirmations uint64
	// SubmitBackoff is waited once before the single resubmission
	SubmitBackoff time.Duration
	// ReceiptTimeout bounds the receipt wait
	ReceiptTimeout time.Duration
	// FallbackWindow, counted from submission, is waited out before the last direct receipt lookup
	FallbackWindow time.Duration
	// OutOfGasPercent of the gas limit used by a reverted tx that marks it as out of gas
	OutOfGasPercent uint64
}

func DefaultConfig() Config {
	return Config{
		Confirmations:   1,
		SubmitBackoff:   5 * time.Second,
		ReceiptTimeout:  60 * time.Second,
		FallbackWindow:  90 * time.Second,
		OutOfGasPercent: 98,
	}
}

// Prices are the amounts of each leg's token, in token decimals, worth 1 native token
type Prices struct {
	BuyToken  *big.Int
	SellToken *big.Int
}

type Diagnosis struct {
	Reason    string `json:"reason"`
	NodeError bool   `json:"nodeError"`
	OutOfGas  bool   `json:"outOfGas"`
}

type Outcome struct {
	State   State
	TxHash  common.Hash
	Receipt *types.Receipt
	Err     error

	// set when confirmed
	BuyTokenIncome  *big.Int
	SellTokenIncome *big.Int
	ClearedAmount   *big.Int
	NetProfit       *big.Int
	// set once mined
	ActualGasCost *big.Int

	// set when reverted
	Diagnosis *Diagnosis
}

type Lifecycle struct {
	log     *zap.Logger
	cfg     Config
	chain   Chain
	reverts RevertCache
}

func New(log *zap.Logger, cfg Config, chain Chain, reverts RevertCache) *Lifecycle {
	return &Lifecycle{
		log:     log.Named("tx"),
		cfg:     cfg,
		chain:   chain,
		reverts: reverts,
	}
}

// Execute signs and sends opp with acc and follows it to a terminal state.
// onSent is called exactly once, as soon as the transaction is sent or its submission failed,
// so the signer is not held across the receipt wait. It receives the submission error, a
// NoWalletFund halt when the node refused the transaction for lack of funds.
func (l *Lifecycle) Execute(ctx context.Context, acc *signer.Account, opp *arb.OppResult, pair *arb.Pair, prices Prices, onSent func(err error)) *Outcome {
	logger := l.log.With(
		zap.String("pair", pair.TokenPair()),
		zap.String("signer", acc.Address.Hex()),
		zap.String("mode", opp.Mode),
	)

	out := &Outcome{State: StateBuilt}
	hash, submittedAt, err := l.submit(ctx, acc, opp)
	onSent(err)
	if err != nil {
		metrics.IncTxSubmitFailed()
		logger.Warn("Failed to submit transaction", zap.Error(err))
		out.State = StateSubmitFailed
		out.Err = err
		return out
	}
	metrics.IncTxSubmitted()
	out.State = StateSubmitted
	out.TxHash = hash
	logger = logger.With(zap.String("tx", hash.Hex()))
	logger.Info("Transaction submitted", zap.String("maximumInput", opp.MaximumInput.String()))

	receipt, err := l.receipt(ctx, hash, submittedAt)
	if err != nil {
		metrics.IncTxReceiptTimeout()
		logger.Warn("No receipt for transaction", zap.Error(err))
		out.State = StateReceiptTimeout
		out.Err = err
		return out
	}
	out.Receipt = receipt
	out.ActualGasCost = gasCost(receipt, opp)
	acc.Debit(out.ActualGasCost)

	if receipt.Status == types.ReceiptStatusSuccessful {
		metrics.IncTxConfirmed()
		out.State = StateConfirmed
		l.income(out, acc, pair, prices)
		logger.Info("Transaction confirmed",
			zap.String("buyTokenIncome", chain.FormatUnits(out.BuyTokenIncome, pair.BuyTokenDecimals)),
			zap.String("sellTokenIncome", chain.FormatUnits(out.SellTokenIncome, pair.SellTokenDecimals)),
			zap.String("netProfit", chain.FormatUnits(out.NetProfit, 18)),
		)
		return out
	}

	metrics.IncTxReverted()
	out.State = StateReverted
	out.Diagnosis = l.diagnose(ctx, opp, receipt)
	// out of gas depends on the gas limit, a fresh estimate may clear the same input
	if !out.Diagnosis.NodeError && !out.Diagnosis.OutOfGas && l.reverts != nil {
		if err := l.reverts.MarkReverted(ctx, RevertKey(opp.OrderIDs, opp.MaximumInput)); err != nil {
			logger.Warn("Failed to cache revert", zap.Error(err))
		}
	}
	logger.Info("Transaction reverted",
		zap.String("reason", out.Diagnosis.Reason),
		zap.Bool("nodeError", out.Diagnosis.NodeError),
		zap.Bool("outOfGas", out.Diagnosis.OutOfGas),
	)
	return out
}

// submit fetches the latest nonce right before signing, then sends with a single retry.
// A node that already holds the transaction counts as a successful send, a lack of funds is not retried.
func (l *Lifecycle) submit(ctx context.Context, acc *signer.Account, opp *arb.OppResult) (common.Hash, time.Time, error) {
	nonce, err := l.chain.NonceAt(ctx, acc.Address)
	if err != nil {
		return common.Hash{}, time.Time{}, errors.Join(ErrNonce, err)
	}
	to := opp.RawTx.To
	tx, err := acc.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      opp.RawTx.Gas,
		GasPrice: opp.RawTx.GasPrice,
		Data:     opp.RawTx.Data,
	}))
	if err != nil {
		return common.Hash{}, time.Time{}, err
	}

	var hash common.Hash
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		h, err := l.chain.SendTransaction(ctx, tx)
		if err == nil {
			hash = h
			return nil
		}
		l.log.Debug("Send attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		switch rpchealth.KindOf(err) {
		case rpchealth.KindKnown:
			// an earlier attempt reached the pool even though its response was lost
			hash = tx.Hash()
			return nil
		case rpchealth.KindInsufficientFunds:
			return backoff.Permanent(arb.Halt(arb.HaltNoWalletFund, err, map[string]any{"signer": acc.Address.Hex()}))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(l.cfg.SubmitBackoff), 1), ctx))
	if err != nil {
		return common.Hash{}, time.Time{}, err
	}
	return hash, time.Now(), nil
}

// receipt waits for the receipt, falling back to one direct lookup at the end of the fallback window
func (l *Lifecycle) receipt(ctx context.Context, hash common.Hash, submittedAt time.Time) (*types.Receipt, error) {
	receipt, err := l.chain.WaitForReceipt(ctx, hash, l.cfg.Confirmations, l.cfg.ReceiptTimeout)
	if err == nil {
		return receipt, nil
	}
	l.log.Debug("Receipt wait failed, falling back to direct lookup", zap.String("tx", hash.Hex()), zap.Error(err))

	if remaining := time.Until(submittedAt.Add(l.cfg.FallbackWindow)); remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrReceiptTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	receipt, err = l.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, errors.Join(ErrReceiptTimeout, err)
	}
	return receipt, nil
}

func gasCost(receipt *types.Receipt, opp *arb.OppResult) *big.Int {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = opp.RawTx.GasPrice
	}
	cost := new(big.Int).SetUint64(receipt.GasUsed)
	return cost.Mul(cost, price)
}

// income nets the erc20 transfers to and from the signer for both legs and converts them to native
func (l *Lifecycle) income(out *Outcome, acc *signer.Account, pair *arb.Pair, prices Prices) {
	out.BuyTokenIncome = new(big.Int)
	out.SellTokenIncome = new(big.Int)
	out.ClearedAmount = new(big.Int)

	for _, log := range out.Receipt.Logs {
		if len(log.Topics) != 3 || log.Topics[0] != chain.TransferTopic || len(log.Data) < 32 {
			continue
		}
		var income *big.Int
		switch log.Address {
		case pair.BuyToken:
			income = out.BuyTokenIncome
		case pair.SellToken:
			income = out.SellTokenIncome
		default:
			continue
		}
		from := common.BytesToAddress(log.Topics[1].Bytes())
		to := common.BytesToAddress(log.Topics[2].Bytes())
		value := new(big.Int).SetBytes(log.Data[:32])
		if to == acc.Address {
			income.Add(income, value)
		}
		if from == acc.Address {
			income.Sub(income, value)
		}
		if log.Address == pair.BuyToken && from == pair.Orderbook {
			out.ClearedAmount.Add(out.ClearedAmount, value)
		}
	}

	out.NetProfit = new(big.Int).Neg(out.ActualGasCost)
	out.NetProfit.Add(out.NetProfit, toNative(out.BuyTokenIncome, prices.BuyToken))
	out.NetProfit.Add(out.NetProfit, toNative(out.SellTokenIncome, prices.SellToken))

	if out.BuyTokenIncome.Sign() > 0 {
		acc.AddBounty(pair.BuyToken)
	}
	if out.SellTokenIncome.Sign() > 0 {
		acc.AddBounty(pair.SellToken)
	}
}

func toNative(amount, price *big.Int) *big.Int {
	if price == nil || price.Sign() == 0 {
		return new(big.Int)
	}
	res := new(big.Int).Mul(amount, big.NewInt(1e18))
	return res.Quo(res, price)
}

// diagnose re-simulates the reverted call at its block to recover the reason
func (l *Lifecycle) diagnose(ctx context.Context, opp *arb.OppResult, receipt *types.Receipt) *Diagnosis {
	if opp.RawTx.Gas > 0 && receipt.GasUsed*100/opp.RawTx.Gas >= l.cfg.OutOfGasPercent {
		return &Diagnosis{Reason: "out of gas", OutOfGas: true}
	}

	to := opp.RawTx.To
	_, err := l.chain.CallContract(ctx, ethereum.CallMsg{
		From:     opp.RawTx.From,
		To:       &to,
		Gas:      opp.RawTx.Gas,
		GasPrice: opp.RawTx.GasPrice,
		Data:     opp.RawTx.Data,
	}, receipt.BlockNumber)
	if err == nil {
		return &Diagnosis{Reason: "not reproducible at block " + receipt.BlockNumber.String()}
	}

	rpcErr, ok := rpchealth.AsError(err)
	if !ok || rpcErr.Retryable() {
		return &Diagnosis{Reason: err.Error(), NodeError: true}
	}
	if len(rpcErr.Data) > 0 {
		return &Diagnosis{Reason: chain.DecodeRevert(rpcErr.Data)}
	}
	return &Diagnosis{Reason: rpcErr.Message}
}
