package round

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/clearing-node/arb-node/arb"
	"github.com/clearing-node/arb-node/chain"
	"github.com/clearing-node/arb-node/optimizer"
	"github.com/clearing-node/arb-node/signer"
	"github.com/clearing-node/arb-node/txlifecycle"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func baseReport(j *job) arb.PairReport {
	hashes := make([]common.Hash, 0, len(j.bundle.TakeOrders))
	for _, takeOrder := range j.bundle.TakeOrders {
		hashes = append(hashes, takeOrder.ID)
	}
	return arb.PairReport{
		Status:      arb.StatusNoOpportunity,
		TokenPair:   j.pair.TokenPair(),
		Orderbook:   j.pair.Orderbook,
		Owner:       j.pair.Owner,
		BuyToken:    j.pair.BuyToken,
		SellToken:   j.pair.SellToken,
		OrderHashes: hashes,
	}
}

func haltResult(j *job, halt *arb.Error) arb.ProcessPairResult {
	return arb.ProcessPairResult{
		Status: arb.StatusNoOpportunity,
		Reason: halt.Reason,
		Error:  halt.Error(),
		Report: baseReport(j),
	}
}

// processPair runs quote -> prices -> search -> execute for one pair. The signer is released
// exactly once, as soon as the transaction is sent or on the first exit.
func (r *Runner) processPair(ctx context.Context, acc *signer.Account, j *job, gasPrice *big.Int) arb.ProcessPairResult {
	var once sync.Once
	release := func() {
		once.Do(func() { r.deps.Pool.Release(acc) })
	}
	defer release()

	logger := r.log.With(
		zap.String("pair", j.pair.TokenPair()),
		zap.String("orderbook", j.pair.Orderbook.Hex()),
		zap.String("owner", j.pair.Owner.Hex()),
		zap.String("signer", acc.Address.Hex()),
	)
	res := arb.ProcessPairResult{Status: arb.StatusNoOpportunity, Report: baseReport(j)}
	res.Report.Signer = acc.Address
	halt := func(reason arb.HaltReason, err error) arb.ProcessPairResult {
		res.Reason = reason
		res.Error = err.Error()
		return res
	}

	quote, err := r.deps.Chain.QuoteOrder(ctx, j.pair.Orderbook, &j.pair.TakeOrder.Config)
	if err != nil {
		logger.Warn("Failed to quote order", zap.Error(err))
		return halt(arb.HaltFailedToQuote, err)
	}
	if quote.MaxOutput.Sign() == 0 {
		res.Status = arb.StatusZeroOutput
		res.Report.Status = arb.StatusZeroOutput
		return res
	}

	if err := r.deps.Router.RefreshPools(ctx, []common.Address{j.pair.BuyToken, j.pair.SellToken}); err != nil {
		logger.Warn("Failed to refresh pools", zap.Error(err))
		return halt(arb.HaltFailedToGetPools, err)
	}
	buyPrice, err := r.deps.Prices.NativePrice(ctx, j.pair.BuyToken)
	if err != nil {
		logger.Warn("Failed to get native price", zap.Error(err), zap.String("token", j.pair.BuyTokenSymbol))
		return halt(arb.HaltFailedToGetEthPrice, err)
	}
	sellPrice, err := r.deps.Prices.NativePrice(ctx, j.pair.SellToken)
	if err != nil {
		logger.Warn("Failed to get native price", zap.Error(err), zap.String("token", j.pair.SellTokenSymbol))
		return halt(arb.HaltFailedToGetEthPrice, err)
	}

	opp, err := r.deps.Optimizer.FindOppWithRetries(ctx, &optimizer.Args{
		Bundle:         j.bundle,
		Signer:         acc.Address,
		GasPrice:       gasPrice,
		VaultBalance:   quote.MaxOutput,
		OrderRatio:     quote.Ratio,
		BuyTokenPrice:  buyPrice,
		SellTokenPrice: sellPrice,
	})
	if err != nil {
		var haltErr *arb.Error
		if errors.As(err, &haltErr) {
			fields := []zap.Field{zap.String("reason", haltErr.Reason.String()), zap.Any("attrs", haltErr.Attrs)}
			if haltErr.Reason == arb.HaltUnexpectedError {
				logger.Error("Search failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("No opportunity", fields...)
			}
		}
		if arb.ReasonOf(err) == arb.HaltNoWalletFund {
			r.deps.Pool.MarkExhausted(acc)
		}
		return halt(arb.ReasonOf(err), err)
	}

	if r.deps.Reverts != nil {
		reverted, err := r.deps.Reverts.IsReverted(ctx, txlifecycle.RevertKey(opp.OrderIDs, opp.MaximumInput))
		if err != nil {
			logger.Warn("Failed to check revert cache", zap.Error(err))
		} else if reverted {
			logger.Debug("Skipping clear that reverted recently", zap.String("maximumInput", opp.MaximumInput.String()))
			return halt(arb.HaltNoOpportunity, ErrRecentlyReverted)
		}
	}

	res.Status = arb.StatusFoundOpportunity
	res.Report.Status = arb.StatusFoundOpportunity
	res.Report.EstimatedProfit = opp.EstimatedProfit
	logger.Info("Found opportunity",
		zap.String("maximumInput", chain.FormatUnits(opp.MaximumInput, j.pair.BuyTokenDecimals)),
		zap.String("marketPrice", chain.FormatUnits(opp.MarketPrice, 18)),
		zap.String("mode", opp.Mode),
	)

	onSent := func(err error) {
		// exhausted before release so no waiting pair picks the unfunded signer up
		if arb.ReasonOf(err) == arb.HaltNoWalletFund {
			r.deps.Pool.MarkExhausted(acc)
		}
		release()
	}
	out := r.deps.Executor.Execute(ctx, acc, opp, &j.pair, txlifecycle.Prices{BuyToken: buyPrice, SellToken: sellPrice}, onSent)
	if out.TxHash != (common.Hash{}) {
		hash := out.TxHash
		res.Report.TxHash = &hash
	}
	res.GasCost = out.ActualGasCost
	res.Report.ActualGasCost = out.ActualGasCost

	switch out.State {
	case txlifecycle.StateConfirmed:
		res.Report.Cleared = true
		res.Report.ClearedAmount = out.ClearedAmount
		res.Report.InputIncome = out.SellTokenIncome
		res.Report.OutputIncome = out.BuyTokenIncome
		res.Report.NetProfit = out.NetProfit
	case txlifecycle.StateReverted:
		res.Reason = arb.HaltTxReverted
		res.Error = out.Diagnosis.Reason
		res.Report.NodeError = out.Diagnosis.NodeError
	case txlifecycle.StateSubmitFailed:
		res.Reason = arb.HaltSubmitFailed
		if arb.ReasonOf(out.Err) == arb.HaltNoWalletFund {
			res.Reason = arb.HaltNoWalletFund
		}
		res.Error = out.Err.Error()
	case txlifecycle.StateReceiptTimeout:
		res.Reason = arb.HaltReceiptTimeout
		res.Error = out.Err.Error()
	}
	return res
}
