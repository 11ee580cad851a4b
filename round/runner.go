// Package round drives one processing round: the scheduler picks the batch, every pair is
// searched concurrently with a pooled signer and the winning clear is executed.
package round

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/clearing-node/arb-node/arb"
	"github.com/clearing-node/arb-node/chain"
	"github.com/clearing-node/arb-node/metrics"
	"github.com/clearing-node/arb-node/optimizer"
	"github.com/clearing-node/arb-node/router"
	"github.com/clearing-node/arb-node/rpchealth"
	"github.com/clearing-node/arb-node/scheduler"
	"github.com/clearing-node/arb-node/signer"
	"github.com/clearing-node/arb-node/txlifecycle"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrRecentlyReverted = errors.New("same clear reverted recently")
	ErrRoundAborted     = errors.New("round aborted before the pair was processed")
)

type Config struct {
	// Deadline of the whole round, zero for none
	Deadline time.Duration
	Shuffle  bool
	// GasPriceMultiplier is applied in percent to the node's gas price
	GasPriceMultiplier int64
	SinkTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		GasPriceMultiplier: 100,
		SinkTimeout:        10 * time.Second,
	}
}

type Chain interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	QuoteOrder(ctx context.Context, orderbook common.Address, takeOrder *arb.TakeOrderConfig) (*chain.Quote, error)
}

type PriceSource interface {
	NativePrice(ctx context.Context, token common.Address) (*big.Int, error)
}

type Optimizer interface {
	FindOppWithRetries(ctx context.Context, args *optimizer.Args) (*arb.OppResult, error)
}

type Executor interface {
	Execute(ctx context.Context, acc *signer.Account, opp *arb.OppResult, pair *arb.Pair, prices txlifecycle.Prices, onSent func(err error)) *txlifecycle.Outcome
}

type Deps struct {
	Scheduler *scheduler.Scheduler
	Pool      *signer.Pool
	Chain     Chain
	Router    router.Router
	Prices    PriceSource
	Optimizer Optimizer
	Executor  Executor
	Reverts   txlifecycle.RevertCache
	// Transport is optional, its per endpoint counters are reported and reset every round
	Transport *rpchealth.Transport
	Sinks     []Sink
}

type Runner struct {
	log  *zap.Logger
	cfg  Config
	deps Deps

	mu         sync.RWMutex
	round      uint64
	last       *Report
	avgGasCost *big.Int
}

func NewRunner(log *zap.Logger, cfg Config, deps Deps) *Runner {
	return &Runner{
		log:  log.Named("round"),
		cfg:  cfg,
		deps: deps,
	}
}

type job struct {
	bundle arb.BundledOrders
	pair   arb.Pair
}

// Run processes one round. Per pair failures are recorded in the report and never abort the round,
// an error is returned only when the parent context is done.
func (r *Runner) Run(parent context.Context) (*Report, error) {
	start := time.Now()
	metrics.IncRounds()

	r.mu.Lock()
	r.round++
	report := &Report{Round: r.round, StartedAt: start}
	r.mu.Unlock()

	ctx := parent
	if r.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, r.cfg.Deadline)
		defer cancel()
	}

	r.deps.Pool.ResetRound()
	var jobs []job
	for _, bundles := range r.deps.Scheduler.PrepareRound(r.cfg.Shuffle) {
		for _, bundle := range bundles {
			for i := range bundle.TakeOrders {
				focused := bundle.Focus(i)
				jobs = append(jobs, job{bundle: focused, pair: focused.Pair(0)})
			}
		}
	}
	logger := r.log.With(zap.Uint64("round", report.Round))
	logger.Info("Round started", zap.Int("pairs", len(jobs)))

	report.Results = make([]arb.ProcessPairResult, len(jobs))
	gasPrice, gasErr := r.gasPrice(ctx)

	var wg sync.WaitGroup
	for i := range jobs {
		if gasErr != nil {
			report.Results[i] = haltResult(&jobs[i], arb.Halt(arb.HaltFailedToGetGasPrice, gasErr, nil))
			continue
		}
		acc, err := r.deps.Pool.Acquire(ctx)
		if err != nil {
			reason := arb.HaltUnexpectedError
			if errors.Is(err, signer.ErrAllExhausted) {
				reason = arb.HaltNoWalletFund
			}
			for j := i; j < len(jobs); j++ {
				report.Results[j] = haltResult(&jobs[j], arb.Halt(reason, errors.Join(ErrRoundAborted, err), nil))
			}
			logger.Warn("Stopped dispatching pairs", zap.Error(err), zap.Int("skipped", len(jobs)-i))
			break
		}
		wg.Add(1)
		go func(i int, acc *signer.Account) {
			defer wg.Done()
			report.Results[i] = r.processPair(ctx, acc, &jobs[i], gasPrice)
		}(i, acc)
	}
	wg.Wait()

	for _, result := range report.Results {
		metrics.IncPairResult(result.Status.String(), result.Reason.String())
	}
	report.AvgGasCost = r.updateAvgGasCost(report.Results)
	if r.deps.Transport != nil {
		report.RPC = r.deps.Transport.Report()
	}
	for _, acc := range r.deps.Pool.Accounts() {
		metrics.SetSignerBalance(acc.Address.Hex(), decimal.NewFromBigInt(acc.Balance(), -18).InexactFloat64())
	}
	report.FinishedAt = time.Now()
	metrics.RecordRoundDuration(report.FinishedAt.Sub(start).Milliseconds())

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	r.publish(report)

	counts := report.Count()
	logger.Info("Round finished",
		zap.Int("pairs", len(report.Results)),
		zap.Int("foundOpportunity", counts[arb.StatusFoundOpportunity]),
		zap.Int("noOpportunity", counts[arb.StatusNoOpportunity]),
		zap.Int("zeroOutput", counts[arb.StatusZeroOutput]),
		zap.Int("cleared", report.Cleared()),
		zap.Duration("duration", report.FinishedAt.Sub(start)),
	)

	if err := parent.Err(); err != nil {
		metrics.IncRoundsFailed()
		return report, err
	}
	return report, nil
}

func (r *Runner) gasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := r.deps.Chain.GasPrice(ctx)
	if err != nil {
		r.log.Warn("Failed to get gas price", zap.Error(err))
		return nil, err
	}
	gasPrice.Mul(gasPrice, big.NewInt(r.cfg.GasPriceMultiplier))
	return gasPrice.Quo(gasPrice, big.NewInt(100)), nil
}

// updateAvgGasCost folds the round's gas costs into the running average as (avg + cost) / 2
func (r *Runner) updateAvgGasCost(results []arb.ProcessPairResult) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, result := range results {
		if result.GasCost == nil {
			continue
		}
		if r.avgGasCost == nil {
			r.avgGasCost = new(big.Int).Set(result.GasCost)
			continue
		}
		r.avgGasCost.Add(r.avgGasCost, result.GasCost)
		r.avgGasCost.Quo(r.avgGasCost, big.NewInt(2))
	}
	if r.avgGasCost == nil {
		return nil
	}
	return new(big.Int).Set(r.avgGasCost)
}

func (r *Runner) publish(report *Report) {
	for _, sink := range r.deps.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
		if err := sink.StoreReport(ctx, report); err != nil {
			metrics.IncReportSinkFailures()
			r.log.Error("Failed to store round report", zap.Error(err), zap.Uint64("round", report.Round))
		}
		cancel()
	}
}

// LastReport returns the report of the latest finished round, nil before the first one
func (r *Runner) LastReport() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Runner) AvgGasCost() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.avgGasCost == nil {
		return nil
	}
	return new(big.Int).Set(r.avgGasCost)
}
