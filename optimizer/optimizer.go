// Package optimizer searches for the largest input of a pair that can be cleared profitably
// after gas costs.
package optimizer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/clearing-node/arb-node/arb"
	"github.com/clearing-node/arb-node/chain"
	"github.com/clearing-node/arb-node/metrics"
	"github.com/clearing-node/arb-node/router"
	"github.com/clearing-node/arb-node/rpchealth"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

var (
	ErrZeroInput   = errors.New("maximum input is zero")
	ErrEmptyBundle = errors.New("bundle has no take orders")
)

var (
	big1      = big.NewInt(1)
	big100    = big.NewInt(100)
	bigEther  = big.NewInt(1e18)
	headroom  = big.NewInt(arb.GasCoverageHeadroomPercent)
	zeroGuard = new(big.Int)
)

type Config struct {
	ChainID    uint64
	ArbAddress common.Address
	// GasCoveragePercent of the gas cost the clear must recoup from its own proceeds
	GasCoveragePercent int64
	// GasLimitMultiplier is applied in percent to the estimated gas
	GasLimitMultiplier int64
	// Hops is the number of halving iterations after the full balance probe
	Hops    int
	Retries int
}

func DefaultConfig() Config {
	return Config{
		GasCoveragePercent: 100,
		GasLimitMultiplier: 100,
		Hops:               7,
		Retries:            1,
	}
}

// Chain is the read only part of the chain client used for simulations
type Chain interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Args describes one pair candidate. Bundle has the target pair's take order first.
type Args struct {
	Bundle   arb.BundledOrders
	Signer   common.Address
	GasPrice *big.Int
	// VaultBalance is the quoted max output of the target order, the upper bound of the search
	VaultBalance *big.Int
	// OrderRatio is the quoted io ratio of the target order, 18 decimals
	OrderRatio *big.Int
	// BuyTokenPrice and SellTokenPrice are the amounts of token, in token decimals, worth 1 native token
	BuyTokenPrice  *big.Int
	SellTokenPrice *big.Int
}

type trialFunc func(ctx context.Context, args *Args, mode Mode, maximumInput *big.Int) (*arb.OppResult, error)

type Optimizer struct {
	log    *zap.Logger
	cfg    Config
	chain  Chain
	router router.Router

	trial trialFunc
}

func New(log *zap.Logger, cfg Config, chain Chain, r router.Router) *Optimizer {
	o := &Optimizer{
		log:    log.Named("optimizer"),
		cfg:    cfg,
		chain:  chain,
		router: r,
	}
	o.trial = o.Dryrun
	return o
}

// Dryrun tries one candidate maximum input: routes it, builds the clear and estimates its gas twice,
// the second time with the minimum sender output guard that recoups the configured share of gas.
func (o *Optimizer) Dryrun(ctx context.Context, args *Args, mode Mode, maximumInput *big.Int) (*arb.OppResult, error) {
	start := time.Now()
	defer func() {
		metrics.RecordDryrunDuration(time.Since(start).Milliseconds())
	}()

	attrs := map[string]any{
		"mode":         mode.String(),
		"maximumInput": maximumInput.String(),
	}
	if maximumInput.Sign() <= 0 {
		return nil, arb.Halt(arb.HaltNoOpportunity, ErrZeroInput, attrs)
	}
	orders := mode.Orders(&args.Bundle)
	if len(orders) == 0 {
		return nil, arb.Halt(arb.HaltNoOpportunity, ErrEmptyBundle, attrs)
	}

	blockNumber, err := o.chain.BlockNumber(ctx)
	if err != nil {
		o.log.Debug("Failed to get block number for dryrun", zap.Error(err))
	}
	attrs["blockNumber"] = blockNumber

	route, err := o.router.FindRoute(ctx, &router.RouteRequest{
		ChainID:   o.cfg.ChainID,
		FromToken: args.Bundle.BuyToken,
		ToToken:   args.Bundle.SellToken,
		AmountIn:  (*hexutil.Big)(maximumInput),
		GasPrice:  (*hexutil.Big)(args.GasPrice),
	})
	if err != nil {
		attrs["route"] = "no-way"
		return nil, arb.Halt(arb.HaltNoRoute, err, attrs)
	}
	marketPrice := route.Price(maximumInput, args.Bundle.BuyTokenDecimals, args.Bundle.SellTokenDecimals)
	attrs["marketPrice"] = chain.FormatUnits(marketPrice, 18)
	attrs["amountOut"] = route.AmountOut.ToInt().String()
	attrs["legs"] = len(route.Legs)

	routeData, err := o.router.BuildCallData(ctx, route, o.cfg.ArbAddress, o.cfg.ArbAddress)
	if err != nil {
		return nil, arb.Halt(arb.HaltNoRoute, err, attrs)
	}

	takeOrders := &arb.TakeOrdersConfig{
		MinimumInput:   big1,
		MaximumInput:   maximumInput,
		MaximumIORatio: marketPrice,
		Orders:         orders,
		Data:           routeData,
	}

	gasLimit, err := o.estimate(ctx, args, takeOrders, zeroGuard)
	if err != nil {
		attrs["stage"] = "initial"
		return nil, o.simulationHalt(err, attrs)
	}
	gasCostInToken := o.gasCostInToken(gasLimit, args)

	guard := new(big.Int).Mul(gasCostInToken, big.NewInt(o.cfg.GasCoveragePercent))
	guard.Mul(guard, headroom)
	guard.Quo(guard, big100)
	guard.Quo(guard, big100)

	if o.cfg.GasCoveragePercent > 0 {
		gasLimit, err = o.estimate(ctx, args, takeOrders, guard)
		if err != nil {
			attrs["stage"] = "final"
			attrs["guard"] = guard.String()
			return nil, o.simulationHalt(err, attrs)
		}
		gasCostInToken = o.gasCostInToken(gasLimit, args)
		guard = new(big.Int).Mul(gasCostInToken, big.NewInt(o.cfg.GasCoveragePercent))
		guard.Quo(guard, big100)
	}

	data, err := chain.PackArb(args.Bundle.Orderbook, takeOrders, guard)
	if err != nil {
		return nil, arb.Halt(arb.HaltUnexpectedError, err, attrs)
	}

	return &arb.OppResult{
		RawTx: arb.RawTx{
			From:     args.Signer,
			To:       o.cfg.ArbAddress,
			Data:     data,
			Gas:      gasLimit,
			GasPrice: args.GasPrice,
		},
		MaximumInput:    new(big.Int).Set(maximumInput),
		GasCostInToken:  gasCostInToken,
		EstimatedProfit: o.estimatedProfit(args, marketPrice, maximumInput),
		MarketPrice:     marketPrice,
		BlockNumber:     blockNumber,
		Mode:            mode.String(),
		OrderIDs:        mode.OrderIDs(&args.Bundle),
	}, nil
}

// estimate returns the gas limit of the clear with the given guard, multiplier applied
func (o *Optimizer) estimate(ctx context.Context, args *Args, takeOrders *arb.TakeOrdersConfig, guard *big.Int) (uint64, error) {
	data, err := chain.PackArb(args.Bundle.Orderbook, takeOrders, guard)
	if err != nil {
		return 0, err
	}
	gas, err := o.chain.EstimateGas(ctx, ethereum.CallMsg{
		From:     args.Signer,
		To:       &o.cfg.ArbAddress,
		GasPrice: args.GasPrice,
		Data:     data,
	})
	if err != nil {
		return 0, err
	}
	return gas * uint64(o.cfg.GasLimitMultiplier) / 100, nil
}

func (o *Optimizer) simulationHalt(err error, attrs map[string]any) *arb.Error {
	attrs["error"] = err.Error()
	if rpcErr, ok := rpchealth.AsError(err); ok && len(rpcErr.Data) > 0 {
		attrs["reason"] = chain.DecodeRevert(rpcErr.Data)
	}
	if rpchealth.KindOf(err) == rpchealth.KindInsufficientFunds {
		return arb.Halt(arb.HaltNoWalletFund, err, attrs)
	}
	return arb.Halt(arb.HaltNoOpportunity, err, attrs)
}

// gasCostInToken converts gasLimit * gasPrice to sell token units, the token the clear's
// proceeds and the minimum sender output are denominated in
func (o *Optimizer) gasCostInToken(gasLimit uint64, args *Args) *big.Int {
	cost := new(big.Int).SetUint64(gasLimit)
	cost.Mul(cost, args.GasPrice)
	cost.Mul(cost, args.SellTokenPrice)
	return cost.Quo(cost, bigEther)
}

// estimatedProfit is (marketPrice - orderRatio) * maximumInput, converted to native
func (o *Optimizer) estimatedProfit(args *Args, marketPrice, maximumInput *big.Int) *big.Int {
	if args.OrderRatio == nil || args.SellTokenPrice == nil || args.SellTokenPrice.Sign() == 0 {
		return new(big.Int)
	}
	profit := new(big.Int).Sub(marketPrice, args.OrderRatio)
	profit.Mul(profit, chain.ScaleTo18(maximumInput, args.Bundle.BuyTokenDecimals))
	profit.Quo(profit, bigEther)
	profit.Mul(profit, bigEther)
	return profit.Quo(profit, chain.ScaleTo18(args.SellTokenPrice, args.Bundle.SellTokenDecimals))
}

// FindOpp binary-searches the largest profitable maximum input for one mode.
// The full vault balance is probed first and returned as is when it already clears,
// then every iteration moves the candidate by balance/2^i, up after a success and down after a failure.
func (o *Optimizer) FindOpp(ctx context.Context, args *Args, mode Mode) (*arb.OppResult, error) {
	balance := args.VaultBalance
	maximumInput := new(big.Int).Set(balance)

	res, err := o.trial(ctx, args, mode, maximumInput)
	if err == nil {
		return res, nil
	}
	if arb.ReasonOf(err) == arb.HaltNoWalletFund {
		return nil, err
	}

	var (
		best       *arb.OppResult
		lastErr    = err
		allNoRoute = arb.ReasonOf(err) == arb.HaltNoRoute
		lastOK     = false
	)
	for i := 1; i <= o.cfg.Hops; i++ {
		if ctx.Err() != nil {
			break
		}
		step := new(big.Int).Rsh(balance, uint(i))
		if lastOK {
			maximumInput.Add(maximumInput, step)
		} else {
			maximumInput.Sub(maximumInput, step)
		}

		res, err := o.trial(ctx, args, mode, new(big.Int).Set(maximumInput))
		if err == nil {
			best = res
			lastOK = true
			continue
		}
		if arb.ReasonOf(err) == arb.HaltNoWalletFund {
			return nil, err
		}
		// NoRoute shrinks the input like any other failure
		if arb.ReasonOf(err) != arb.HaltNoRoute {
			allNoRoute = false
		}
		lastErr = err
		lastOK = false
	}

	if best != nil {
		return best, nil
	}
	if ctx.Err() != nil {
		return nil, arb.Halt(arb.HaltUnexpectedError, ctx.Err(), nil)
	}
	halt := asHalt(lastErr)
	if allNoRoute {
		return nil, arb.Halt(arb.HaltNoRoute, halt.Err, halt.Attrs)
	}
	return nil, arb.Halt(arb.HaltNoOpportunity, halt.Err, halt.Attrs)
}

// FindOppWithRetries runs FindOpp concurrently for every configured mode and keeps the success
// with the largest maximum input, the first one on ties.
func (o *Optimizer) FindOppWithRetries(ctx context.Context, args *Args) (*arb.OppResult, error) {
	modes := Modes(o.cfg.Retries)
	results := make([]*arb.OppResult, len(modes))
	errs := make([]error, len(modes))

	var wg sync.WaitGroup
	for i, mode := range modes {
		wg.Add(1)
		go func(i int, mode Mode) {
			defer wg.Done()
			results[i], errs[i] = o.FindOpp(ctx, args, mode)
		}(i, mode)
	}
	wg.Wait()

	var best *arb.OppResult
	for _, res := range results {
		if res == nil {
			continue
		}
		if best == nil || res.MaximumInput.Cmp(best.MaximumInput) > 0 {
			best = res
		}
	}
	if best != nil {
		return best, nil
	}

	var worst *arb.Error
	for _, err := range errs {
		halt := asHalt(err)
		if worst == nil || halt.Reason.Severity() > worst.Reason.Severity() {
			worst = halt
		}
	}
	if worst.Reason != arb.HaltNoOpportunity {
		return nil, worst
	}
	first := asHalt(errs[0])
	return nil, arb.Halt(arb.HaltNoOpportunity, first.Err, first.Attrs)
}

func asHalt(err error) *arb.Error {
	var halt *arb.Error
	if errors.As(err, &halt) {
		return halt
	}
	return arb.Halt(arb.HaltUnexpectedError, err, nil)
}
