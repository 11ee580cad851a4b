package scheduler

import (
	"context"
	"math"
	"math/big"

	"github.com/clearing-node/arb-node/chain"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VaultReader reads balances on chain, implemented by the chain client
type VaultReader interface {
	VaultBalances(ctx context.Context, orderbook common.Address, keys []chain.VaultKey) ([]*big.Int, error)
	TokenBalances(ctx context.Context, holder common.Address, tokens []common.Address) ([]*big.Int, error)
}

var _ VaultReader = (*chain.Client)(nil)

var big10000 = big.NewInt(10000)

// ownerVaults are the distinct vaults of one owner's active orders, grouped by token
type ownerVaults struct {
	owner  common.Address
	tokens []common.Address
	vaults map[common.Address][]chain.VaultKey
}

type downscaleJob struct {
	orderbook common.Address
	owners    []*ownerVaults
	tokens    []common.Address
}

// DownscaleProtection resets limits and lowers the limit of owners whose average vault is a small
// share of the rest of the orderbook's liquidity in the same tokens. Admin pinned owners are skipped.
// It must be re-run whenever the order set changes.
func (s *Scheduler) DownscaleProtection(ctx context.Context, reader VaultReader) error {
	jobs := s.downscaleJobs()

	limits := make([]map[common.Address]int, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			res, err := s.orderbookLimits(ctx, reader, job)
			if err != nil {
				return err
			}
			limits[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLimits()
	for i, job := range jobs {
		ob, ok := s.orderbooks[job.orderbook]
		if !ok {
			continue
		}
		for owner, limit := range limits[i] {
			if profile, ok := ob.owners[owner]; ok {
				profile.Limit = limit
			}
		}
	}
	return nil
}

func (s *Scheduler) downscaleJobs() []*downscaleJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*downscaleJob
	for _, obAddress := range s.order {
		ob := s.orderbooks[obAddress]
		job := &downscaleJob{orderbook: obAddress}
		seenTokens := make(map[common.Address]bool)

		for _, ownerAddress := range ob.order {
			if _, pinned := s.adminLimits[ownerAddress]; pinned {
				continue
			}
			ov := &ownerVaults{owner: ownerAddress, vaults: make(map[common.Address][]chain.VaultKey)}
			seenVaults := make(map[string]bool)
			profile := ob.owners[ownerAddress]
			for _, hash := range profile.hashes {
				order := profile.Orders[hash]
				if !order.Active {
					continue
				}
				ios := append(append(order.Record.Order.ValidInputs[:0:0], order.Record.Order.ValidInputs...), order.Record.Order.ValidOutputs...)
				for _, io := range ios {
					id := io.Token.Hex() + "/" + io.VaultID.String()
					if seenVaults[id] {
						continue
					}
					seenVaults[id] = true
					if _, ok := ov.vaults[io.Token]; !ok {
						ov.tokens = append(ov.tokens, io.Token)
					}
					ov.vaults[io.Token] = append(ov.vaults[io.Token], chain.VaultKey{Owner: ownerAddress, Token: io.Token, VaultID: io.VaultID})
					if !seenTokens[io.Token] {
						seenTokens[io.Token] = true
						job.tokens = append(job.tokens, io.Token)
					}
				}
			}
			if len(ov.tokens) > 0 {
				job.owners = append(job.owners, ov)
			}
		}
		if len(job.owners) > 0 {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func (s *Scheduler) orderbookLimits(ctx context.Context, reader VaultReader, job *downscaleJob) (map[common.Address]int, error) {
	var keys []chain.VaultKey
	for _, ov := range job.owners {
		for _, token := range ov.tokens {
			keys = append(keys, ov.vaults[token]...)
		}
	}
	vaultBalances, err := reader.VaultBalances(ctx, job.orderbook, keys)
	if err != nil {
		return nil, err
	}
	tokenBalances, err := reader.TokenBalances(ctx, job.orderbook, job.tokens)
	if err != nil {
		return nil, err
	}
	obBalance := make(map[common.Address]*big.Int, len(job.tokens))
	for i, token := range job.tokens {
		obBalance[token] = tokenBalances[i]
	}

	res := make(map[common.Address]int, len(job.owners))
	cursor := 0
	for _, ov := range job.owners {
		divisors := make([]int, 0, len(ov.tokens))
		for _, token := range ov.tokens {
			n := len(ov.vaults[token])
			ownerTotal := new(big.Int)
			for _, balance := range vaultBalances[cursor : cursor+n] {
				ownerTotal.Add(ownerTotal, balance)
			}
			cursor += n
			avg := new(big.Int).Quo(ownerTotal, big.NewInt(int64(n)))
			divisors = append(divisors, divisorFor(avg, new(big.Int).Sub(obBalance[token], ownerTotal)))
		}
		res[ov.owner] = limitFor(s.defaultLimit, divisors)
		s.log.Debug("Owner limit computed",
			zap.String("orderbook", job.orderbook.Hex()),
			zap.String("owner", ov.owner.Hex()),
			zap.Ints("divisors", divisors),
			zap.Int("limit", res[ov.owner]),
		)
	}
	return res, nil
}

// divisorFor maps the share avg/rest, in percent, to a limit divisor:
// >=75% -> 1, [50,75) -> 2, [25,50) -> 3, (0,25) -> 4, 0 -> 1.
// A non positive rest means the owner holds all the liquidity.
func divisorFor(avg, rest *big.Int) int {
	if avg.Sign() == 0 {
		return 1
	}
	if rest.Sign() <= 0 {
		return 1
	}
	bps := new(big.Int).Mul(avg, big10000)
	bps.Quo(bps, rest)
	switch {
	case bps.Cmp(big.NewInt(7500)) >= 0:
		return 1
	case bps.Cmp(big.NewInt(5000)) >= 0:
		return 2
	case bps.Cmp(big.NewInt(2500)) >= 0:
		return 3
	default:
		return 4
	}
}

func limitFor(defaultLimit int, divisors []int) int {
	if len(divisors) == 0 {
		return defaultLimit
	}
	sum := 0
	for _, d := range divisors {
		sum += d
	}
	div := int(math.Round(float64(sum) / float64(len(divisors))))
	if div < 1 {
		div = 1
	}
	limit := defaultLimit / div
	if limit < 1 {
		limit = 1
	}
	return limit
}
