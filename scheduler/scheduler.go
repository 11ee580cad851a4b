// Package scheduler decides which orders are attempted each round.
// Every owner gets a round-robin window of at most `limit` pairs per round, the limit shrinks
// for owners whose vaults are a small share of the orderbook's liquidity.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/clearing-node/arb-node/arb"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type OrderProfile struct {
	Active bool
	Record arb.OrderRecord
	Pairs  []arb.Pair
}

type OwnerProfile struct {
	Limit     int
	Orders    map[common.Hash]*OrderProfile
	LastIndex int

	// insertion order of Orders
	hashes []common.Hash
}

func (p *OwnerProfile) activePairs() []arb.Pair {
	var res []arb.Pair
	for _, hash := range p.hashes {
		order := p.Orders[hash]
		if order.Active {
			res = append(res, order.Pairs...)
		}
	}
	return res
}

type orderbookProfile struct {
	owners map[common.Address]*OwnerProfile
	order  []common.Address
}

type Scheduler struct {
	log          *zap.Logger
	defaultLimit int
	adminLimits  map[common.Address]int

	mu         sync.Mutex
	rand       *rand.Rand
	orderbooks map[common.Address]*orderbookProfile
	order      []common.Address
}

func New(log *zap.Logger, defaultLimit int, adminLimits map[common.Address]int) *Scheduler {
	if defaultLimit <= 0 {
		defaultLimit = arb.DefaultOwnerLimit
	}
	if adminLimits == nil {
		adminLimits = make(map[common.Address]int)
	}
	return &Scheduler{
		log:          log.Named("scheduler"),
		defaultLimit: defaultLimit,
		adminLimits:  adminLimits,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
		orderbooks:   make(map[common.Address]*orderbookProfile),
	}
}

func (s *Scheduler) initialLimit(owner common.Address) int {
	if limit, ok := s.adminLimits[owner]; ok {
		return limit
	}
	return s.defaultLimit
}

// AddOrders creates profiles on first sight and re-activates known orders.
// It returns the number of orders that changed state.
func (s *Scheduler) AddOrders(records []arb.OrderRecord) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, record := range records {
		ob, ok := s.orderbooks[record.Orderbook]
		if !ok {
			ob = &orderbookProfile{owners: make(map[common.Address]*OwnerProfile)}
			s.orderbooks[record.Orderbook] = ob
			s.order = append(s.order, record.Orderbook)
		}
		owner, ok := ob.owners[record.Owner]
		if !ok {
			owner = &OwnerProfile{
				Limit:  s.initialLimit(record.Owner),
				Orders: make(map[common.Hash]*OrderProfile),
			}
			ob.owners[record.Owner] = owner
			ob.order = append(ob.order, record.Owner)
		}
		if existing, ok := owner.Orders[record.OrderHash]; ok {
			if !existing.Active {
				existing.Active = true
				changed++
			}
			continue
		}
		record := record
		owner.Orders[record.OrderHash] = &OrderProfile{
			Active: true,
			Record: record,
			Pairs:  record.Pairs(),
		}
		owner.hashes = append(owner.hashes, record.OrderHash)
		changed++
	}
	if changed > 0 {
		s.log.Info("Orders added", zap.Int("changed", changed), zap.Int("records", len(records)))
	}
	return changed
}

// RemoveOrders marks the orders inactive, profiles stay so in-flight references remain valid.
func (s *Scheduler) RemoveOrders(orderbook common.Address, hashes []common.Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ob, ok := s.orderbooks[orderbook]
	if !ok {
		return 0
	}
	changed := 0
	for _, hash := range hashes {
		for _, owner := range ob.owners {
			if order, ok := owner.Orders[hash]; ok && order.Active {
				order.Active = false
				changed++
			}
		}
	}
	if changed > 0 {
		s.log.Info("Orders removed", zap.Int("changed", changed), zap.String("orderbook", orderbook.Hex()))
	}
	return changed
}

// PrepareRound slices every owner's next window of pairs and groups them by orderbook and token pair.
func (s *Scheduler) PrepareRound(shuffle bool) [][]arb.BundledOrders {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res [][]arb.BundledOrders
	for _, obAddress := range s.order {
		ob := s.orderbooks[obAddress]

		var bundles []arb.BundledOrders
		index := make(map[[2]common.Address]int)
		for _, ownerAddress := range ob.order {
			for _, pair := range ob.owners[ownerAddress].nextWindow() {
				key := [2]common.Address{pair.BuyToken, pair.SellToken}
				i, ok := index[key]
				if !ok {
					i = len(bundles)
					index[key] = i
					bundles = append(bundles, arb.BundledOrders{
						Orderbook:         obAddress,
						BuyToken:          pair.BuyToken,
						BuyTokenSymbol:    pair.BuyTokenSymbol,
						BuyTokenDecimals:  pair.BuyTokenDecimals,
						SellToken:         pair.SellToken,
						SellTokenSymbol:   pair.SellTokenSymbol,
						SellTokenDecimals: pair.SellTokenDecimals,
					})
				}
				bundles[i].TakeOrders = append(bundles[i].TakeOrders, pair.TakeOrder)
			}
		}
		if len(bundles) == 0 {
			continue
		}
		if shuffle {
			for _, bundle := range bundles {
				takeOrders := bundle.TakeOrders
				s.rand.Shuffle(len(takeOrders), func(i, j int) {
					takeOrders[i], takeOrders[j] = takeOrders[j], takeOrders[i]
				})
			}
			s.rand.Shuffle(len(bundles), func(i, j int) {
				bundles[i], bundles[j] = bundles[j], bundles[i]
			})
		}
		res = append(res, bundles)
	}
	if shuffle {
		s.rand.Shuffle(len(res), func(i, j int) {
			res[i], res[j] = res[j], res[i]
		})
	}
	return res
}

// nextWindow takes up to Limit pairs starting at LastIndex, wrapping to the front without
// repeating a pair, and advances LastIndex by the number taken.
func (p *OwnerProfile) nextWindow() []arb.Pair {
	pairs := p.activePairs()
	total := len(pairs)
	if total == 0 || p.Limit <= 0 {
		return nil
	}
	if p.LastIndex >= total {
		p.LastIndex = 0
	}
	count := p.Limit
	if count > total {
		count = total
	}

	window := make([]arb.Pair, 0, count)
	for i := 0; i < count; i++ {
		window = append(window, pairs[(p.LastIndex+i)%total])
	}
	p.LastIndex = (p.LastIndex + count) % total
	return window
}

// ResetLimits sets every owner back to the default limit, admin pinned owners to their pinned limit
func (s *Scheduler) ResetLimits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLimits()
}

func (s *Scheduler) resetLimits() {
	for _, ob := range s.orderbooks {
		for address, owner := range ob.owners {
			owner.Limit = s.initialLimit(address)
		}
	}
}

// OwnerLimits is keyed by orderbook then owner
func (s *Scheduler) OwnerLimits() map[common.Address]map[common.Address]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make(map[common.Address]map[common.Address]int, len(s.orderbooks))
	for obAddress, ob := range s.orderbooks {
		limits := make(map[common.Address]int, len(ob.owners))
		for address, owner := range ob.owners {
			limits[address] = owner.Limit
		}
		res[obAddress] = limits
	}
	return res
}

// ActiveOrders is the number of active orders across all orderbooks
func (s *Scheduler) ActiveOrders() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ob := range s.orderbooks {
		for _, owner := range ob.owners {
			for _, order := range owner.Orders {
				if order.Active {
					n++
				}
			}
		}
	}
	return n
}
