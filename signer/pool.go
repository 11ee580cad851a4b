// Package signer manages the pool of bot wallets shared by concurrently processed pairs.
package signer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/clearing-node/arb-node/metrics"
	"go.uber.org/zap"
)

var (
	ErrNoAccounts   = errors.New("signer pool has no accounts")
	ErrAllExhausted = errors.New("all signers are out of funds for this round")
)

// Pool hands out accounts so that no account is used by two pairs at once.
// The busy flag of each account is the source of truth, the candidate order only
// rotates recently used accounts to the back.
type Pool struct {
	log *zap.Logger

	mu       sync.Mutex
	accounts []*Account
	order    []*Account
	wake     chan struct{}
}

func NewPool(log *zap.Logger, accounts []*Account) (*Pool, error) {
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	order := make([]*Account, len(accounts))
	copy(order, accounts)
	return &Pool{
		log:      log.Named("signer"),
		accounts: accounts,
		order:    order,
		wake:     make(chan struct{}),
	}, nil
}

// Acquire blocks until an account that is neither busy nor exhausted is available.
func (p *Pool) Acquire(ctx context.Context) (*Account, error) {
	start := time.Now()
	defer func() {
		metrics.RecordSignerWaitDuration(time.Since(start).Milliseconds())
	}()

	for {
		acc, wake, err := p.tryAcquire()
		if err != nil {
			return nil, err
		}
		if acc != nil {
			return acc, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// tryAcquire returns the wake channel grabbed before scanning so a release racing with
// the scan is never missed.
func (p *Pool) tryAcquire() (*Account, <-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wake := p.wake
	available := 0
	for i, acc := range p.order {
		if acc.exhausted.Load() {
			continue
		}
		available++
		if acc.busy.CompareAndSwap(false, true) {
			p.order = append(append(p.order[:i:i], p.order[i+1:]...), acc)
			return acc, nil, nil
		}
	}
	if available == 0 {
		return nil, nil, ErrAllExhausted
	}
	return nil, wake, nil
}

func (p *Pool) Release(acc *Account) {
	if !acc.busy.CompareAndSwap(true, false) {
		p.log.Warn("Signer released twice", zap.String("signer", acc.Address.Hex()))
		return
	}
	p.broadcast()
}

// MarkExhausted excludes the account for the rest of the round, used after NoWalletFund
func (p *Pool) MarkExhausted(acc *Account) {
	if acc.exhausted.CompareAndSwap(false, true) {
		p.log.Info("Signer marked out of funds for this round", zap.String("signer", acc.Address.Hex()))
		p.broadcast()
	}
}

func (p *Pool) ResetRound() {
	for _, acc := range p.accounts {
		acc.exhausted.Store(false)
	}
	p.broadcast()
}

func (p *Pool) broadcast() {
	p.mu.Lock()
	close(p.wake)
	p.wake = make(chan struct{})
	p.mu.Unlock()
}

func (p *Pool) Accounts() []*Account {
	res := make([]*Account, len(p.accounts))
	copy(res, p.accounts)
	return res
}

type AccountStatus struct {
	Address   string   `json:"address"`
	Busy      bool     `json:"busy"`
	Exhausted bool     `json:"exhausted"`
	Balance   string   `json:"balance"`
	Bounty    []string `json:"bounty"`
}

func (p *Pool) Status() []AccountStatus {
	res := make([]AccountStatus, 0, len(p.accounts))
	for _, acc := range p.accounts {
		bounty := acc.Bounty()
		tokens := make([]string, len(bounty))
		for i, token := range bounty {
			tokens[i] = token.Hex()
		}
		res = append(res, AccountStatus{
			Address:   acc.Address.Hex(),
			Busy:      acc.Busy(),
			Exhausted: acc.Exhausted(),
			Balance:   acc.Balance().String(),
			Bounty:    tokens,
		})
	}
	return res
}
