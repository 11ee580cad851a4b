package signer

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidKey = errors.New("invalid signer private key")

// Account is one bot wallet. At most one pair uses it at a time, guarded by the pool's busy flag.
type Account struct {
	Address common.Address

	key    *ecdsa.PrivateKey
	signer types.Signer

	busy      atomic.Bool
	exhausted atomic.Bool

	mu      sync.Mutex
	balance *big.Int
	bounty  mapset.Set[common.Address]
}

func NewAccount(key *ecdsa.PrivateKey, chainID *big.Int) *Account {
	return &Account{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
		signer:  types.LatestSignerForChainID(chainID),
		balance: new(big.Int),
		bounty:  mapset.NewSet[common.Address](),
	}
}

// AccountFromHex parses a hex private key, with or without 0x prefix
func AccountFromHex(hexKey string, chainID *big.Int) (*Account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Join(ErrInvalidKey, err)
	}
	return NewAccount(key, chainID), nil
}

func (a *Account) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, a.signer, a.key)
}

// Balance is the locally tracked native balance
func (a *Account) Balance() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return new(big.Int).Set(a.balance)
}

func (a *Account) SetBalance(balance *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance = new(big.Int).Set(balance)
}

// Debit subtracts the gas cost of a mined transaction from the ledger
func (a *Account) Debit(amount *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance.Sub(a.balance, amount)
}

// AddBounty records a token the account received as clearing proceeds
func (a *Account) AddBounty(tokens ...common.Address) {
	for _, token := range tokens {
		a.bounty.Add(token)
	}
}

func (a *Account) Bounty() []common.Address {
	return a.bounty.ToSlice()
}

func (a *Account) Busy() bool {
	return a.busy.Load()
}

func (a *Account) Exhausted() bool {
	return a.exhausted.Load()
}
