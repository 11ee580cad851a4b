package signer

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAccounts(t *testing.T, n int) []*Account {
	t.Helper()
	res := make([]*Account, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		res = append(res, NewAccount(key, big.NewInt(137)))
	}
	return res
}

func TestPool_MutualExclusion(t *testing.T) {
	accounts := newAccounts(t, 3)
	pool, err := NewPool(zap.NewNop(), accounts)
	require.NoError(t, err)

	inUse := make(map[common.Address]*atomic.Int32)
	for _, acc := range accounts {
		inUse[acc.Address] = new(atomic.Int32)
	}

	var overlapped atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := pool.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			if inUse[acc.Address].Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(time.Millisecond)
			inUse[acc.Address].Add(-1)
			pool.Release(acc)
		}()
	}
	wg.Wait()

	require.False(t, overlapped.Load())
	for _, acc := range accounts {
		require.False(t, acc.Busy())
	}
}

func TestPool_WaitsForRelease(t *testing.T) {
	accounts := newAccounts(t, 1)
	pool, err := NewPool(zap.NewNop(), accounts)
	require.NoError(t, err)

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Account)
	go func() {
		acc, err := pool.Acquire(context.Background())
		assert.NoError(t, err)
		acquired <- acc
	}()

	select {
	case <-acquired:
		t.Fatal("acquired a busy signer")
	case <-time.After(20 * time.Millisecond):
	}

	pool.Release(first)
	select {
	case acc := <-acquired:
		require.Equal(t, first.Address, acc.Address)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestPool_AcquireContextCancelled(t *testing.T) {
	pool, err := NewPool(zap.NewNop(), newAccounts(t, 1))
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_Exhaustion(t *testing.T) {
	accounts := newAccounts(t, 2)
	pool, err := NewPool(zap.NewNop(), accounts)
	require.NoError(t, err)

	pool.MarkExhausted(accounts[0])
	acc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, accounts[1].Address, acc.Address)
	pool.Release(acc)

	pool.MarkExhausted(accounts[1])
	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrAllExhausted)

	pool.ResetRound()
	acc, err = pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, acc)
}

func TestPool_ExhaustionWakesWaiters(t *testing.T) {
	accounts := newAccounts(t, 1)
	pool, err := NewPool(zap.NewNop(), accounts)
	require.NoError(t, err)

	acc, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan error)
	go func() {
		_, err := pool.Acquire(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	pool.MarkExhausted(acc)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAllExhausted)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by exhaustion")
	}
}

func TestPool_Rotation(t *testing.T) {
	accounts := newAccounts(t, 3)
	pool, err := NewPool(zap.NewNop(), accounts)
	require.NoError(t, err)

	var got []common.Address
	for i := 0; i < 3; i++ {
		acc, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		got = append(got, acc.Address)
		pool.Release(acc)
	}
	require.Equal(t, []common.Address{accounts[0].Address, accounts[1].Address, accounts[2].Address}, got)
}

func TestAccount_Ledger(t *testing.T) {
	acc, err := AccountFromHex("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", acc.Address.Hex())

	acc.SetBalance(big.NewInt(1000))
	acc.Debit(big.NewInt(300))
	require.Equal(t, int64(700), acc.Balance().Int64())

	token := common.HexToAddress("0x02")
	acc.AddBounty(token, token)
	require.Equal(t, []common.Address{token}, acc.Bounty())

	tx := types.NewTransaction(0, token, big.NewInt(0), 21000, big.NewInt(1), nil)
	signed, err := acc.SignTx(tx)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), signed)
	require.NoError(t, err)
	require.Equal(t, acc.Address, from)

	_, err = AccountFromHex("nothex", big.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidKey)
}
