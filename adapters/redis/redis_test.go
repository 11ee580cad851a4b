package redis

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/clearing-node/arb-node/arb"
	"github.com/clearing-node/arb-node/round"
	"github.com/clearing-node/arb-node/txlifecycle"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var testRedisAddr = cli.GetEnv("TEST_REDIS_ADDR", "")

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	if testRedisAddr == "" {
		t.Skip("TEST_REDIS_ADDR is not set")
	}
	red := redis.NewClient(&redis.Options{
		Addr: testRedisAddr,
	})
	t.Cleanup(func() { _ = red.Close() })
	return red
}

func TestRevertCache(t *testing.T) {
	red := testClient(t)
	ctx := context.Background()

	cache := NewRevertCache(red, 2*time.Second, "test-revert-")
	require.NoError(t, cache.DeleteAll(ctx))

	key := txlifecycle.RevertKey([]common.Hash{common.HexToHash("0x123")}, big.NewInt(1000))
	other := txlifecycle.RevertKey([]common.Hash{common.HexToHash("0x123")}, big.NewInt(1001))

	res, err := cache.IsReverted(ctx, key)
	require.NoError(t, err)
	require.False(t, res)

	require.NoError(t, cache.MarkReverted(ctx, key))

	res, err = cache.IsReverted(ctx, key)
	require.NoError(t, err)
	require.True(t, res)

	res, err = cache.IsReverted(ctx, other)
	require.NoError(t, err)
	require.False(t, res)

	time.Sleep(2*time.Second + 100*time.Millisecond)

	res, err = cache.IsReverted(ctx, key)
	require.NoError(t, err)
	require.False(t, res)
}

func TestReportPublisher(t *testing.T) {
	red := testClient(t)
	ctx := context.Background()

	sub := red.Subscribe(ctx, "test-reports")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	publisher := NewReportPublisher(red, "test-reports")
	report := &round.Report{
		Round: 7,
		Results: []arb.ProcessPairResult{{
			Status: arb.StatusZeroOutput,
			Report: arb.PairReport{Status: arb.StatusZeroOutput, TokenPair: "USDC/WETH"},
		}},
	}
	require.NoError(t, publisher.StoreReport(ctx, report))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
	require.Equal(t, float64(7), decoded["round"])
}
