package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
rpc: [http://127.0.0.1:8545]
router: http://127.0.0.1:9000
arbAddress: "0x0000000000000000000000000000000000001000"
wrappedNative: "0x0000000000000000000000000000000000002000"
`

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, common.HexToAddress("0x1000"), config.arbAddress)
	require.Equal(t, common.Address{}, config.multicall)
	require.Equal(t, 7, config.Hops)
	require.Equal(t, int64(100), config.GasCoveragePercent)
	require.Equal(t, 10*time.Second, config.durations.roundInterval)
	require.Equal(t, 2*time.Minute, config.durations.roundDeadline)
	require.Equal(t, 60*time.Second, config.durations.receiptTimeout)
	require.Equal(t, rate.Inf, config.rpcRateLimit())
	require.Empty(t, config.ownerLimits)
	require.Equal(t, 100, config.BalanceResyncEvery)
}

func TestLoadConfig_Example(t *testing.T) {
	config, err := LoadConfig("config.example.yaml")
	require.NoError(t, err)
	require.Len(t, config.RPC, 2)
	require.Equal(t, 2, config.Retries)
	require.Equal(t, rate.Limit(20), config.rpcRateLimit())
	require.Equal(t, map[common.Address]int{common.HexToAddress("0xa11"): 5}, config.ownerLimits)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name  string
		extra string
	}{
		{"bad duration", "roundInterval: 10"},
		{"zero interval", "roundInterval: 0s"},
		{"negative duration", "roundDeadline: -1s"},
		{"bad arb address", `arbAddress: "0x12"`},
		{"bad multicall", `multicall: "multicall"`},
		{"too many retries", "retries: 5"},
		{"no hops", "hops: 0"},
		{"negative coverage", "gasCoveragePercent: -1"},
		{"zero multiplier", "gasPriceMultiplier: 0"},
		{"negative resync", "balanceResyncEvery: -1"},
		{"bad owner", "ownerLimits: {owner: 3}"},
		{"bad owner limit", `ownerLimits: {"0x0000000000000000000000000000000000000a11": 0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, minimalConfig+tt.extra+"\n"))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestConfig_ValidateRequired(t *testing.T) {
	config := defaultConfig()
	require.ErrorIs(t, config.Validate(), ErrInvalidConfig)

	config.RPC = []string{"http://127.0.0.1:8545"}
	require.ErrorIs(t, config.Validate(), ErrInvalidConfig)

	config.Router = "http://127.0.0.1:9000"
	config.ArbAddress = "0x0000000000000000000000000000000000001000"
	config.WrappedNative = "0x0000000000000000000000000000000000002000"
	require.NoError(t, config.Validate())
}

func TestConfig_SignerKeys(t *testing.T) {
	config := defaultConfig()
	config.SignerKeysEnv = "TEST_ARB_NODE_SIGNER_KEYS"

	t.Setenv(config.SignerKeysEnv, "")
	_, err := config.signerKeys()
	require.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv(config.SignerKeysEnv, " 0x01, ,0x02 ")
	keys, err := config.signerKeys()
	require.NoError(t, err)
	require.Equal(t, []string{"0x01", "0x02"}, keys)
}

func TestEveryNth(t *testing.T) {
	var resynced []int
	for round := 1; round <= 10; round++ {
		if everyNth(round, 4) {
			resynced = append(resynced, round)
		}
	}
	require.Equal(t, []int{1, 4, 8}, resynced)

	// zero keeps the startup read only, the ledger is debited locally afterwards
	for round := 2; round <= 200; round++ {
		require.False(t, everyNth(round, 0))
	}
	require.True(t, everyNth(1, 0))
}
