package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the node's domain configuration, see config.example.yaml
type Config struct {
	RPC          []string `yaml:"rpc"`
	RPCRateLimit float64  `yaml:"rpcRateLimit"`
	RPCTimeout   string   `yaml:"rpcTimeout"`
	RPCCacheTTL  string   `yaml:"rpcCacheTTL"`

	ChainID       uint64 `yaml:"chainId"`
	ArbAddress    string `yaml:"arbAddress"`
	Multicall     string `yaml:"multicall"`
	WrappedNative string `yaml:"wrappedNative"`

	Router        string `yaml:"router"`
	RouterTimeout string `yaml:"routerTimeout"`
	PriceTTL      string `yaml:"priceTTL"`

	// SignerKeysEnv names the env variable holding comma separated private keys
	SignerKeysEnv string `yaml:"signerKeysEnv"`
	OrdersFile    string `yaml:"ordersFile"`

	GasCoveragePercent int64 `yaml:"gasCoveragePercent"`
	GasLimitMultiplier int64 `yaml:"gasLimitMultiplier"`
	GasPriceMultiplier int64 `yaml:"gasPriceMultiplier"`
	Hops               int   `yaml:"hops"`
	Retries            int   `yaml:"retries"`

	RoundInterval  string `yaml:"roundInterval"`
	RoundDeadline  string `yaml:"roundDeadline"`
	Shuffle        bool   `yaml:"shuffle"`
	DownscaleEvery int    `yaml:"downscaleEvery"`
	// BalanceResyncEvery re-reads signer balances from chain every n rounds, zero only at startup.
	// Between resyncs the balances are a local ledger debited after every transaction.
	BalanceResyncEvery int `yaml:"balanceResyncEvery"`

	OwnerLimit  int            `yaml:"ownerLimit"`
	OwnerLimits map[string]int `yaml:"ownerLimits"`

	Confirmations  uint64 `yaml:"confirmations"`
	ReceiptTimeout string `yaml:"receiptTimeout"`
	RevertCacheTTL string `yaml:"revertCacheTTL"`

	durations struct {
		rpcTimeout     time.Duration
		rpcCacheTTL    time.Duration
		routerTimeout  time.Duration
		priceTTL       time.Duration
		roundInterval  time.Duration
		roundDeadline  time.Duration
		receiptTimeout time.Duration
		revertCacheTTL time.Duration
	}
	arbAddress    common.Address
	multicall     common.Address
	wrappedNative common.Address
	ownerLimits   map[common.Address]int
}

func defaultConfig() Config {
	return Config{
		RPCTimeout:         "10s",
		RPCCacheTTL:        "1s",
		RouterTimeout:      "10s",
		PriceTTL:           "30s",
		SignerKeysEnv:      "SIGNER_KEYS",
		OrdersFile:         "orders.yaml",
		GasCoveragePercent: 100,
		GasLimitMultiplier: 100,
		GasPriceMultiplier: 100,
		Hops:               7,
		Retries:            1,
		RoundInterval:      "10s",
		RoundDeadline:      "2m",
		DownscaleEvery:     100,
		BalanceResyncEvery: 100,
		OwnerLimit:         25,
		Confirmations:      1,
		ReceiptTimeout:     "60s",
		RevertCacheTTL:     "10m",
	}
}

// LoadConfig parses a yaml config on top of the defaults and validates it
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func parseAddress(name, value string, required bool) (common.Address, error) {
	if value == "" && !required {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, invalid("%s is not an address: %q", name, value)
	}
	return common.HexToAddress(value), nil
}

// Validate checks the config and parses durations and addresses
func (c *Config) Validate() error {
	if len(c.RPC) == 0 {
		return invalid("at least one rpc endpoint is required")
	}
	if c.Router == "" {
		return invalid("router url is required")
	}
	if c.GasCoveragePercent < 0 {
		return invalid("gasCoveragePercent must not be negative")
	}
	if c.GasLimitMultiplier <= 0 || c.GasPriceMultiplier <= 0 {
		return invalid("gas multipliers must be positive")
	}
	if c.Hops < 1 {
		return invalid("hops must be at least 1")
	}
	if c.Retries < 1 || c.Retries > 4 {
		return invalid("retries must be between 1 and 4")
	}
	if c.OwnerLimit < 1 {
		return invalid("ownerLimit must be at least 1")
	}
	if c.DownscaleEvery < 0 || c.BalanceResyncEvery < 0 {
		return invalid("downscaleEvery and balanceResyncEvery must not be negative")
	}
	if c.RPCRateLimit < 0 {
		return invalid("rpcRateLimit must not be negative")
	}

	var err error
	if c.arbAddress, err = parseAddress("arbAddress", c.ArbAddress, true); err != nil {
		return err
	}
	if c.wrappedNative, err = parseAddress("wrappedNative", c.WrappedNative, true); err != nil {
		return err
	}
	if c.multicall, err = parseAddress("multicall", c.Multicall, false); err != nil {
		return err
	}
	c.ownerLimits = make(map[common.Address]int, len(c.OwnerLimits))
	for owner, limit := range c.OwnerLimits {
		address, err := parseAddress("ownerLimits", owner, true)
		if err != nil {
			return err
		}
		if limit < 1 {
			return invalid("limit of %s must be at least 1", owner)
		}
		c.ownerLimits[address] = limit
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"rpcTimeout", c.RPCTimeout, &c.durations.rpcTimeout},
		{"rpcCacheTTL", c.RPCCacheTTL, &c.durations.rpcCacheTTL},
		{"routerTimeout", c.RouterTimeout, &c.durations.routerTimeout},
		{"priceTTL", c.PriceTTL, &c.durations.priceTTL},
		{"roundInterval", c.RoundInterval, &c.durations.roundInterval},
		{"roundDeadline", c.RoundDeadline, &c.durations.roundDeadline},
		{"receiptTimeout", c.ReceiptTimeout, &c.durations.receiptTimeout},
		{"revertCacheTTL", c.RevertCacheTTL, &c.durations.revertCacheTTL},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return invalid("%s: %v", d.name, err)
		}
		if parsed < 0 {
			return invalid("%s must not be negative", d.name)
		}
		*d.dst = parsed
	}
	if c.durations.roundInterval == 0 {
		return invalid("roundInterval must be positive")
	}
	return nil
}

func (c *Config) rpcRateLimit() rate.Limit {
	if c.RPCRateLimit == 0 {
		return rate.Inf
	}
	return rate.Limit(c.RPCRateLimit)
}

// signerKeys reads the private keys from the configured env variable
func (c *Config) signerKeys() ([]string, error) {
	raw := os.Getenv(c.SignerKeysEnv)
	var keys []string
	for _, key := range strings.Split(raw, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, invalid("no signer keys in $%s", c.SignerKeysEnv)
	}
	return keys, nil
}
