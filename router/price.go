package router

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/clearing-node/arb-node/spike"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

var oneNative = big.NewInt(1e18)

// PriceOracle prices one native token in erc20 units by routing 1 wrapped native token.
// Concurrent lookups of the same token share one router call.
type PriceOracle struct {
	log           *zap.Logger
	router        Router
	chainID       uint64
	wrappedNative common.Address
	prices        *spike.Manager[*big.Int]
}

func NewPriceOracle(log *zap.Logger, router Router, chainID uint64, wrappedNative common.Address, ttl time.Duration) *PriceOracle {
	o := &PriceOracle{
		log:           log.Named("price"),
		router:        router,
		chainID:       chainID,
		wrappedNative: wrappedNative,
	}
	o.prices = spike.NewManager[*big.Int](o.fetch, spike.Options{TTL: ttl, ErrorTTL: ttl / 4})
	return o
}

// NativePrice returns how many token units, in the token's own decimals, one native token is worth
func (o *PriceOracle) NativePrice(ctx context.Context, token common.Address) (*big.Int, error) {
	if token == o.wrappedNative {
		return new(big.Int).Set(oneNative), nil
	}
	price, err := o.prices.GetResult(ctx, strings.ToLower(token.Hex()))
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(price), nil
}

func (o *PriceOracle) fetch(ctx context.Context, key string) (*big.Int, error) {
	route, err := o.router.FindRoute(ctx, &RouteRequest{
		ChainID:   o.chainID,
		FromToken: o.wrappedNative,
		ToToken:   common.HexToAddress(key),
		AmountIn:  (*hexutil.Big)(oneNative),
	})
	if err != nil {
		o.log.Debug("Failed to price token against native", zap.String("token", key), zap.Error(err))
		return nil, err
	}
	return route.AmountOut.ToInt(), nil
}
