// Package router talks to the liquidity router that quotes and encodes the market leg of a clear.
package router

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrNoWay       = errors.New("router found no route")
	ErrRouterError = errors.New("router error")
)

type RouteRequest struct {
	ChainID   uint64         `json:"chainId"`
	FromToken common.Address `json:"fromToken"`
	ToToken   common.Address `json:"toToken"`
	AmountIn  *hexutil.Big   `json:"amountIn"`
	GasPrice  *hexutil.Big   `json:"gasPrice"`
}

type Leg struct {
	Pool      common.Address `json:"pool"`
	TokenFrom common.Address `json:"tokenFrom"`
	TokenTo   common.Address `json:"tokenTo"`
	Protocol  string         `json:"protocol"`
}

const (
	RouteStatusSuccess = "Success"
	RouteStatusNoWay   = "NoWay"
)

type Route struct {
	Status    string         `json:"status"`
	AmountOut *hexutil.Big   `json:"amountOut"`
	Legs      []Leg          `json:"legs"`
	Request   RouteRequest   `json:"request"`
	Code      *hexutil.Bytes `json:"code,omitempty"`
}

// Price is the ratio of output to input with 18 decimals of precision
func (r *Route) Price(amountIn *big.Int, inDecimals, outDecimals uint8) *big.Int {
	if r.AmountOut == nil || amountIn.Sign() == 0 {
		return new(big.Int)
	}
	out := scale18(r.AmountOut.ToInt(), outDecimals)
	in := scale18(amountIn, inDecimals)
	price := new(big.Int).Mul(out, big.NewInt(1e18))
	return price.Quo(price, in)
}

func scale18(v *big.Int, decimals uint8) *big.Int {
	res := new(big.Int).Set(v)
	if decimals < 18 {
		return res.Mul(res, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(18-decimals)), nil))
	}
	return res.Quo(res, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-18)), nil))
}

// Router is the liquidity oracle, treated as a pure function of the current pool state
type Router interface {
	// FindRoute returns ErrNoWay when no path exists for the request
	FindRoute(ctx context.Context, req *RouteRequest) (*Route, error)
	// BuildCallData encodes the route for the arb contract, proceeds are sent to `to`
	BuildCallData(ctx context.Context, route *Route, sender, to common.Address) ([]byte, error)
	// RefreshPools updates pool state for the given tokens
	RefreshPools(ctx context.Context, tokens []common.Address) error
}
