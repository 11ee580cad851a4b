package router

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type rpcRequest struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newRouterServer(t *testing.T, handler func(method string, params json.RawMessage) interface{}) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req rpcRequest
		require.NoError(t, json.Unmarshal(body, &req))

		res := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": handler(req.Method, req.Params)}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(res))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestJSONRPCRouter_FindRoute(t *testing.T) {
	weth := common.HexToAddress("0x01")
	usdc := common.HexToAddress("0x02")
	srv, _ := newRouterServer(t, func(method string, params json.RawMessage) interface{} {
		require.Equal(t, "router_findRoute", method)
		var req RouteRequest
		require.NoError(t, json.Unmarshal(params, &req))
		if req.ToToken == weth {
			return Route{Status: RouteStatusNoWay}
		}
		return Route{Status: RouteStatusSuccess, AmountOut: (*hexutil.Big)(big.NewInt(2000e6)), Legs: []Leg{{Protocol: "uniswap-v3"}}}
	})
	r := NewJSONRPCRouter(zap.NewNop(), srv.URL, time.Second)

	route, err := r.FindRoute(context.Background(), &RouteRequest{ChainID: 137, FromToken: weth, ToToken: usdc, AmountIn: (*hexutil.Big)(big.NewInt(1e18))})
	require.NoError(t, err)
	require.Equal(t, int64(2000e6), route.AmountOut.ToInt().Int64())
	require.Equal(t, usdc, route.Request.ToToken)
	require.Equal(t, "2000000000000000000000", route.Price(big.NewInt(1e18), 18, 6).String())

	_, err = r.FindRoute(context.Background(), &RouteRequest{ChainID: 137, FromToken: usdc, ToToken: weth, AmountIn: (*hexutil.Big)(big.NewInt(1))})
	require.ErrorIs(t, err, ErrNoWay)
}

func TestJSONRPCRouter_BuildCallData(t *testing.T) {
	srv, hits := newRouterServer(t, func(method string, params json.RawMessage) interface{} {
		require.Equal(t, "router_buildCallData", method)
		return hexutil.Bytes{0xca, 0xfe}
	})
	r := NewJSONRPCRouter(zap.NewNop(), srv.URL, time.Second)

	data, err := r.BuildCallData(context.Background(), &Route{}, common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	require.NoError(t, err)
	require.Equal(t, []byte{0xca, 0xfe}, data)

	code := hexutil.Bytes{0x01}
	data, err = r.BuildCallData(context.Background(), &Route{Code: &code}, common.Address{}, common.Address{})
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, data)
	require.Equal(t, int32(1), hits.Load())
}

type countingRouter struct {
	calls atomic.Int32
	price *big.Int
}

func (c *countingRouter) FindRoute(ctx context.Context, req *RouteRequest) (*Route, error) {
	c.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	if c.price == nil {
		return nil, ErrNoWay
	}
	return &Route{Status: RouteStatusSuccess, AmountOut: (*hexutil.Big)(c.price)}, nil
}

func (c *countingRouter) BuildCallData(ctx context.Context, route *Route, sender, to common.Address) ([]byte, error) {
	return nil, nil
}

func (c *countingRouter) RefreshPools(ctx context.Context, tokens []common.Address) error {
	return nil
}

func TestPriceOracle_NativePrice(t *testing.T) {
	wnative := common.HexToAddress("0x0d")
	usdc := common.HexToAddress("0x02")
	r := &countingRouter{price: big.NewInt(650000)}
	oracle := NewPriceOracle(zap.NewNop(), r, 137, wnative, time.Minute)

	done := make(chan *big.Int, 10)
	for i := 0; i < 10; i++ {
		go func() {
			price, err := oracle.NativePrice(context.Background(), usdc)
			if err != nil {
				done <- nil
				return
			}
			done <- price
		}()
	}
	for i := 0; i < 10; i++ {
		require.Equal(t, int64(650000), (<-done).Int64())
	}
	require.Equal(t, int32(1), r.calls.Load())

	price, err := oracle.NativePrice(context.Background(), wnative)
	require.NoError(t, err)
	require.Equal(t, int64(1e18), price.Int64())
	require.Equal(t, int32(1), r.calls.Load())
}

func TestPriceOracle_NoWay(t *testing.T) {
	oracle := NewPriceOracle(zap.NewNop(), &countingRouter{}, 137, common.HexToAddress("0x0d"), time.Minute)
	_, err := oracle.NativePrice(context.Background(), common.HexToAddress("0x02"))
	require.ErrorIs(t, err, ErrNoWay)
}
