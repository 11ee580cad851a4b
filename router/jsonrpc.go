package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

type JSONRPCRouter struct {
	log    *zap.Logger
	url    string
	client jsonrpc.RPCClient
}

func NewJSONRPCRouter(log *zap.Logger, url string, timeout time.Duration) *JSONRPCRouter {
	return &JSONRPCRouter{
		log: log.Named("router"),
		url: url,
		client: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
			HTTPClient:         &http.Client{Timeout: timeout},
			AllowUnknownFields: true,
		}),
	}
}

func (r *JSONRPCRouter) String() string {
	return r.url
}

func (r *JSONRPCRouter) FindRoute(ctx context.Context, req *RouteRequest) (*Route, error) {
	var route Route
	err := r.client.CallFor(ctx, &route, "router_findRoute", req)
	if err != nil {
		return nil, errors.Join(ErrRouterError, err)
	}
	if route.Status == RouteStatusNoWay || route.AmountOut == nil || route.AmountOut.ToInt().Sign() == 0 {
		return nil, ErrNoWay
	}
	route.Request = *req
	return &route, nil
}

type buildCallDataArgs struct {
	Route  *Route         `json:"route"`
	Sender common.Address `json:"sender"`
	To     common.Address `json:"to"`
}

func (r *JSONRPCRouter) BuildCallData(ctx context.Context, route *Route, sender, to common.Address) ([]byte, error) {
	if route.Code != nil {
		return *route.Code, nil
	}
	var data hexutil.Bytes
	err := r.client.CallFor(ctx, &data, "router_buildCallData", &buildCallDataArgs{Route: route, Sender: sender, To: to})
	if err != nil {
		return nil, errors.Join(ErrRouterError, err)
	}
	return data, nil
}

func (r *JSONRPCRouter) RefreshPools(ctx context.Context, tokens []common.Address) error {
	res, err := r.client.Call(ctx, "router_refreshPools", tokens)
	if err != nil {
		return errors.Join(ErrRouterError, err)
	}
	if res.Error != nil {
		return errors.Join(ErrRouterError, res.Error)
	}
	return nil
}
