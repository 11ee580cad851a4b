// Package rpchealth is a json-rpc transport over several endpoints of the same chain.
//
// Every attempt is counted per endpoint (requests, successes, failures, cache hits).
// A response is a success when it carries a result, or a json-rpc error that is about
// the request itself (reverted call, insufficient funds, nonce issues): the endpoint did its job.
// Everything else (timeouts, http errors, malformed bodies, other json-rpc errors) is a failure.
//
// A retryable failure is re-issued exactly once against a different endpoint.
// Counters are read with Snapshot and read-and-zeroed with Report, usually once per round.
package rpchealth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/clearing-node/arb-node/metrics"
	gocache "github.com/patrickmn/go-cache"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrNoEndpoints = errors.New("no rpc endpoints configured")

const (
	DefaultAttemptTimeout = 10 * time.Second

	// endpoints with more failures than successes are tried last once they served this many requests
	rankingMinRequests = 10
	cacheCleanup       = time.Minute
)

// methods whose result never changes for the lifetime of the process
var permanentMethods = map[string]bool{
	"eth_chainId": true,
	"net_version": true,
}

// methods that may be served from cache for Options.CacheTTL
var shortLivedMethods = map[string]bool{
	"eth_gasPrice":    true,
	"eth_blockNumber": true,
}

// Record is the per-endpoint counter set
type Record struct {
	Req     uint64 `json:"req"`
	Success uint64 `json:"success"`
	Failure uint64 `json:"failure"`
	Cache   uint64 `json:"cache"`
}

type Options struct {
	AttemptTimeout time.Duration
	// RateLimit is per endpoint, rate.Inf disables limiting
	RateLimit rate.Limit
	Burst     int
	// CacheTTL enables caching of gas price and block number, zero disables it
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

var DefaultOptions = Options{
	AttemptTimeout: DefaultAttemptTimeout,
	RateLimit:      rate.Inf,
	Burst:          1,
}

type endpoint struct {
	url     string
	label   string
	client  jsonrpc.RPCClient
	limiter *rate.Limiter

	req     atomic.Uint64
	success atomic.Uint64
	failure atomic.Uint64
	cache   atomic.Uint64
}

func (e *endpoint) unhealthy() bool {
	req := e.req.Load()
	if req < rankingMinRequests {
		return false
	}
	return e.failure.Load()*2 > req
}

type Transport struct {
	log       *zap.Logger
	endpoints []*endpoint
	cache     *gocache.Cache
	opts      Options
}

func NewTransport(log *zap.Logger, urls []string, opts Options) (*Transport, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	if opts.AttemptTimeout == 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = rate.Inf
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	t := &Transport{
		log:       log.Named("rpc"),
		endpoints: make([]*endpoint, 0, len(urls)),
		cache:     gocache.New(opts.CacheTTL, cacheCleanup),
		opts:      opts,
	}
	for _, u := range urls {
		t.endpoints = append(t.endpoints, &endpoint{
			url:   u,
			label: endpointLabel(u),
			client: jsonrpc.NewClientWithOpts(u, &jsonrpc.RPCClientOpts{
				HTTPClient:         opts.HTTPClient,
				AllowUnknownFields: true,
			}),
			limiter: rate.NewLimiter(opts.RateLimit, opts.Burst),
		})
	}
	return t, nil
}

// endpointLabel strips paths and credentials that often carry api keys
func endpointLabel(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// Call issues method with params and decodes the result into result (a pointer), failing over once.
func (t *Transport) Call(ctx context.Context, result any, method string, params ...any) error {
	if raw, ok := t.cached(method); ok {
		if result == nil {
			return nil
		}
		return json.Unmarshal(raw, result)
	}

	order := t.attemptOrder()
	var lastErr error
	for attempt := 0; attempt < 2 && attempt < len(order); attempt++ {
		ep := order[attempt]
		raw, err := t.callEndpoint(ctx, ep, method, params)
		if err == nil {
			t.store(method, raw)
			if result == nil {
				return nil
			}
			return json.Unmarshal(raw, result)
		}
		lastErr = err
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), err)
		}
		rpcErr, ok := AsError(err)
		if ok && !rpcErr.Retryable() {
			return err
		}
		if attempt == 0 && len(order) > 1 {
			t.log.Debug("rpc request failed, failing over",
				zap.String("method", method), zap.String("endpoint", ep.label),
				zap.String("next_endpoint", order[1].label), zap.Error(err))
		}
	}
	return lastErr
}

func (t *Transport) callEndpoint(ctx context.Context, ep *endpoint, method string, params []any) (json.RawMessage, error) {
	if err := ep.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ep.req.Add(1)
	metrics.IncRPCRequest(ep.label)

	attemptCtx, cancel := context.WithTimeout(ctx, t.opts.AttemptTimeout)
	defer cancel()

	if params == nil {
		params = []any{}
	}
	res, err := ep.client.CallRaw(attemptCtx, &jsonrpc.RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})

	switch {
	case res != nil && res.Error != nil:
		rpcErr := newResponseError(ep.label, method, res.Error)
		if rpcErr.Retryable() {
			t.markFailure(ep)
		} else {
			t.markSuccess(ep)
		}
		return nil, rpcErr
	case err != nil:
		t.markFailure(ep)
		return nil, &Error{Kind: KindTransport, Endpoint: ep.label, Method: method, Err: err}
	case res == nil:
		t.markFailure(ep)
		return nil, &Error{Kind: KindTransport, Endpoint: ep.label, Method: method, Err: errors.New("empty response")} //nolint:goerr113
	}

	raw, err := json.Marshal(res.Result)
	if err != nil {
		t.markFailure(ep)
		return nil, &Error{Kind: KindTransport, Endpoint: ep.label, Method: method, Err: err}
	}
	t.markSuccess(ep)
	return raw, nil
}

func (t *Transport) markSuccess(ep *endpoint) {
	ep.success.Add(1)
	metrics.IncRPCSuccess(ep.label)
}

func (t *Transport) markFailure(ep *endpoint) {
	ep.failure.Add(1)
	metrics.IncRPCFailure(ep.label)
}

// attemptOrder keeps the configured order but moves endpoints failing most of their requests to the back
func (t *Transport) attemptOrder() []*endpoint {
	order := make([]*endpoint, len(t.endpoints))
	copy(order, t.endpoints)
	sort.SliceStable(order, func(i, j int) bool {
		return !order[i].unhealthy() && order[j].unhealthy()
	})
	return order
}

func (t *Transport) cached(method string) (json.RawMessage, bool) {
	if !permanentMethods[method] && !(shortLivedMethods[method] && t.opts.CacheTTL > 0) {
		return nil, false
	}
	v, ok := t.cache.Get(method)
	if !ok {
		return nil, false
	}
	ep := t.endpoints[0]
	ep.cache.Add(1)
	metrics.IncRPCCache(ep.label)
	//nolint:forcetypeassert
	return v.(json.RawMessage), true
}

func (t *Transport) store(method string, raw json.RawMessage) {
	switch {
	case permanentMethods[method]:
		t.cache.Set(method, raw, gocache.NoExpiration)
	case shortLivedMethods[method] && t.opts.CacheTTL > 0:
		t.cache.Set(method, raw, t.opts.CacheTTL)
	}
}

// Endpoints returns the configured endpoint labels in order
func (t *Transport) Endpoints() []string {
	res := make([]string, len(t.endpoints))
	for i, ep := range t.endpoints {
		res[i] = ep.label
	}
	return res
}

// Snapshot returns current counters keyed by endpoint label
func (t *Transport) Snapshot() map[string]Record {
	res := make(map[string]Record, len(t.endpoints))
	for _, ep := range t.endpoints {
		res[ep.label] = Record{
			Req:     ep.req.Load(),
			Success: ep.success.Load(),
			Failure: ep.failure.Load(),
			Cache:   ep.cache.Load(),
		}
	}
	return res
}

// Report returns current counters and zeroes them.
func (t *Transport) Report() map[string]Record {
	res := make(map[string]Record, len(t.endpoints))
	for _, ep := range t.endpoints {
		res[ep.label] = Record{
			Req:     ep.req.Swap(0),
			Success: ep.success.Swap(0),
			Failure: ep.failure.Swap(0),
			Cache:   ep.cache.Swap(0),
		}
	}
	return res
}
