// Package chain is the typed on-chain read/write surface of the node, built on top of the
// health-tracking rpc transport.
package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/clearing-node/arb-node/arb"
	"github.com/clearing-node/arb-node/rpchealth"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var (
	ErrQuoteNotFound   = errors.New("order does not exist on the orderbook")
	ErrMulticallFailed = errors.New("multicall sub-call failed")
)

// Caller is the part of the rpc transport used by the client
type Caller interface {
	Call(ctx context.Context, result any, method string, params ...any) error
}

var _ Caller = (*rpchealth.Transport)(nil)

type Client struct {
	log       *zap.Logger
	rpc       Caller
	multicall common.Address

	PollInterval time.Duration
	HeadCacheFor time.Duration

	mu          sync.RWMutex
	blockNumber uint64
	lastUpdate  time.Time
}

func NewClient(log *zap.Logger, rpc Caller, multicall common.Address) *Client {
	if multicall == (common.Address{}) {
		multicall = DefaultMulticall
	}
	return &Client{
		log:          log.Named("chain"),
		rpc:          rpc,
		multicall:    multicall,
		PollInterval: 2 * time.Second,
		HeadCacheFor: time.Second,
		lastUpdate:   time.Now().Add(-time.Hour),
	}
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var res hexutil.Big
	if err := c.rpc.Call(ctx, &res, "eth_chainId"); err != nil {
		return nil, err
	}
	return (*big.Int)(&res), nil
}

// BlockNumber returns the most recent block number, cached for HeadCacheFor
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if time.Since(c.lastUpdate) < c.HeadCacheFor {
		defer c.mu.RUnlock()
		return c.blockNumber, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	var res hexutil.Uint64
	if err := c.rpc.Call(ctx, &res, "eth_blockNumber"); err != nil {
		return 0, err
	}
	c.blockNumber = uint64(res)
	c.lastUpdate = time.Now()
	return c.blockNumber, nil
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var res hexutil.Big
	if err := c.rpc.Call(ctx, &res, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return (*big.Int)(&res), nil
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var res hexutil.Big
	if err := c.rpc.Call(ctx, &res, "eth_getBalance", account, "latest"); err != nil {
		return nil, err
	}
	return (*big.Int)(&res), nil
}

// NonceAt returns the nonce of the latest block, fetched right before every signing
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var res hexutil.Uint64
	if err := c.rpc.Call(ctx, &res, "eth_getTransactionCount", account, "latest"); err != nil {
		return 0, err
	}
	return uint64(res), nil
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var res hexutil.Uint64
	if err := c.rpc.Call(ctx, &res, "eth_estimateGas", toCallArg(msg)); err != nil {
		return 0, err
	}
	return uint64(res), nil
}

// CallContract executes an eth_call at the given block, latest when block is nil
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	var res hexutil.Bytes
	if err := c.rpc.Call(ctx, &res, "eth_call", toCallArg(msg), blockTag(block)); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	data, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := c.rpc.Call(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(data)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// TransactionReceipt returns ethereum.NotFound when the transaction is not mined yet
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	if err := c.rpc.Call(ctx, &receipt, "eth_getTransactionReceipt", hash); err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// WaitForReceipt polls for the receipt until it has the requested number of confirmations
// or the timeout elapses.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if err == nil && c.confirmed(ctx, receipt, confirmations) {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.log.Debug("Receipt poll failed", zap.Error(err), zap.String("tx", hash.Hex()))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) confirmed(ctx context.Context, receipt *types.Receipt, confirmations uint64) bool {
	if confirmations <= 1 || receipt.BlockNumber == nil {
		return true
	}
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return false
	}
	return head >= receipt.BlockNumber.Uint64()+confirmations-1
}

type Call3 struct {
	Target       common.Address `abi:"target"`
	AllowFailure bool           `abi:"allowFailure"`
	CallData     []byte         `abi:"callData"`
}

type Call3Result struct {
	Success    bool   `abi:"success"`
	ReturnData []byte `abi:"returnData"`
}

// Multicall batches view calls into one eth_call to multicall3 aggregate3
func (c *Client) Multicall(ctx context.Context, calls []Call3) ([]Call3Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := packMethod(aggregate3Method, calls)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &c.multicall, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return UnpackAggregate3(out)
}

func UnpackAggregate3(data []byte) (results []Call3Result, err error) {
	values, err := aggregate3Method.Outputs.Unpack(data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, ErrUnexpectedOutput
	}
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, ErrUnexpectedOutput
		}
	}()
	converted, ok := abi.ConvertType(values[0], new([]Call3Result)).(*[]Call3Result)
	if !ok {
		return nil, ErrUnexpectedOutput
	}
	return *converted, nil
}

// PackAggregate3Result encodes multicall results the way aggregate3 returns them.
func PackAggregate3Result(results []Call3Result) ([]byte, error) {
	return aggregate3Method.Outputs.Pack(results)
}

// VaultKey identifies one vault of an orderbook
type VaultKey struct {
	Owner   common.Address
	Token   common.Address
	VaultID *big.Int
}

// VaultBalances reads the given vault balances of an orderbook in one multicall, in key order.
func (c *Client) VaultBalances(ctx context.Context, orderbook common.Address, keys []VaultKey) ([]*big.Int, error) {
	calls := make([]Call3, 0, len(keys))
	for _, key := range keys {
		data, err := PackVaultBalance(key.Owner, key.Token, key.VaultID)
		if err != nil {
			return nil, err
		}
		calls = append(calls, Call3{Target: orderbook, CallData: data})
	}
	return c.uint256Multicall(ctx, calls)
}

// TokenBalances reads erc20 balances of holder for every token, in token order.
func (c *Client) TokenBalances(ctx context.Context, holder common.Address, tokens []common.Address) ([]*big.Int, error) {
	calls := make([]Call3, 0, len(tokens))
	for _, token := range tokens {
		data, err := PackBalanceOf(holder)
		if err != nil {
			return nil, err
		}
		calls = append(calls, Call3{Target: token, CallData: data})
	}
	return c.uint256Multicall(ctx, calls)
}

func (c *Client) uint256Multicall(ctx context.Context, calls []Call3) ([]*big.Int, error) {
	results, err := c.Multicall(ctx, calls)
	if err != nil {
		return nil, err
	}
	if len(results) != len(calls) {
		return nil, ErrUnexpectedOutput
	}
	balances := make([]*big.Int, len(results))
	for i, res := range results {
		if !res.Success {
			return nil, ErrMulticallFailed
		}
		balance, err := unpackUint256(balanceOfMethod, res.ReturnData)
		if err != nil {
			return nil, err
		}
		balances[i] = balance
	}
	return balances, nil
}

// QuoteOrder asks the orderbook how much the take order can output right now
func (c *Client) QuoteOrder(ctx context.Context, orderbook common.Address, takeOrder *arb.TakeOrderConfig) (*Quote, error) {
	data, err := PackQuote(takeOrder)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &orderbook, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	quote, err := UnpackQuote(out)
	if err != nil {
		return nil, err
	}
	if !quote.Exists {
		return nil, ErrQuoteNotFound
	}
	return quote, nil
}

func toCallArg(msg ethereum.CallMsg) interface{} {
	arg := map[string]interface{}{
		"from": msg.From,
	}
	if msg.To != nil {
		arg["to"] = msg.To
	}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(msg.GasPrice)
	}
	return arg
}

func blockTag(block *big.Int) string {
	if block == nil {
		return "latest"
	}
	return hexutil.EncodeBig(block)
}
