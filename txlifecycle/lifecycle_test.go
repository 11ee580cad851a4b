package txlifecycle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/clearing-node/arb-node/arb"
	"github.com/clearing-node/arb-node/chain"
	"github.com/clearing-node/arb-node/rpchealth"
	"github.com/clearing-node/arb-node/signer"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	orderbook   = common.HexToAddress("0x0b")
	arbContract = common.HexToAddress("0x0a")
	usdc        = common.HexToAddress("0x02")
	weth        = common.HexToAddress("0x03")
)

type fakeChain struct {
	mu sync.Mutex

	events []string
	sends  int

	sendErrs    []error
	waitReceipt *types.Receipt
	waitErr     error
	lookup      *types.Receipt
	callErr     error
	callBlock   *big.Int
}

func (f *fakeChain) event(e string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeChain) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.event("nonce")
	return 7, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	f.event("send")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	if tx.Nonce() != 7 {
		return common.Hash{}, errors.New("unexpected nonce")
	}
	return tx.Hash(), nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64, timeout time.Duration) (*types.Receipt, error) {
	f.event("wait")
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return f.waitReceipt, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.event("lookup")
	if f.lookup == nil {
		return nil, ethereum.NotFound
	}
	return f.lookup, nil
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.event("call")
	f.callBlock = block
	return nil, f.callErr
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SubmitBackoff = time.Millisecond
	cfg.ReceiptTimeout = 10 * time.Millisecond
	cfg.FallbackWindow = 20 * time.Millisecond
	return cfg
}

func testAccount(t *testing.T) *signer.Account {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	acc := signer.NewAccount(key, big.NewInt(137))
	acc.SetBalance(big.NewInt(1e18))
	return acc
}

func testOpp(from common.Address) *arb.OppResult {
	return &arb.OppResult{
		RawTx: arb.RawTx{
			From:     from,
			To:       arbContract,
			Data:     []byte{0x01, 0x02},
			Gas:      300000,
			GasPrice: big.NewInt(1e9),
		},
		MaximumInput: big.NewInt(1000e6),
		Mode:         "single",
		OrderIDs:     []common.Hash{common.HexToHash("0x01")},
	}
}

func testPair() *arb.Pair {
	return &arb.Pair{
		Orderbook:         orderbook,
		BuyToken:          usdc,
		BuyTokenSymbol:    "USDC",
		BuyTokenDecimals:  6,
		SellToken:         weth,
		SellTokenSymbol:   "WETH",
		SellTokenDecimals: 18,
	}
}

func transferLog(token, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			chain.TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

func receipt(status uint64, gasUsed uint64, logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:            status,
		GasUsed:           gasUsed,
		EffectiveGasPrice: big.NewInt(1e9),
		BlockNumber:       big.NewInt(100),
		Logs:              logs,
	}
}

var testPrices = Prices{BuyToken: big.NewInt(650000), SellToken: big.NewInt(3e14)}

func TestExecute_Confirmed(t *testing.T) {
	acc := testAccount(t)
	fc := &fakeChain{waitReceipt: receipt(types.ReceiptStatusSuccessful, 100000,
		transferLog(usdc, orderbook, arbContract, big.NewInt(1000e6)),
		transferLog(usdc, arbContract, acc.Address, big.NewInt(13650)),
		transferLog(weth, arbContract, acc.Address, big.NewInt(1e15)),
		transferLog(common.HexToAddress("0x99"), arbContract, acc.Address, big.NewInt(5)),
	)}
	l := New(zap.NewNop(), testConfig(), fc, NewMemoryRevertCache(time.Minute))

	sent := 0
	out := l.Execute(context.Background(), acc, testOpp(acc.Address), testPair(), testPrices, func(err error) {
		require.NoError(t, err)
		sent++
		fc.event("released")
	})

	require.Equal(t, StateConfirmed, out.State)
	require.NoError(t, out.Err)
	require.Equal(t, 1, sent)
	require.Equal(t, []string{"nonce", "send", "released", "wait"}, fc.events)

	require.Equal(t, int64(13650), out.BuyTokenIncome.Int64())
	require.Equal(t, int64(1e15), out.SellTokenIncome.Int64())
	require.Equal(t, int64(1000e6), out.ClearedAmount.Int64())
	require.Equal(t, int64(1e14), out.ActualGasCost.Int64())
	require.Equal(t, "3354233333333333333", out.NetProfit.String())

	require.Equal(t, "999900000000000000", acc.Balance().String())
	require.ElementsMatch(t, []common.Address{usdc, weth}, acc.Bounty())
}

func TestExecute_ReceiptFallback(t *testing.T) {
	tests := []struct {
		name   string
		lookup *types.Receipt
		want   State
	}{
		{name: "mined success", lookup: receipt(types.ReceiptStatusSuccessful, 100000), want: StateConfirmed},
		{name: "mined revert", lookup: receipt(types.ReceiptStatusFailed, 100000), want: StateReverted},
		{name: "never mined", lookup: nil, want: StateReceiptTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := testAccount(t)
			fc := &fakeChain{waitErr: context.DeadlineExceeded, lookup: tt.lookup, callErr: &rpchealth.Error{Kind: rpchealth.KindRevert, Message: "execution reverted"}}
			l := New(zap.NewNop(), testConfig(), fc, nil)

			start := time.Now()
			out := l.Execute(context.Background(), acc, testOpp(acc.Address), testPair(), testPrices, func(error) {})
			require.Equal(t, tt.want, out.State)
			require.GreaterOrEqual(t, time.Since(start), testConfig().FallbackWindow)
			require.Contains(t, fc.events, "lookup")
			if tt.want == StateReceiptTimeout {
				require.ErrorIs(t, out.Err, ErrReceiptTimeout)
			}
		})
	}
}

func TestExecute_SubmitRetry(t *testing.T) {
	errSend := errors.New("connection reset")
	tests := []struct {
		name      string
		sendErrs  []error
		want      State
		wantSends int
	}{
		{name: "first attempt", sendErrs: nil, want: StateConfirmed, wantSends: 1},
		{name: "retried once", sendErrs: []error{errSend}, want: StateConfirmed, wantSends: 2},
		{name: "second failure is terminal", sendErrs: []error{errSend, errSend, nil}, want: StateSubmitFailed, wantSends: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := testAccount(t)
			fc := &fakeChain{sendErrs: tt.sendErrs, waitReceipt: receipt(types.ReceiptStatusSuccessful, 100000)}
			l := New(zap.NewNop(), testConfig(), fc, nil)

			sent := 0
			out := l.Execute(context.Background(), acc, testOpp(acc.Address), testPair(), testPrices, func(error) { sent++ })
			require.Equal(t, tt.want, out.State)
			require.Equal(t, tt.wantSends, fc.sends)
			require.Equal(t, 1, sent)
			if tt.want == StateSubmitFailed {
				require.ErrorIs(t, out.Err, errSend)
				require.Equal(t, "1000000000000000000", acc.Balance().String())
			}
		})
	}
}

func TestExecute_SubmitClassification(t *testing.T) {
	known := &rpchealth.Error{Kind: rpchealth.KindKnown, Method: "eth_sendRawTransaction", Message: "already known"}
	noFunds := &rpchealth.Error{Kind: rpchealth.KindInsufficientFunds, Method: "eth_sendRawTransaction", Message: "insufficient funds for gas * price + value"}
	tests := []struct {
		name       string
		sendErrs   []error
		want       State
		wantSends  int
		wantReason arb.HaltReason
	}{
		{
			name:      "lost response then already known",
			sendErrs:  []error{errors.New("connection reset"), known},
			want:      StateConfirmed,
			wantSends: 2,
		},
		{
			name:      "already known on first attempt",
			sendErrs:  []error{known},
			want:      StateConfirmed,
			wantSends: 1,
		},
		{
			name:       "insufficient funds is not retried",
			sendErrs:   []error{noFunds},
			want:       StateSubmitFailed,
			wantSends:  1,
			wantReason: arb.HaltNoWalletFund,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := testAccount(t)
			fc := &fakeChain{sendErrs: tt.sendErrs, waitReceipt: receipt(types.ReceiptStatusSuccessful, 100000)}
			l := New(zap.NewNop(), testConfig(), fc, nil)

			var sentErr error
			opp := testOpp(acc.Address)
			out := l.Execute(context.Background(), acc, opp, testPair(), testPrices, func(err error) { sentErr = err })
			require.Equal(t, tt.want, out.State)
			require.Equal(t, tt.wantSends, fc.sends)

			if tt.want == StateSubmitFailed {
				require.Equal(t, tt.wantReason, arb.ReasonOf(out.Err))
				require.Equal(t, tt.wantReason, arb.ReasonOf(sentErr))
				require.ErrorIs(t, out.Err, noFunds)
				return
			}
			require.NoError(t, sentErr)
			require.NotEqual(t, common.Hash{}, out.TxHash)
		})
	}
}

func errorStringData(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func TestExecute_RevertDiagnosis(t *testing.T) {
	tests := []struct {
		name       string
		gasUsed    uint64
		callErr    error
		want       Diagnosis
		wantCached bool
		wantCall   bool
	}{
		{
			name:    "out of gas is not cached",
			gasUsed: 295000,
			want:    Diagnosis{Reason: "out of gas", OutOfGas: true},
		},
		{
			name:       "application revert",
			gasUsed:    100000,
			callErr:    &rpchealth.Error{Kind: rpchealth.KindRevert, Code: 3, Message: "execution reverted", Data: errorStringData(t, "minimumSenderOutput")},
			want:       Diagnosis{Reason: "minimumSenderOutput"},
			wantCached: true,
			wantCall:   true,
		},
		{
			name:     "node error",
			gasUsed:  100000,
			callErr:  &rpchealth.Error{Kind: rpchealth.KindNode, Message: "missing trie node"},
			want:     Diagnosis{Reason: (&rpchealth.Error{Kind: rpchealth.KindNode, Message: "missing trie node"}).Error(), NodeError: true},
			wantCall: true,
		},
		{
			name:       "not reproducible",
			gasUsed:    100000,
			want:       Diagnosis{Reason: "not reproducible at block 100"},
			wantCached: true,
			wantCall:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := testAccount(t)
			fc := &fakeChain{waitReceipt: receipt(types.ReceiptStatusFailed, tt.gasUsed), callErr: tt.callErr}
			cache := NewMemoryRevertCache(time.Minute)
			l := New(zap.NewNop(), testConfig(), fc, cache)

			opp := testOpp(acc.Address)
			out := l.Execute(context.Background(), acc, opp, testPair(), testPrices, func(error) {})
			require.Equal(t, StateReverted, out.State)
			require.Equal(t, tt.want, *out.Diagnosis)
			require.Equal(t, tt.wantCall, fc.callBlock != nil)
			if tt.wantCall {
				require.Equal(t, int64(100), fc.callBlock.Int64())
			}

			cached, err := cache.IsReverted(context.Background(), RevertKey(opp.OrderIDs, opp.MaximumInput))
			require.NoError(t, err)
			require.Equal(t, tt.wantCached, cached)
		})
	}
}

func TestRevertKey(t *testing.T) {
	a := common.HexToHash("0x01")
	b := common.HexToHash("0x02")
	require.Equal(t, RevertKey([]common.Hash{a, b}, big.NewInt(5)), RevertKey([]common.Hash{b, a}, big.NewInt(5)))
	require.NotEqual(t, RevertKey([]common.Hash{a, b}, big.NewInt(5)), RevertKey([]common.Hash{a, b}, big.NewInt(6)))
	require.NotEqual(t, RevertKey([]common.Hash{a}, big.NewInt(5)), RevertKey([]common.Hash{b}, big.NewInt(5)))
}
