package chain

import (
	"errors"
	"math/big"

	"github.com/clearing-node/arb-node/arb"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrUnexpectedOutput = errors.New("unexpected contract call output")

	// DefaultMulticall is the multicall3 deployment address shared by most evm chains
	DefaultMulticall = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

var (
	signedContextComponents = []abi.ArgumentMarshaling{
		{Name: "signer", Type: "address"},
		{Name: "context", Type: "uint256[]"},
		{Name: "signature", Type: "bytes"},
	}
	takeOrderComponents = []abi.ArgumentMarshaling{
		{Name: "order", Type: "tuple", Components: arb.OrderComponents},
		{Name: "inputIOIndex", Type: "uint256"},
		{Name: "outputIOIndex", Type: "uint256"},
		{Name: "signedContext", Type: "tuple[]", Components: signedContextComponents},
	}
	takeOrdersConfigComponents = []abi.ArgumentMarshaling{
		{Name: "minimumInput", Type: "uint256"},
		{Name: "maximumInput", Type: "uint256"},
		{Name: "maximumIORatio", Type: "uint256"},
		{Name: "orders", Type: "tuple[]", Components: takeOrderComponents},
		{Name: "data", Type: "bytes"},
	}
	call3Components = []abi.ArgumentMarshaling{
		{Name: "target", Type: "address"},
		{Name: "allowFailure", Type: "bool"},
		{Name: "callData", Type: "bytes"},
	}
	call3ResultComponents = []abi.ArgumentMarshaling{
		{Name: "success", Type: "bool"},
		{Name: "returnData", Type: "bytes"},
	}

	addressType = mustType("address", nil)
	uint256Type = mustType("uint256", nil)
	boolType    = mustType("bool", nil)

	// arb3(address orderBook, TakeOrdersConfig takeOrders, uint256 minimumSenderOutput)
	arbMethod = newMethod("arb3", false, abi.Arguments{
		{Name: "orderBook", Type: addressType},
		{Name: "takeOrders", Type: mustType("tuple", takeOrdersConfigComponents)},
		{Name: "minimumSenderOutput", Type: uint256Type},
	}, nil)

	vaultBalanceMethod = newMethod("vaultBalance", true, abi.Arguments{
		{Name: "owner", Type: addressType},
		{Name: "token", Type: addressType},
		{Name: "vaultId", Type: uint256Type},
	}, abi.Arguments{{Name: "balance", Type: uint256Type}})

	quoteMethod = newMethod("quote", true, abi.Arguments{
		{Name: "quoteConfig", Type: mustType("tuple", takeOrderComponents)},
	}, abi.Arguments{
		{Name: "exists", Type: boolType},
		{Name: "outputMax", Type: uint256Type},
		{Name: "ioRatio", Type: uint256Type},
	})

	balanceOfMethod = newMethod("balanceOf", true, abi.Arguments{
		{Name: "account", Type: addressType},
	}, abi.Arguments{{Name: "balance", Type: uint256Type}})

	aggregate3Method = newMethod("aggregate3", false, abi.Arguments{
		{Name: "calls", Type: mustType("tuple[]", call3Components)},
	}, abi.Arguments{
		{Name: "returnData", Type: mustType("tuple[]", call3ResultComponents)},
	})
)

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

func newMethod(name string, view bool, inputs, outputs abi.Arguments) abi.Method {
	mutability := "nonpayable"
	if view {
		mutability = "view"
	}
	return abi.NewMethod(name, name, abi.Function, mutability, view, false, inputs, outputs)
}

func packMethod(method abi.Method, args ...interface{}) ([]byte, error) {
	packed, err := method.Inputs.Pack(args...)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, method.ID...), packed...), nil
}

// PackArb encodes the arb contract entrypoint that takes orders and routes the proceeds.
func PackArb(orderbook common.Address, config *arb.TakeOrdersConfig, minimumSenderOutput *big.Int) ([]byte, error) {
	return packMethod(arbMethod, orderbook, *config, minimumSenderOutput)
}

// UnpackArbMinimumSenderOutput decodes the minimum sender output of arb calldata, used when diagnosing reverts.
func UnpackArbMinimumSenderOutput(data []byte) (*big.Int, error) {
	if len(data) < 4 {
		return nil, ErrUnexpectedOutput
	}
	values, err := arbMethod.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	if len(values) != 3 {
		return nil, ErrUnexpectedOutput
	}
	out, ok := values[2].(*big.Int)
	if !ok {
		return nil, ErrUnexpectedOutput
	}
	return out, nil
}

func PackVaultBalance(owner, token common.Address, vaultID *big.Int) ([]byte, error) {
	return packMethod(vaultBalanceMethod, owner, token, vaultID)
}

func PackBalanceOf(account common.Address) ([]byte, error) {
	return packMethod(balanceOfMethod, account)
}

func PackQuote(takeOrder *arb.TakeOrderConfig) ([]byte, error) {
	return packMethod(quoteMethod, *takeOrder)
}

func unpackUint256(method abi.Method, data []byte) (*big.Int, error) {
	values, err := method.Outputs.Unpack(data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, ErrUnexpectedOutput
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, ErrUnexpectedOutput
	}
	return v, nil
}

// Quote is the orderbook view of how much an order can currently output and at which ratio
type Quote struct {
	Exists    bool
	MaxOutput *big.Int
	Ratio     *big.Int
}

func UnpackQuote(data []byte) (*Quote, error) {
	values, err := quoteMethod.Outputs.Unpack(data)
	if err != nil {
		return nil, err
	}
	if len(values) != 3 {
		return nil, ErrUnexpectedOutput
	}
	exists, ok1 := values[0].(bool)
	maxOutput, ok2 := values[1].(*big.Int)
	ratio, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, ErrUnexpectedOutput
	}
	return &Quote{Exists: exists, MaxOutput: maxOutput, Ratio: ratio}, nil
}
