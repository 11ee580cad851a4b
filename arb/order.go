package arb

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidOrderBytes = errors.New("invalid order bytes")

var (
	ioComponents = []abi.ArgumentMarshaling{
		{Name: "token", Type: "address"},
		{Name: "decimals", Type: "uint8"},
		{Name: "vaultId", Type: "uint256"},
	}
	// OrderComponents describes the order tuple, shared with the contract ABIs.
	OrderComponents = []abi.ArgumentMarshaling{
		{Name: "owner", Type: "address"},
		{Name: "evaluable", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "interpreter", Type: "address"},
			{Name: "store", Type: "address"},
			{Name: "bytecode", Type: "bytes"},
		}},
		{Name: "validInputs", Type: "tuple[]", Components: ioComponents},
		{Name: "validOutputs", Type: "tuple[]", Components: ioComponents},
		{Name: "nonce", Type: "bytes32"},
	}

	orderArguments = func() abi.Arguments {
		orderType, err := abi.NewType("tuple", "", OrderComponents)
		if err != nil {
			panic(err)
		}
		return abi.Arguments{{Name: "order", Type: orderType}}
	}()
)

// EncodeOrder ABI-encodes the order as a single tuple argument.
func EncodeOrder(order *Order) ([]byte, error) {
	return orderArguments.Pack(order)
}

// DecodeOrder decodes ABI-encoded order bytes as produced by EncodeOrder.
func DecodeOrder(data []byte) (order Order, err error) {
	values, err := orderArguments.Unpack(data)
	if err != nil {
		return order, errors.Join(ErrInvalidOrderBytes, err)
	}
	if len(values) != 1 {
		return order, ErrInvalidOrderBytes
	}
	defer func() {
		if r := recover(); r != nil {
			err = ErrInvalidOrderBytes
		}
	}()
	decoded, ok := abi.ConvertType(values[0], new(Order)).(*Order)
	if !ok {
		return order, ErrInvalidOrderBytes
	}
	return *decoded, nil
}

// HashOrder returns keccak256(abi.encode(order)), the id the orderbook uses for the order.
func HashOrder(order *Order) (common.Hash, error) {
	data, err := EncodeOrder(order)
	if err != nil {
		return common.Hash{}, err
	}
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	var hash common.Hash
	hasher.Sum(hash[:0])
	return hash, nil
}

// Pairs expands an order record into one Pair per (input, output) index combination
// with distinct tokens.
func (r *OrderRecord) Pairs() []Pair {
	pairs := make([]Pair, 0, len(r.Order.ValidInputs)*len(r.Order.ValidOutputs))
	for i, input := range r.Order.ValidInputs {
		for j, output := range r.Order.ValidOutputs {
			if input.Token == output.Token {
				continue
			}
			buyInfo := r.tokenInfo(output)
			sellInfo := r.tokenInfo(input)
			pairs = append(pairs, Pair{
				Orderbook:         r.Orderbook,
				Owner:             r.Owner,
				BuyToken:          output.Token,
				BuyTokenSymbol:    buyInfo.Symbol,
				BuyTokenDecimals:  buyInfo.Decimals,
				SellToken:         input.Token,
				SellTokenSymbol:   sellInfo.Symbol,
				SellTokenDecimals: sellInfo.Decimals,
				TakeOrder: TakeOrder{
					ID: r.OrderHash,
					Config: TakeOrderConfig{
						Order:         r.Order,
						InputIOIndex:  big.NewInt(int64(i)),
						OutputIOIndex: big.NewInt(int64(j)),
						SignedContext: []SignedContext{},
					},
				},
			})
		}
	}
	return pairs
}

func (r *OrderRecord) tokenInfo(io IO) TokenInfo {
	if info, ok := r.Tokens[io.Token]; ok {
		if info.Decimals == 0 {
			info.Decimals = io.Decimals
		}
		return info
	}
	return TokenInfo{Symbol: io.Token.Hex(), Decimals: io.Decimals}
}
