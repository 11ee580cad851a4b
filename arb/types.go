package arb

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// IO is one entry of an order's validInputs/validOutputs
type IO struct {
	Token    common.Address `abi:"token" json:"token"`
	Decimals uint8          `abi:"decimals" json:"decimals"`
	VaultID  *big.Int       `abi:"vaultId" json:"vaultId"`
}

type Evaluable struct {
	Interpreter common.Address `abi:"interpreter" json:"interpreter"`
	Store       common.Address `abi:"store" json:"store"`
	Bytecode    []byte         `abi:"bytecode" json:"bytecode"`
}

// Order is immutable once fetched, identified by its hash.
// Field order matches the on-chain tuple.
type Order struct {
	Owner        common.Address `abi:"owner" json:"owner"`
	Evaluable    Evaluable      `abi:"evaluable" json:"evaluable"`
	ValidInputs  []IO           `abi:"validInputs" json:"validInputs"`
	ValidOutputs []IO           `abi:"validOutputs" json:"validOutputs"`
	Nonce        common.Hash    `abi:"nonce" json:"nonce"`
}

type SignedContext struct {
	Signer    common.Address `abi:"signer"`
	Context   []*big.Int     `abi:"context"`
	Signature []byte         `abi:"signature"`
}

type TakeOrderConfig struct {
	Order         Order           `abi:"order"`
	InputIOIndex  *big.Int        `abi:"inputIOIndex"`
	OutputIOIndex *big.Int        `abi:"outputIOIndex"`
	SignedContext []SignedContext `abi:"signedContext"`
}

type TakeOrdersConfig struct {
	MinimumInput   *big.Int          `abi:"minimumInput"`
	MaximumInput   *big.Int          `abi:"maximumInput"`
	MaximumIORatio *big.Int          `abi:"maximumIORatio"`
	Orders         []TakeOrderConfig `abi:"orders"`
	Data           []byte            `abi:"data"`
}

// TakeOrder references one order together with the input/output index pair being taken.
type TakeOrder struct {
	ID     common.Hash
	Config TakeOrderConfig
}

type TokenInfo struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
}

// OrderRecord is what an order source yields.
type OrderRecord struct {
	OrderHash common.Hash
	Owner     common.Address
	Orderbook common.Address
	Order     Order
	Tokens    map[common.Address]TokenInfo
}

// Pair is a (sellToken, buyToken) projection of one order's input/output index combination.
// The bot buys the order's output token and sells the order's input token.
type Pair struct {
	Orderbook         common.Address
	Owner             common.Address
	BuyToken          common.Address
	BuyTokenSymbol    string
	BuyTokenDecimals  uint8
	SellToken         common.Address
	SellTokenSymbol   string
	SellTokenDecimals uint8
	TakeOrder         TakeOrder
}

func (p *Pair) TokenPair() string {
	return p.BuyTokenSymbol + "/" + p.SellTokenSymbol
}

// BundledOrders is the set of take orders sharing an orderbook and token pair.
type BundledOrders struct {
	Orderbook         common.Address
	BuyToken          common.Address
	BuyTokenSymbol    string
	BuyTokenDecimals  uint8
	SellToken         common.Address
	SellTokenSymbol   string
	SellTokenDecimals uint8
	TakeOrders        []TakeOrder
}

func (b *BundledOrders) TokenPair() string {
	return b.BuyTokenSymbol + "/" + b.SellTokenSymbol
}

// Focus returns a copy of the bundle with the take order at idx moved to the front,
// keeping the relative order of the others.
func (b *BundledOrders) Focus(idx int) BundledOrders {
	res := *b
	res.TakeOrders = make([]TakeOrder, 0, len(b.TakeOrders))
	res.TakeOrders = append(res.TakeOrders, b.TakeOrders[idx])
	res.TakeOrders = append(res.TakeOrders, b.TakeOrders[:idx]...)
	res.TakeOrders = append(res.TakeOrders, b.TakeOrders[idx+1:]...)
	return res
}

// Pair projects the take order at idx back to a Pair
func (b *BundledOrders) Pair(idx int) Pair {
	takeOrder := b.TakeOrders[idx]
	return Pair{
		Orderbook:         b.Orderbook,
		Owner:             takeOrder.Config.Order.Owner,
		BuyToken:          b.BuyToken,
		BuyTokenSymbol:    b.BuyTokenSymbol,
		BuyTokenDecimals:  b.BuyTokenDecimals,
		SellToken:         b.SellToken,
		SellTokenSymbol:   b.SellTokenSymbol,
		SellTokenDecimals: b.SellTokenDecimals,
		TakeOrder:         takeOrder,
	}
}

// RawTx is an unsigned taking transaction
type RawTx struct {
	From     common.Address
	To       common.Address
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
}

// OppResult is the winning candidate of the optimizer, consumed once by the tx lifecycle.
type OppResult struct {
	RawTx           RawTx
	MaximumInput    *big.Int
	GasCostInToken  *big.Int
	EstimatedProfit *big.Int
	MarketPrice     *big.Int
	BlockNumber     uint64
	Mode            string
	OrderIDs        []common.Hash
}

// ReportStatus is the terminal status of one pair for one round
type ReportStatus uint8

const (
	StatusZeroOutput ReportStatus = iota
	StatusNoOpportunity
	StatusFoundOpportunity
)

func (s ReportStatus) String() string {
	switch s {
	case StatusZeroOutput:
		return "ZeroOutput"
	case StatusNoOpportunity:
		return "NoOpportunity"
	case StatusFoundOpportunity:
		return "FoundOpportunity"
	default:
		return "Unknown"
	}
}

func (s ReportStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type PairReport struct {
	Status          ReportStatus   `json:"status"`
	TokenPair       string         `json:"tokenPair"`
	Orderbook       common.Address `json:"orderbook"`
	Owner           common.Address `json:"owner"`
	BuyToken        common.Address `json:"buyToken"`
	SellToken       common.Address `json:"sellToken"`
	OrderHashes     []common.Hash  `json:"orderHashes"`
	Signer          common.Address `json:"signer,omitempty"`
	TxHash          *common.Hash   `json:"txHash,omitempty"`
	Cleared         bool           `json:"cleared"`
	NodeError       bool           `json:"nodeError,omitempty"`
	ClearedAmount   *big.Int       `json:"clearedAmount,omitempty"`
	ActualGasCost   *big.Int       `json:"actualGasCost,omitempty"`
	InputIncome     *big.Int       `json:"inputTokenIncome,omitempty"`
	OutputIncome    *big.Int       `json:"outputTokenIncome,omitempty"`
	NetProfit       *big.Int       `json:"netProfit,omitempty"`
	EstimatedProfit *big.Int       `json:"estimatedProfit,omitempty"`
}

// ProcessPairResult is appended to the round report and never mutated afterwards.
type ProcessPairResult struct {
	Status  ReportStatus `json:"status"`
	Reason  HaltReason   `json:"reason,omitempty"`
	Error   string       `json:"error,omitempty"`
	Report  PairReport   `json:"report"`
	GasCost *big.Int     `json:"gasCost,omitempty"`
}
