package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

var big10 = big.NewInt(10)

// FormatUnits renders a raw token amount with the token decimals, e.g. 1500000 with 6 decimals is "1.5"
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -int32(decimals)).String()
}

// ScaleTo18 converts an amount with the given decimals to 18 decimals fixed point
func ScaleTo18(value *big.Int, decimals uint8) *big.Int {
	return ScaleDecimals(value, decimals, 18)
}

// ScaleDecimals converts an amount between decimals, truncating when scaling down
func ScaleDecimals(value *big.Int, from, to uint8) *big.Int {
	res := new(big.Int).Set(value)
	switch {
	case from < to:
		res.Mul(res, new(big.Int).Exp(big10, big.NewInt(int64(to-from)), nil))
	case from > to:
		res.Quo(res, new(big.Int).Exp(big10, big.NewInt(int64(from-to)), nil))
	}
	return res
}
