package chain

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	errorSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	panicSelector = crypto.Keccak256([]byte("Panic(uint256)"))[:4]
)

// DecodeRevert renders revert data as a human readable reason.
// Error(string) and Panic(uint256) are decoded, custom errors are reported by selector.
func DecodeRevert(data []byte) string {
	if len(data) < 4 {
		if len(data) == 0 {
			return "reverted without reason"
		}
		return "malformed revert data " + hexutil.Encode(data)
	}
	selector := data[:4]
	switch {
	case bytes.Equal(selector, errorSelector):
		reason, err := abi.UnpackRevert(data)
		if err != nil {
			return "malformed Error(string) " + hexutil.Encode(data)
		}
		return reason
	case bytes.Equal(selector, panicSelector) && len(data) >= 36:
		code := new(big.Int).SetBytes(data[4:36])
		return fmt.Sprintf("panic code 0x%x", code)
	default:
		return "custom error " + hexutil.Encode(selector)
	}
}
