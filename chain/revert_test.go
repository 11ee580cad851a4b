package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/require"
)

func TestDecodeRevert(t *testing.T) {
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	reason, err := abi.Arguments{{Type: stringType}}.Pack("minimum sender output")
	require.NoError(t, err)

	panicData, err := abi.Arguments{{Type: uint256Type}}.Pack(big.NewInt(0x11))
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{name: "empty", data: nil, want: "reverted without reason"},
		{name: "error string", data: append(append([]byte{}, errorSelector...), reason...), want: "minimum sender output"},
		{name: "panic", data: append(append([]byte{}, panicSelector...), panicData...), want: "panic code 0x11"},
		{name: "custom", data: []byte{0xde, 0xad, 0xbe, 0xef}, want: "custom error 0xdeadbeef"},
		{name: "short", data: []byte{0x01}, want: "malformed revert data 0x01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, DecodeRevert(tt.data))
		})
	}
}
