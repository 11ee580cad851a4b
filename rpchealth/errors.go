package rpchealth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ybbus/jsonrpc/v3"
)

// ErrorKind is set where a request fails so callers never have to inspect error text
type ErrorKind uint8

const (
	// KindTransport covers timeouts, http failures and malformed bodies
	KindTransport ErrorKind = iota
	// KindNode is a json-rpc error that says nothing about the request itself
	KindNode
	KindRevert
	KindInsufficientFunds
	KindNonce
	KindRejected
	// KindKnown means the node already holds the transaction in its pool
	KindKnown
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindNode:
		return "node"
	case KindRevert:
		return "revert"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindNonce:
		return "nonce"
	case KindRejected:
		return "rejected"
	case KindKnown:
		return "known"
	default:
		return "unknown"
	}
}

// codeExecutionReverted is the json-rpc error code geth-like nodes use for reverted calls
const codeExecutionReverted = 3

type Error struct {
	Kind     ErrorKind
	Endpoint string
	Method   string
	Code     int
	Message  string
	Data     []byte
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc %s on %s (%s): %v", e.Method, e.Endpoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("rpc %s on %s (%s): %d %s", e.Method, e.Endpoint, e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another endpoint may answer differently.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindNode
}

// AsError extracts the transport error from err.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindTransport if err did not come from the transport.
func KindOf(err error) ErrorKind {
	if rpcErr, ok := AsError(err); ok {
		return rpcErr.Kind
	}
	return KindTransport
}

// IsNodeError is true for failures of the infrastructure rather than of the request.
func IsNodeError(err error) bool {
	if rpcErr, ok := AsError(err); ok {
		return rpcErr.Retryable()
	}
	return err != nil
}

var (
	insufficientFundsMessages = []string{"insufficient funds", "gas required exceeds allowance"}
	nonceMessages             = []string{"nonce too low", "nonce too high"}
	knownMessages             = []string{"already known", "known transaction"}
	rejectedMessages          = []string{"replacement transaction underpriced", "intrinsic gas too low", "exceeds block gas limit"}
)

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func newResponseError(endpoint, method string, rpcErr *jsonrpc.RPCError) *Error {
	message := strings.ToLower(rpcErr.Message)
	kind := KindNode
	switch {
	case containsAny(message, insufficientFundsMessages):
		kind = KindInsufficientFunds
	case rpcErr.Code == codeExecutionReverted || strings.Contains(message, "revert"):
		kind = KindRevert
	case containsAny(message, nonceMessages):
		kind = KindNonce
	case containsAny(message, knownMessages):
		kind = KindKnown
	case containsAny(message, rejectedMessages):
		kind = KindRejected
	}
	return &Error{
		Kind:     kind,
		Endpoint: endpoint,
		Method:   method,
		Code:     rpcErr.Code,
		Message:  rpcErr.Message,
		Data:     errorData(rpcErr.Data),
	}
}

func errorData(data interface{}) []byte {
	str, ok := data.(string)
	if !ok {
		return nil
	}
	decoded, err := hexutil.Decode(str)
	if err != nil {
		return nil
	}
	return decoded
}
