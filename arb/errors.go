package arb

import (
	"errors"
	"fmt"
)

// HaltReason classifies why a pair stopped being processed in a round
type HaltReason uint8

const (
	HaltNone HaltReason = iota
	HaltNoRoute
	HaltNoWalletFund
	HaltNoOpportunity
	HaltFailedToQuote
	HaltFailedToGetGasPrice
	HaltFailedToGetEthPrice
	HaltFailedToGetPools
	HaltSubmitFailed
	HaltReceiptTimeout
	HaltTxReverted
	HaltUnexpectedError
)

var haltReasonNames = map[HaltReason]string{
	HaltNone:                "",
	HaltNoRoute:             "NoRoute",
	HaltNoWalletFund:        "NoWalletFund",
	HaltNoOpportunity:       "NoOpportunity",
	HaltFailedToQuote:       "FailedToQuote",
	HaltFailedToGetGasPrice: "FailedToGetGasPrice",
	HaltFailedToGetEthPrice: "FailedToGetEthPrice",
	HaltFailedToGetPools:    "FailedToGetPools",
	HaltSubmitFailed:        "SubmitFailed",
	HaltReceiptTimeout:      "ReceiptTimeout",
	HaltTxReverted:          "TxReverted",
	HaltUnexpectedError:     "UnexpectedError",
}

func (r HaltReason) String() string {
	if name, ok := haltReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("HaltReason(%d)", uint8(r))
}

func (r HaltReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Severity orders reasons when several concurrent attempts fail, higher wins.
func (r HaltReason) Severity() int {
	switch r {
	case HaltNoWalletFund:
		return 3
	case HaltNoRoute:
		return 2
	case HaltNoOpportunity:
		return 1
	default:
		return 0
	}
}

// Error is a halt with a machine-checkable reason and the raw diagnostic attributes
// gathered at the point of failure.
type Error struct {
	Reason HaltReason
	Err    error
	Attrs  map[string]any
}

func Halt(reason HaltReason, err error, attrs map[string]any) *Error {
	if attrs == nil {
		attrs = make(map[string]any)
	}
	return &Error{Reason: reason, Err: err, Attrs: attrs}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason.String()
	}
	return e.Reason.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf returns the halt reason carried by err, HaltUnexpectedError for any other non-nil error.
func ReasonOf(err error) HaltReason {
	if err == nil {
		return HaltNone
	}
	var halt *Error
	if errors.As(err, &halt) {
		return halt.Reason
	}
	return HaltUnexpectedError
}
