// Package arb holds the data model shared by the clearing node.
// Here is a full flow of data through one round:
//
// order source -> scheduler keeps per-owner profiles (orderbook -> owner -> profile)
// scheduler -> round picks up to `limit` pairs per owner, grouped into BundledOrders
// round -> optimizer quotes the pair and binary-searches the largest profitable input
//
//	optimizer -> router is asked for the best route of the candidate input
//	optimizer -> chain estimates gas for the taking transaction
//
// round -> txlifecycle sends the winning transaction with a pooled signer and awaits the receipt
// round -> report sinks receive one ProcessPairResult per pair
package arb

const (
	DefaultOwnerLimit = 25

	// GasCoverageHeadroom is applied on top of the configured gas coverage percentage
	// when the second dryrun pass sets the minimum sender output guard.
	GasCoverageHeadroomPercent = 105
)
