package round

import (
	"context"
	"math/big"
	"time"

	"github.com/clearing-node/arb-node/arb"
	"github.com/clearing-node/arb-node/rpchealth"
)

// Report is the outcome of one round, handed to sinks and the status api
type Report struct {
	Round      uint64                      `json:"round"`
	StartedAt  time.Time                   `json:"startedAt"`
	FinishedAt time.Time                   `json:"finishedAt"`
	Results    []arb.ProcessPairResult     `json:"results"`
	AvgGasCost *big.Int                    `json:"avgGasCost,omitempty"`
	RPC        map[string]rpchealth.Record `json:"rpc,omitempty"`
}

// Count returns the number of results per status
func (r *Report) Count() map[arb.ReportStatus]int {
	res := make(map[arb.ReportStatus]int)
	for _, result := range r.Results {
		res[result.Status]++
	}
	return res
}

func (r *Report) Cleared() int {
	n := 0
	for _, result := range r.Results {
		if result.Report.Cleared {
			n++
		}
	}
	return n
}

// Sink receives every finished round report, failures never fail the round
type Sink interface {
	StoreReport(ctx context.Context, report *Report) error
}
