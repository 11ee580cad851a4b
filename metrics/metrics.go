// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	roundsTotal        = metrics.NewCounter("rounds_total")
	roundsFailed       = metrics.NewCounter("rounds_failed_total")
	roundDuration      = metrics.NewHistogram("round_duration_milliseconds")
	signerWaitDuration = metrics.NewHistogram("signer_wait_duration_milliseconds")
	dryrunDuration     = metrics.NewHistogram("dryrun_duration_milliseconds")

	txSubmitted      = metrics.NewCounter("tx_submitted_total")
	txSubmitFailed   = metrics.NewCounter("tx_submit_failed_total")
	txConfirmed      = metrics.NewCounter("tx_confirmed_total")
	txReverted       = metrics.NewCounter("tx_reverted_total")
	txReceiptTimeout = metrics.NewCounter("tx_receipt_timeout_total")

	reportSinkFailures = metrics.NewCounter("report_sink_failures_total")
)

func IncRPCRequest(endpoint string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_requests_total{endpoint=%q}`, endpoint)).Inc()
}

func IncRPCSuccess(endpoint string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_success_total{endpoint=%q}`, endpoint)).Inc()
}

func IncRPCFailure(endpoint string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_failure_total{endpoint=%q}`, endpoint)).Inc()
}

func IncRPCCache(endpoint string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rpc_cache_total{endpoint=%q}`, endpoint)).Inc()
}

func IncRounds() {
	roundsTotal.Inc()
}

func IncRoundsFailed() {
	roundsFailed.Inc()
}

func RecordRoundDuration(ms int64) {
	roundDuration.Update(float64(ms))
}

func RecordSignerWaitDuration(ms int64) {
	signerWaitDuration.Update(float64(ms))
}

func RecordDryrunDuration(ms int64) {
	dryrunDuration.Update(float64(ms))
}

func IncPairResult(status, reason string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`pair_results_total{status=%q,reason=%q}`, status, reason)).Inc()
}

func IncTxSubmitted() {
	txSubmitted.Inc()
}

func IncTxSubmitFailed() {
	txSubmitFailed.Inc()
}

func IncTxConfirmed() {
	txConfirmed.Inc()
}

func IncTxReverted() {
	txReverted.Inc()
}

func IncTxReceiptTimeout() {
	txReceiptTimeout.Inc()
}

func IncReportSinkFailures() {
	reportSinkFailures.Inc()
}

func SetSignerBalance(signer string, eth float64) {
	name := fmt.Sprintf(`signer_balance_eth{signer=%q}`, signer)
	metrics.GetOrCreateFloatCounter(name).Set(eth)
}
