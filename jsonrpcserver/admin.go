package jsonrpcserver

import (
	"context"
	"errors"

	"github.com/clearing-node/arb-node/round"
	"github.com/clearing-node/arb-node/rpchealth"
	"github.com/clearing-node/arb-node/signer"
	"github.com/ethereum/go-ethereum/common"
)

var ErrNoReport = errors.New("no round finished yet")

type ReportSource interface {
	LastReport() *round.Report
}

type HealthSource interface {
	Snapshot() map[string]rpchealth.Record
}

type LimitSource interface {
	OwnerLimits() map[common.Address]map[common.Address]int
}

type SignerSource interface {
	Status() []signer.AccountStatus
}

// AdminAPI serves read-only node state
type AdminAPI struct {
	Reports ReportSource
	Health  HealthSource
	Limits  LimitSource
	Signers SignerSource
}

func (a *AdminAPI) Methods() Methods {
	return Methods{
		"arb_lastReport":  a.LastReport,
		"arb_rpcHealth":   a.RPCHealth,
		"arb_ownerLimits": a.OwnerLimits,
		"arb_signers":     a.SignerStatus,
	}
}

func (a *AdminAPI) LastReport(ctx context.Context) (*round.Report, error) {
	report := a.Reports.LastReport()
	if report == nil {
		return nil, ErrNoReport
	}
	return report, nil
}

// RPCHealth returns counters of the current window, they reset at the end of every round
func (a *AdminAPI) RPCHealth(ctx context.Context) (map[string]rpchealth.Record, error) {
	return a.Health.Snapshot(), nil
}

// OwnerLimits returns limits per orderbook and owner, optionally for one orderbook only
func (a *AdminAPI) OwnerLimits(ctx context.Context, orderbook *common.Address) (map[common.Address]map[common.Address]int, error) {
	limits := a.Limits.OwnerLimits()
	if orderbook == nil {
		return limits, nil
	}
	res := make(map[common.Address]map[common.Address]int)
	if owners, ok := limits[*orderbook]; ok {
		res[*orderbook] = owners
	}
	return res, nil
}

func (a *AdminAPI) SignerStatus(ctx context.Context) ([]signer.AccountStatus, error) {
	return a.Signers.Status(), nil
}
