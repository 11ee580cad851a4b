// Package storage keeps round reports in postgres for stats, nothing reads them back
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/big"
	"time"

	"github.com/clearing-node/arb-node/arb"
	"github.com/clearing-node/arb-node/chain"
	"github.com/clearing-node/arb-node/round"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type DBRound struct {
	ID         int64          `db:"id"`
	Round      int64          `db:"round"`
	StartedAt  time.Time      `db:"started_at"`
	FinishedAt time.Time      `db:"finished_at"`
	Pairs      int            `db:"pairs"`
	Cleared    int            `db:"cleared"`
	AvgGasCost sql.NullString `db:"avg_gas_cost"`
	RPC        []byte         `db:"rpc"`
	InsertedAt time.Time      `db:"inserted_at"`
}

var insertRoundQuery = `
INSERT INTO arb_round (round, started_at, finished_at, pairs, cleared, avg_gas_cost, rpc)
VALUES (:round, :started_at, :finished_at, :pairs, :cleared, :avg_gas_cost, :rpc)
RETURNING id`

type DBPairResult struct {
	RoundID            int64          `db:"round_id"`
	Idx                int            `db:"idx"`
	Status             string         `db:"status"`
	Reason             sql.NullString `db:"reason"`
	Error              sql.NullString `db:"error"`
	TokenPair          string         `db:"token_pair"`
	Orderbook          []byte         `db:"orderbook"`
	Owner              []byte         `db:"owner"`
	OrderHashes        pq.ByteaArray  `db:"order_hashes"`
	Signer             []byte         `db:"signer"`
	TxHash             []byte         `db:"tx_hash"`
	Cleared            bool           `db:"cleared"`
	NodeError          bool           `db:"node_error"`
	ClearedAmount      sql.NullString `db:"cleared_amount"`
	InputIncome        sql.NullString `db:"input_income"`
	OutputIncome       sql.NullString `db:"output_income"`
	ActualGasCostEth   sql.NullString `db:"actual_gas_cost_eth"`
	NetProfitEth       sql.NullString `db:"net_profit_eth"`
	EstimatedProfitEth sql.NullString `db:"estimated_profit_eth"`
}

var insertPairResultQuery = `
INSERT INTO arb_pair_result (round_id, idx, status, reason, error, token_pair, orderbook, owner, order_hashes,
                             signer, tx_hash, cleared, node_error, cleared_amount, input_income, output_income,
                             actual_gas_cost_eth, net_profit_eth, estimated_profit_eth)
VALUES (:round_id, :idx, :status, :reason, :error, :token_pair, :orderbook, :owner, :order_hashes,
        :signer, :tx_hash, :cleared, :node_error, :cleared_amount, :input_income, :output_income,
        :actual_gas_cost_eth, :net_profit_eth, :estimated_profit_eth)
ON CONFLICT (round_id, idx) DO NOTHING`

type DBBackend struct {
	db *sqlx.DB

	insertRound *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertRound, err := db.PrepareNamed(insertRoundQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:          db,
		insertRound: insertRound,
	}, nil
}

// StoreReport inserts the round and all of its pair results in one transaction
func (b *DBBackend) StoreReport(ctx context.Context, report *round.Report) error {
	dbRound := DBRound{
		Round:      int64(report.Round),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Pairs:      len(report.Results),
		Cleared:    report.Cleared(),
		AvgGasCost: dbIntToEth(report.AvgGasCost),
	}
	if len(report.RPC) > 0 {
		rpc, err := json.Marshal(report.RPC)
		if err != nil {
			return err
		}
		dbRound.RPC = rpc
	}

	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	var roundID int64
	err = dbTx.NamedStmtContext(ctx, b.insertRound).GetContext(ctx, &roundID, dbRound)
	if err != nil {
		_ = dbTx.Rollback()
		return err
	}

	if len(report.Results) > 0 {
		results := make([]DBPairResult, len(report.Results))
		for i := range report.Results {
			results[i] = dbPairResult(roundID, i, &report.Results[i])
		}
		_, err = dbTx.NamedExecContext(ctx, insertPairResultQuery, results)
		if err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func dbPairResult(roundID int64, idx int, result *arb.ProcessPairResult) DBPairResult {
	report := &result.Report
	res := DBPairResult{
		RoundID:            roundID,
		Idx:                idx,
		Status:             result.Status.String(),
		Error:              sql.NullString{String: result.Error, Valid: result.Error != ""},
		TokenPair:          report.TokenPair,
		Orderbook:          report.Orderbook.Bytes(),
		Owner:              report.Owner.Bytes(),
		Cleared:            report.Cleared,
		NodeError:          report.NodeError,
		ClearedAmount:      dbInt(report.ClearedAmount),
		InputIncome:        dbInt(report.InputIncome),
		OutputIncome:       dbInt(report.OutputIncome),
		ActualGasCostEth:   dbIntToEth(report.ActualGasCost),
		NetProfitEth:       dbIntToEth(report.NetProfit),
		EstimatedProfitEth: dbIntToEth(report.EstimatedProfit),
	}
	if result.Reason != arb.HaltNone {
		res.Reason = sql.NullString{String: result.Reason.String(), Valid: true}
	}
	res.OrderHashes = make(pq.ByteaArray, len(report.OrderHashes))
	for i, hash := range report.OrderHashes {
		res.OrderHashes[i] = hash.Bytes()
	}
	if report.Signer != (common.Address{}) {
		res.Signer = report.Signer.Bytes()
	}
	if report.TxHash != nil {
		res.TxHash = report.TxHash.Bytes()
	}
	return res
}

func dbInt(i *big.Int) sql.NullString {
	if i == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: i.String(), Valid: true}
}

func dbIntToEth(i *big.Int) sql.NullString {
	if i == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: chain.FormatUnits(i, 18), Valid: true}
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
