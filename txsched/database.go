package txsched

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrIntentNotFound = errors.New("intent not found")

type DBIntent struct {
	Handle        []byte          `db:"handle"`
	Sender        []byte          `db:"sender"`
	State         string          `db:"state"`
	Nonce         sql.NullInt64   `db:"nonce"`
	MaxFee        int64           `db:"max_fee"`
	PriorityFee   int64           `db:"priority_fee"`
	Degraded      bool            `db:"degraded"`
	SubmitCount   int             `db:"submit_count"`
	RepriceCount  int             `db:"reprice_count"`
	FailReason    sql.NullString  `db:"fail_reason"`
	IncludedBlock sql.NullInt64   `db:"included_block"`
	ReceivedAt    time.Time       `db:"received_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
	Body          json.RawMessage `db:"body"`
}

var insertIntentQuery = `
INSERT INTO sched_intent (handle, sender, state, nonce, max_fee, priority_fee, degraded,
                          submit_count, reprice_count, fail_reason, included_block, received_at, updated_at, body)
VALUES (:handle, :sender, :state, :nonce, :max_fee, :priority_fee, :degraded,
        :submit_count, :reprice_count, :fail_reason, :included_block, :received_at, :updated_at, :body)
ON CONFLICT (handle) DO NOTHING`

var updateIntentStateQuery = `
UPDATE sched_intent
SET state = :state, nonce = :nonce, max_fee = :max_fee, priority_fee = :priority_fee,
    degraded = :degraded, submit_count = :submit_count, reprice_count = :reprice_count,
    fail_reason = :fail_reason, included_block = :included_block, updated_at = :updated_at
WHERE handle = :handle`

var getIntentQuery = `
SELECT handle, sender, state, nonce, max_fee, priority_fee, degraded,
       submit_count, reprice_count, fail_reason, included_block, received_at, updated_at, body
FROM sched_intent
WHERE handle = $1`

type DBDecision struct {
	ID          int64          `db:"id"`
	Handle      []byte         `db:"handle"`
	Kind        string         `db:"kind"`
	Nonce       int64          `db:"nonce"`
	MaxFee      int64          `db:"max_fee"`
	PriorityFee int64          `db:"priority_fee"`
	Degraded    bool           `db:"degraded"`
	Reason      sql.NullString `db:"reason"`
	DecidedAt   time.Time      `db:"decided_at"`
}

var insertDecisionQuery = `
INSERT INTO sched_decision (handle, kind, nonce, max_fee, priority_fee, degraded, reason, decided_at)
VALUES (:handle, :kind, :nonce, :max_fee, :priority_fee, :degraded, :reason, :decided_at)
RETURNING id`

// DBBackend persists intent lifecycle history in postgres for the status
// endpoint and offline analysis.
type DBBackend struct {
	db *sqlx.DB

	insertIntent   *sqlx.NamedStmt
	updateIntent   *sqlx.NamedStmt
	getIntent      *sqlx.Stmt
	insertDecision *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertIntent, err := db.PrepareNamed(insertIntentQuery)
	if err != nil {
		return nil, err
	}
	updateIntent, err := db.PrepareNamed(updateIntentStateQuery)
	if err != nil {
		return nil, err
	}
	getIntent, err := db.Preparex(getIntentQuery)
	if err != nil {
		return nil, err
	}
	insertDecision, err := db.PrepareNamed(insertDecisionQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:             db,
		insertIntent:   insertIntent,
		updateIntent:   updateIntent,
		getIntent:      getIntent,
		insertDecision: insertDecision,
	}, nil
}

func intentToRow(tx *ScheduledTransaction, now time.Time) (*DBIntent, error) {
	body, err := json.Marshal(tx.Intent)
	if err != nil {
		return nil, err
	}
	row := &DBIntent{
		Handle:       tx.Handle.Bytes(),
		Sender:       tx.Intent.From.Bytes(),
		State:        tx.State.String(),
		MaxFee:       int64(tx.Fee.MaxFeePerGas),
		PriorityFee:  int64(tx.Fee.PriorityFeePerGas),
		Degraded:     tx.Degraded,
		SubmitCount:  tx.SubmitCount,
		RepriceCount: tx.RepriceCount,
		ReceivedAt:   tx.ReceivedAt,
		UpdatedAt:    now,
		Body:         body,
	}
	if tx.NonceAllocated {
		row.Nonce = sql.NullInt64{Int64: int64(tx.Nonce), Valid: true}
	}
	if tx.FailReason != "" {
		row.FailReason = sql.NullString{String: tx.FailReason, Valid: true}
	}
	if tx.IncludedBlock > 0 {
		row.IncludedBlock = sql.NullInt64{Int64: int64(tx.IncludedBlock), Valid: true}
	}
	return row, nil
}

func (b *DBBackend) InsertIntent(ctx context.Context, tx *ScheduledTransaction) error {
	row, err := intentToRow(tx, time.Now())
	if err != nil {
		return err
	}
	_, err = b.insertIntent.ExecContext(ctx, row)
	return err
}

func (b *DBBackend) UpdateIntentState(ctx context.Context, tx *ScheduledTransaction) error {
	row, err := intentToRow(tx, time.Now())
	if err != nil {
		return err
	}
	_, err = b.updateIntent.ExecContext(ctx, row)
	return err
}

func (b *DBBackend) InsertDecision(ctx context.Context, d *Decision, at time.Time) error {
	row := DBDecision{
		Handle:      d.Handle.Bytes(),
		Kind:        d.Kind.String(),
		Nonce:       int64(d.Nonce),
		MaxFee:      int64(d.Fee.MaxFeePerGas),
		PriorityFee: int64(d.Fee.PriorityFeePerGas),
		Degraded:    d.Degraded,
		DecidedAt:   at,
	}
	if d.Reason != "" {
		row.Reason = sql.NullString{String: d.Reason, Valid: true}
	}
	var id int64
	return b.insertDecision.GetContext(ctx, &id, row)
}

// GetIntent loads the persisted view of an intent for status queries.
func (b *DBBackend) GetIntent(ctx context.Context, handle common.Hash) (*DBIntent, error) {
	var row DBIntent
	err := b.getIntent.GetContext(ctx, &row, handle.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	} else if err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
