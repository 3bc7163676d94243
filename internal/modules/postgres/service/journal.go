package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"copy_bot/internal/models"
	"copy_bot/pkg/db"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS copy_orders (
	id           BIGSERIAL PRIMARY KEY,
	asset        TEXT        NOT NULL,
	side         TEXT        NOT NULL,
	target       NUMERIC     NOT NULL,
	requested    NUMERIC     NOT NULL,
	filled       NUMERIC     NOT NULL,
	avg_price    NUMERIC     NOT NULL,
	limit_price  NUMERIC     NOT NULL,
	mark         NUMERIC     NOT NULL,
	reduce_only  BOOLEAN     NOT NULL,
	status       TEXT        NOT NULL,
	exchange_oid BIGINT,
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS copy_orders_asset_created_idx ON copy_orders (asset, created_at);
CREATE TABLE IF NOT EXISTS copy_drifts (
	id          BIGSERIAL PRIMARY KEY,
	asset       TEXT        NOT NULL,
	side        TEXT        NOT NULL,
	before_size NUMERIC     NOT NULL,
	after_size  NUMERIC     NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL
);`

const insertOrder = `INSERT INTO copy_orders
	(asset, side, target, requested, filled, avg_price, limit_price, mark, reduce_only, status, exchange_oid, error, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const insertDrift = `INSERT INTO copy_drifts (asset, side, before_size, after_size, detected_at) VALUES `

// Journal is the audit trail of orders and drift. A Journal without a
// database accepts and discards every record.
type Journal struct {
	db  db.TxManager
	log *zap.Logger
}

func NewJournal(tx db.TxManager, log *zap.Logger) *Journal {
	return &Journal{db: tx, log: log}
}

func (j *Journal) Enabled() bool { return j.db != nil }

// Init creates the journal tables.
func (j *Journal) Init(ctx context.Context) error {
	if !j.Enabled() {
		return nil
	}
	if _, err := j.db.Conn().Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "journal schema")
	}
	return nil
}

func (j *Journal) RecordOrder(ctx context.Context, rec models.OrderRecord) (err error) {
	if !j.Enabled() {
		return nil
	}
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "Journal.RecordOrder")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var oid any
	if rec.OrderID != 0 {
		oid = rec.OrderID
	}
	var msg any
	if rec.Error != "" {
		msg = rec.Error
	}
	_, err = j.db.Conn().Exec(ctx, insertOrder,
		rec.Asset,
		rec.Side.String(),
		rec.Target.String(),
		rec.Requested.String(),
		rec.Filled.String(),
		rec.AvgPrice.String(),
		rec.LimitPrice.String(),
		rec.Mark.String(),
		rec.ReduceOnly,
		string(rec.Status),
		oid,
		msg,
		rec.CreatedAt,
	)
	return err
}

// RecordDrift writes one reconcile cycle's drift in a single transaction.
func (j *Journal) RecordDrift(ctx context.Context, drifts []models.Drift, at time.Time) (err error) {
	if !j.Enabled() || len(drifts) == 0 {
		return nil
	}
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "Journal.RecordDrift")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	sql, args := driftInsert(drifts, at)
	return j.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctxTx, sql, args...)
		return err
	})
}

func driftInsert(drifts []models.Drift, at time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString(insertDrift)
	args := make([]any, 0, len(drifts)*5)
	for i, d := range drifts {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 5
		b.WriteString("($" + strconv.Itoa(n+1) + ", $" + strconv.Itoa(n+2) + ", $" + strconv.Itoa(n+3) +
			", $" + strconv.Itoa(n+4) + ", $" + strconv.Itoa(n+5) + ")")
		args = append(args, d.Asset, string(d.Side), d.Before.String(), d.After.String(), at)
	}
	return b.String(), args
}
