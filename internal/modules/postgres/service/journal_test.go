package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"copy_bot/internal/models"
	"copy_bot/pkg/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type execCall struct {
	sql  string
	args []any
}

type fakeConn struct {
	calls []execCall
	err   error
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.calls = append(c.calls, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, c.err
}

func (c *fakeConn) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	panic("not used")
}

func (c *fakeConn) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	panic("not used")
}

// fakeTx only implements Exec.
type fakeTx struct {
	pgx.Tx
	conn *fakeConn
}

func (t fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.conn.Exec(ctx, sql, args...)
}

type fakeManager struct {
	conn *fakeConn
	txs  int
}

func (m *fakeManager) RunMaster(ctx context.Context, fn func(ctxTx context.Context, tx pgx.Tx) error) error {
	m.txs++
	return fn(ctx, fakeTx{conn: m.conn})
}

func (m *fakeManager) Conn() db.Transaction { return m.conn }

func TestJournalDisabled(t *testing.T) {
	j := NewJournal(nil, zap.NewNop())
	assert.False(t, j.Enabled())
	assert.NoError(t, j.Init(context.Background()))
	assert.NoError(t, j.RecordOrder(context.Background(), models.OrderRecord{Asset: "BTC"}))
	assert.NoError(t, j.RecordDrift(context.Background(), []models.Drift{{Asset: "BTC"}}, time.Now()))
}

func TestJournalInit(t *testing.T) {
	m := &fakeManager{conn: &fakeConn{}}
	j := NewJournal(m, zap.NewNop())

	require.NoError(t, j.Init(context.Background()))
	require.Len(t, m.conn.calls, 1)
	assert.Contains(t, m.conn.calls[0].sql, "CREATE TABLE IF NOT EXISTS copy_orders")
	assert.Contains(t, m.conn.calls[0].sql, "CREATE TABLE IF NOT EXISTS copy_drifts")
}

func TestJournalRecordOrder(t *testing.T) {
	m := &fakeManager{conn: &fakeConn{}}
	j := NewJournal(m, zap.NewNop())
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := j.RecordOrder(context.Background(), models.OrderRecord{
		Asset:      "BTC",
		Side:       models.SideBuy,
		Target:     decimal.RequireFromString("1"),
		Requested:  decimal.RequireFromString("0.5"),
		Filled:     decimal.RequireFromString("0.5"),
		AvgPrice:   decimal.RequireFromString("50010"),
		LimitPrice: decimal.RequireFromString("50250"),
		Mark:       decimal.RequireFromString("50000"),
		Status:     models.OrderFilled,
		OrderID:    77,
		CreatedAt:  at,
	})
	require.NoError(t, err)
	require.Len(t, m.conn.calls, 1)

	args := m.conn.calls[0].args
	require.Len(t, args, 13)
	assert.Equal(t, "BTC", args[0])
	assert.Equal(t, "buy", args[1])
	assert.Equal(t, "0.5", args[3])
	assert.Equal(t, "filled", args[9])
	assert.Equal(t, int64(77), args[10])
	assert.Nil(t, args[11])
	assert.Equal(t, at, args[12])
	assert.Zero(t, m.txs)
}

func TestJournalRecordOrderError(t *testing.T) {
	m := &fakeManager{conn: &fakeConn{err: assert.AnError}}
	j := NewJournal(m, zap.NewNop())

	err := j.RecordOrder(context.Background(), models.OrderRecord{Asset: "ETH", Error: "rejected"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Journal.RecordOrder")
	assert.Nil(t, m.conn.calls[0].args[10])
	assert.Equal(t, "rejected", m.conn.calls[0].args[11])
}

func TestJournalRecordDrift(t *testing.T) {
	m := &fakeManager{conn: &fakeConn{}}
	j := NewJournal(m, zap.NewNop())
	at := time.Now()

	err := j.RecordDrift(context.Background(), []models.Drift{
		{Asset: "BTC", Side: models.DriftLeader, Before: decimal.Zero, After: decimal.RequireFromString("2")},
		{Asset: "ETH", Side: models.DriftFollower, Before: decimal.RequireFromString("1"), After: decimal.Zero},
	}, at)
	require.NoError(t, err)
	assert.Equal(t, 1, m.txs)
	require.Len(t, m.conn.calls, 1)

	call := m.conn.calls[0]
	assert.True(t, strings.HasSuffix(call.sql, "($1, $2, $3, $4, $5), ($6, $7, $8, $9, $10)"))
	assert.Equal(t, []any{"BTC", "leader", "0", "2", at, "ETH", "follower", "1", "0", at}, call.args)
}

func TestJournalRecordDriftEmpty(t *testing.T) {
	m := &fakeManager{conn: &fakeConn{}}
	j := NewJournal(m, zap.NewNop())

	require.NoError(t, j.RecordDrift(context.Background(), nil, time.Now()))
	assert.Zero(t, m.txs)
}
