package runner

import (
	"context"
	"time"

	"copy_bot/internal/models"

	"github.com/shopspring/decimal"
)

type MetaSource interface {
	Meta(ctx context.Context) ([]models.AssetMetadata, error)
}

type MidSource interface {
	AllMids(ctx context.Context) (map[string]decimal.Decimal, error)
}

type AccountSource interface {
	AccountState(ctx context.Context, address string) (models.AccountState, error)
}

type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
}

// FillStream is one live userFills connection.
type FillStream interface {
	SubscribeFills(user string, aggregate bool) error
	Unsubscribe(user string, aggregate bool) error
	Next() (models.FillBatch, error)
	Ping() error
	Close() error
}

type StreamDialer interface {
	DialFills(ctx context.Context) (FillStream, error)
}

// Journal persists order outcomes and drift reports.
type Journal interface {
	RecordOrder(ctx context.Context, rec models.OrderRecord) error
	RecordDrift(ctx context.Context, drifts []models.Drift, at time.Time) error
}

type Notifier interface {
	Notify(format string, args ...any)
}

// Status receives liveness signals for the health endpoints.
type Status interface {
	SetStreamConnected(ok bool)
	SetReconciled(at time.Time)
	SetReady(ok bool)
}

type nopJournal struct{}

func (nopJournal) RecordOrder(context.Context, models.OrderRecord) error { return nil }
func (nopJournal) RecordDrift(context.Context, []models.Drift, time.Time) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(string, ...any) {}

type nopStatus struct{}

func (nopStatus) SetStreamConnected(bool) {}
func (nopStatus) SetReconciled(time.Time) {}
func (nopStatus) SetReady(bool) {}
