package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"copy_bot/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	btcMeta = models.AssetMetadata{Asset: "BTC", Index: 0, SizeDecimals: 5, PriceDecimals: 1, MaxLeverage: d("50")}
	ethMeta = models.AssetMetadata{Asset: "ETH", Index: 1, SizeDecimals: 4, PriceDecimals: 2, MaxLeverage: d("25")}
	solMeta = models.AssetMetadata{Asset: "SOL", Index: 2, SizeDecimals: 2, PriceDecimals: 4, MaxLeverage: d("20")}
)

const (
	leaderAddr   = "0x1111111111111111111111111111111111111111"
	followerAddr = "0x2222222222222222222222222222222222222222"
)

// fakeExchange serves metadata, prices, accounts and orders from memory.
type fakeExchange struct {
	mu       sync.Mutex
	metas    []models.AssetMetadata
	mids     map[string]decimal.Decimal
	accounts map[string]models.AccountState
	// consumed one per AccountState call before accounts is used
	accountErrs []error
	metaErr     error
	orders      []models.OrderRequest

	// optional hooks
	place        func(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	beforeFetch  func(address string)
	metaDelay    time.Duration
	accountBlock chan struct{}

	metaCalls    atomic.Int32
	midCalls     atomic.Int32
	accountCalls atomic.Int32
	nextOID      atomic.Int64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		metas: []models.AssetMetadata{btcMeta, ethMeta, solMeta},
		mids: map[string]decimal.Decimal{
			"BTC": d("50000"),
			"ETH": d("3000"),
			"SOL": d("150"),
		},
		accounts: map[string]models.AccountState{
			leaderAddr:   {Address: leaderAddr},
			followerAddr: {Address: followerAddr, AccountValue: d("100000")},
		},
	}
}

func (f *fakeExchange) Meta(ctx context.Context) ([]models.AssetMetadata, error) {
	f.metaCalls.Add(1)
	if f.metaDelay > 0 {
		time.Sleep(f.metaDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return append([]models.AssetMetadata(nil), f.metas...), nil
}

func (f *fakeExchange) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	f.midCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(f.mids))
	for k, v := range f.mids {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) AccountState(ctx context.Context, address string) (models.AccountState, error) {
	f.accountCalls.Add(1)
	if f.beforeFetch != nil {
		f.beforeFetch(address)
	}
	if f.accountBlock != nil {
		select {
		case <-f.accountBlock:
		case <-ctx.Done():
			return models.AccountState{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.accountErrs) > 0 {
		err := f.accountErrs[0]
		f.accountErrs = f.accountErrs[1:]
		if err != nil {
			return models.AccountState{}, err
		}
	}
	st, ok := f.accounts[address]
	if !ok {
		return models.AccountState{}, fmt.Errorf("unknown address %s", address)
	}
	st.Positions = append([]models.Position(nil), st.Positions...)
	st.FetchedAt = time.Now()
	return st, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	f.mu.Lock()
	f.orders = append(f.orders, req)
	place := f.place
	f.mu.Unlock()

	if place != nil {
		return place(ctx, req)
	}
	return models.OrderResult{OrderID: f.nextOID.Add(1), FilledSize: req.Size, AvgPrice: req.LimitPrice}, nil
}

func (f *fakeExchange) placed() []models.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderRequest(nil), f.orders...)
}

// setPositions sets what the exchange reports for address.
func (f *fakeExchange) setPositions(address string, positions ...models.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.accounts[address]
	st.Address = address
	st.Positions = positions
	f.accounts[address] = st
}

func pos(asset, size string) models.Position {
	return models.Position{Asset: asset, Size: d(size), EntryPrice: d("1")}
}

type fakeJournal struct {
	mu     sync.Mutex
	orders []models.OrderRecord
	drifts [][]models.Drift
}

func (j *fakeJournal) RecordOrder(_ context.Context, rec models.OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, rec)
	return nil
}

func (j *fakeJournal) RecordDrift(_ context.Context, drifts []models.Drift, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.drifts = append(j.drifts, append([]models.Drift(nil), drifts...))
	return nil
}

func (j *fakeJournal) orderRecords() []models.OrderRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]models.OrderRecord(nil), j.orders...)
}

func (j *fakeJournal) driftReports() [][]models.Drift {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([][]models.Drift(nil), j.drifts...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Notify(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, fmt.Sprintf(format, args...))
}

func (n *fakeNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

type fakeStatus struct {
	connected  atomic.Bool
	ready      atomic.Bool
	reconciled atomic.Int64
}

func (s *fakeStatus) SetStreamConnected(ok bool) { s.connected.Store(ok) }
func (s *fakeStatus) SetReconciled(t time.Time) { s.reconciled.Store(t.UnixNano()) }
func (s *fakeStatus) SetReady(ok bool) { s.ready.Store(ok) }

func defaultRisk() models.RiskConfig {
	return models.RiskConfig{
		MinPositionUsd: d("10"),
		CopyRatio:      d("0.1"),
		MaxLeverage:    d("20"),
		MaxNotionalUsd: d("1000000"),
		MaxSlippageBps: d("50"),
	}
}

type harness struct {
	ex       *fakeExchange
	leader   *LeaderState
	follower *FollowerState
	locks    *AssetLocks
	journal  *fakeJournal
	notifier *fakeNotifier
	exec     *Executor
	logs     *observer.ObservedLogs
	log      *zap.Logger
}

func newHarness(t *testing.T, risk models.RiskConfig) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	h := &harness{
		ex:       newFakeExchange(),
		leader:   NewLeaderState(),
		follower: NewFollowerState(),
		locks:    NewAssetLocks(),
		journal:  &fakeJournal{},
		notifier: &fakeNotifier{},
		logs:     logs,
		log:      log,
	}
	h.exec = NewExecutor(
		ExecutorConfig{Risk: risk, OrderTimeout: time.Second},
		h.leader, h.follower,
		NewMetadataCache(h.ex, time.Hour, log),
		NewPriceCache(h.ex, time.Hour),
		h.ex, h.locks, h.journal, h.notifier, log,
	)
	t.Cleanup(h.exec.Stop)
	return h
}

func (h *harness) newReconciler(correction bool) *Reconciler {
	return NewReconciler(ReconcilerConfig{
		LeaderAddress:   leaderAddr,
		FollowerAddress: followerAddr,
		Interval:        time.Hour,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		DriftCorrection: correction,
	}, h.ex, h.leader, h.follower, h.locks, h.exec, h.journal, h.notifier, nil, h.log)
}
