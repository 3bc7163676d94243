package runner

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"copy_bot/internal/models"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ReconcilerState int32

const (
	ReconcilerIdle ReconcilerState = iota
	ReconcilerFetching
	ReconcilerApplying
)

func (s ReconcilerState) String() string {
	switch s {
	case ReconcilerFetching:
		return "fetching"
	case ReconcilerApplying:
		return "applying"
	default:
		return "idle"
	}
}

const (
	defaultReconcileInterval = time.Minute
	defaultMaxAttempts       = 3
)

type ReconcilerConfig struct {
	LeaderAddress   string
	FollowerAddress string
	Interval        time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	DriftTolerance  decimal.Decimal
	DriftCorrection bool
}

// Syncer is the part of the executor the reconciler drives.
type Syncer interface {
	SyncAsset(ctx context.Context, asset string) (*models.OrderResult, error)
}

// Reconciler periodically replaces both local stores with exchange truth
// and reports where they had diverged.
type Reconciler struct {
	cfg      ReconcilerConfig
	accounts AccountSource
	leader   *LeaderState
	follower *FollowerState
	locks    *AssetLocks
	syncer   Syncer
	journal  Journal
	notifier Notifier
	status   Status
	log      *zap.Logger

	state   atomic.Int32
	lastRun atomic.Int64
	primed  atomic.Bool
	// one cycle at a time
	cycleMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReconciler(
	cfg ReconcilerConfig,
	accounts AccountSource,
	leader *LeaderState,
	follower *FollowerState,
	locks *AssetLocks,
	syncer Syncer,
	journal Journal,
	notifier Notifier,
	status Status,
	log *zap.Logger,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReconcileInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if journal == nil {
		journal = nopJournal{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if status == nil {
		status = nopStatus{}
	}
	return &Reconciler{
		cfg:      cfg,
		accounts: accounts,
		leader:   leader,
		follower: follower,
		locks:    locks,
		syncer:   syncer,
		journal:  journal,
		notifier: notifier,
		status:   status,
		log:      log,
	}
}

func (r *Reconciler) State() ReconcilerState { return ReconcilerState(r.state.Load()) }

func (r *Reconciler) setState(s ReconcilerState) { r.state.Store(int32(s)) }

// LastRun is the completion time of the last successful cycle.
func (r *Reconciler) LastRun() time.Time {
	ns := r.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ReconcileOnce fetches both accounts, overwrites the stores and handles
// drift. The first successful cycle only populates the stores.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	span, ctx := opentracing.StartSpanFromContext(ctx, "runner.ReconcileOnce")
	defer span.Finish()
	defer r.setState(ReconcilerIdle)

	r.setState(ReconcilerFetching)
	asOf := time.Now()

	var leaderAcc, followerAcc models.AccountState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		leaderAcc, err = r.fetch(gctx, r.cfg.LeaderAddress)
		return err
	})
	g.Go(func() (err error) {
		followerAcc, err = r.fetch(gctx, r.cfg.FollowerAddress)
		return err
	})
	if err := g.Wait(); err != nil {
		ext.Error.Set(span, true)
		span.LogKV("error", err.Error())
		r.log.Error("reconcile fetch failed", zap.Error(err))
		return err
	}

	r.setState(ReconcilerApplying)
	leaderPos := leaderAcc.PositionMap()
	followerPos := followerAcc.PositionMap()

	touched := unionAssets(
		mapKeys(leaderPos), mapKeys(followerPos),
		r.leader.Assets(), r.follower.Assets(),
	)
	unlock := r.locks.LockAll(touched)
	leaderDrift := r.leader.ReplaceAll(leaderPos, asOf)
	followerDrift := r.follower.ReplaceAll(followerPos, asOf)
	r.follower.SetEquity(followerAcc.AccountValue)
	unlock()

	now := time.Now()
	r.lastRun.Store(now.UnixNano())
	r.status.SetReconciled(now)

	if !r.primed.Swap(true) {
		r.log.Info("state loaded",
			zap.Int("leader_positions", len(leaderPos)),
			zap.Int("follower_positions", len(followerPos)),
			zap.String("follower_equity", followerAcc.AccountValue.String()))
		if r.cfg.DriftCorrection {
			r.correct(ctx, touched)
		}
		return nil
	}

	drifts := r.significant(append(leaderDrift, followerDrift...))
	if len(drifts) == 0 {
		r.log.Debug("reconciled, no drift", zap.Int("assets", len(touched)))
		return nil
	}
	span.SetTag("drifts", len(drifts))

	for _, d := range drifts {
		r.log.Warn("position drift",
			zap.String("asset", d.Asset),
			zap.String("side", string(d.Side)),
			zap.String("before", d.Before.String()),
			zap.String("after", d.After.String()))
		r.notifier.Notify("drift %s %s: %s -> %s", d.Side, d.Asset, d.Before, d.After)
	}
	if err := r.journal.RecordDrift(ctx, drifts, now); err != nil {
		r.log.Warn("journal drift failed", zap.Error(err))
	}

	if r.cfg.DriftCorrection {
		assets := make([]string, 0, len(drifts))
		for _, d := range drifts {
			assets = append(assets, d.Asset)
		}
		r.correct(ctx, unionAssets(assets))
	}
	return nil
}

func (r *Reconciler) significant(drifts []models.Drift) []models.Drift {
	out := drifts[:0]
	for _, d := range drifts {
		if d.Diff().GreaterThan(r.cfg.DriftTolerance) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// correct syncs the given assets through the executor.
func (r *Reconciler) correct(ctx context.Context, assets []string) {
	if r.syncer == nil || len(assets) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncAllParallelism)
	for _, asset := range assets {
		g.Go(func() error {
			if _, err := r.syncer.SyncAsset(gctx, asset); err != nil {
				r.log.Warn("drift correction failed", zap.String("asset", asset), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) fetch(ctx context.Context, address string) (models.AccountState, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			d := CalculateBackoff(attempt-1, r.cfg.BackoffBase, r.cfg.BackoffMax)
			r.log.Warn("retrying account fetch",
				zap.String("address", address),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", d),
				zap.Error(lastErr))
			if !sleepCtx(ctx, d) {
				return models.AccountState{}, ctx.Err()
			}
		}
		st, err := r.accounts.AccountState(ctx, address)
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, models.ErrExchangeAPI) {
			return models.AccountState{}, err
		}
		lastErr = err
	}
	return models.AccountState{}, errors.WithMessagef(lastErr, "after %d attempts", r.cfg.MaxAttempts)
}

// Start runs the periodic loop in the background, first cycle after one
// interval.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.loop(ctx)
	}()
}

func (r *Reconciler) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("reconcile failed", zap.Error(err))
			}
		}
	}
}

// Stop cancels the background loop and waits for it. Safe to call more than
// once and before Start.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func mapKeys(m map[string]models.Position) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
