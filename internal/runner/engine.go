package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultSyncInterval = 5 * time.Minute

type EngineConfig struct {
	// fallback poll of every asset, only with drift correction on
	SyncInterval    time.Duration
	DriftCorrection bool
}

// Engine starts the replication components in order and stops them in
// reverse.
type Engine struct {
	cfg          EngineConfig
	reconciler   *Reconciler
	subscription *Subscription
	executor     *Executor
	status       Status
	log          *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

func NewEngine(
	cfg EngineConfig,
	reconciler *Reconciler,
	subscription *Subscription,
	executor *Executor,
	status Status,
	log *zap.Logger,
) *Engine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if status == nil {
		status = nopStatus{}
	}
	return &Engine{
		cfg:          cfg,
		reconciler:   reconciler,
		subscription: subscription,
		executor:     executor,
		status:       status,
		log:          log,
	}
}

// Start loads both accounts, opens the fills stream and starts the timers.
// A failed startup reconcile is logged; the periodic cycle retries it.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil || e.stopped {
		e.mu.Unlock()
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.log.Info("engine starting", zap.Bool("drift_correction", e.cfg.DriftCorrection))

	if err := e.reconciler.ReconcileOnce(ctx); err != nil {
		e.log.Error("startup reconcile failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		return
	}

	e.subscription.Start(ctx)
	e.reconciler.Start(ctx)

	if e.cfg.DriftCorrection {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pollLoop(ctx)
		}()
	}

	e.status.SetReady(true)
}

func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.executor.SyncAll(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn("fallback sync failed", zap.Error(err))
			}
		}
	}
}

// Stop shuts everything down. Orders already sent finish under their own
// timeout.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.stopped = true
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	e.status.SetReady(false)
	err := e.subscription.Stop(ctx)
	cancel()
	e.reconciler.Stop()
	e.executor.Stop()
	e.wg.Wait()

	e.log.Info("engine stopped")
	return err
}
