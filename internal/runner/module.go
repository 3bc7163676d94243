package runner

import (
	"context"
	"time"

	"copy_bot/internal/models"
	"copy_bot/internal/modules/config"
	health "copy_bot/internal/modules/health/service"
	"copy_bot/internal/modules/hyperliquid/service"
	journal "copy_bot/internal/modules/postgres/service"
	"copy_bot/internal/notify"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// streamDialer opens userFills streams on the exchange client.
type streamDialer struct {
	client      *service.Client
	readTimeout time.Duration
}

func (d streamDialer) DialFills(ctx context.Context) (FillStream, error) {
	s, err := d.client.Dial(ctx, d.readTimeout)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newExecutor(
	cfg *config.Config,
	risk models.RiskConfig,
	leader *LeaderState,
	follower *FollowerState,
	client *service.Client,
	locks *AssetLocks,
	j *journal.Journal,
	n notify.Notifier,
	log *zap.Logger,
) *Executor {
	return NewExecutor(
		ExecutorConfig{Risk: risk, OrderTimeout: cfg.Intervals.Order},
		leader, follower,
		NewMetadataCache(client, cfg.Intervals.MetadataTTL, log.Named("metadata")),
		NewPriceCache(client, cfg.Intervals.PriceTTL),
		client, locks, j, n,
		log.Named("executor"),
	)
}

func newReconciler(
	cfg *config.Config,
	leader *LeaderState,
	follower *FollowerState,
	client *service.Client,
	locks *AssetLocks,
	exec *Executor,
	j *journal.Journal,
	n notify.Notifier,
	state *health.State,
	log *zap.Logger,
) *Reconciler {
	return NewReconciler(ReconcilerConfig{
		LeaderAddress:   cfg.LeaderAddress,
		FollowerAddress: cfg.FollowerAddress(),
		Interval:        cfg.Intervals.Reconcile,
		MaxAttempts:     cfg.Reconcile.MaxAttempts,
		BackoffBase:     cfg.Reconcile.BackoffBase,
		DriftTolerance:  decimal.NewFromFloat(cfg.Reconcile.DriftTolerance),
		DriftCorrection: cfg.EnablePeriodicDriftCorrection,
	}, client, leader, follower, locks, exec, j, n, state, log.Named("reconciler"))
}

func newSubscription(
	cfg *config.Config,
	client *service.Client,
	leader *LeaderState,
	exec *Executor,
	state *health.State,
	log *zap.Logger,
) *Subscription {
	return NewSubscription(SubscriptionConfig{
		LeaderAddress: cfg.LeaderAddress,
		Aggregate:     cfg.WS.AggregateFills,
		PingInterval:  cfg.WS.PingInterval,
	}, streamDialer{client: client, readTimeout: 2 * cfg.WS.PingInterval},
		leader, exec.OnLeaderFill, state, log.Named("subscription"))
}

func newEngine(
	cfg *config.Config,
	rec *Reconciler,
	sub *Subscription,
	exec *Executor,
	state *health.State,
	log *zap.Logger,
) *Engine {
	return NewEngine(EngineConfig{
		SyncInterval:    cfg.Intervals.Sync,
		DriftCorrection: cfg.EnablePeriodicDriftCorrection,
	}, rec, sub, exec, state, log.Named("engine"))
}

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			NewLeaderState,
			NewFollowerState,
			NewAssetLocks,
			newExecutor,
			newReconciler,
			newSubscription,
			newEngine,
		),
		fx.Invoke(func(
			lc fx.Lifecycle,
			e *Engine,
			rec *Reconciler,
			sub *Subscription,
			leader *LeaderState,
			follower *FollowerState,
			state *health.State,
			ctx context.Context,
		) {
			state.SetProbe(func() map[string]any {
				return map[string]any{
					"subscription":      sub.State().String(),
					"reconciler":        rec.State().String(),
					"leaderPositions":   len(leader.Assets()),
					"followerPositions": len(follower.Assets()),
				}
			})
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					// startup reconcile may retry for a while
					go e.Start(ctx)
					return nil
				},
				OnStop: func(stopCtx context.Context) error {
					return e.Stop(stopCtx)
				},
			})
		}),
	)
}
