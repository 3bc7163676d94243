package runner

import (
	"context"
	"sync"
	"time"

	"copy_bot/internal/helper"
	"copy_bot/internal/models"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultOrderTimeout = 10 * time.Second
	syncAllParallelism  = 8
)

type ExecutorConfig struct {
	Risk         models.RiskConfig
	OrderTimeout time.Duration
}

// Executor is the only component that places orders. It drives the follower
// position in an asset toward the scaled leader position.
type Executor struct {
	cfg      ExecutorConfig
	leader   *LeaderState
	follower *FollowerState
	meta     *MetadataCache
	prices   *PriceCache
	orders   OrderPlacer
	locks    *AssetLocks
	journal  Journal
	notifier Notifier
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	wmu     sync.Mutex
	workers map[string]chan struct{}
	stopped bool
}

func NewExecutor(
	cfg ExecutorConfig,
	leader *LeaderState,
	follower *FollowerState,
	meta *MetadataCache,
	prices *PriceCache,
	orders OrderPlacer,
	locks *AssetLocks,
	journal Journal,
	notifier Notifier,
	log *zap.Logger,
) *Executor {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = defaultOrderTimeout
	}
	if journal == nil {
		journal = nopJournal{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:      cfg,
		leader:   leader,
		follower: follower,
		meta:     meta,
		prices:   prices,
		orders:   orders,
		locks:    locks,
		journal:  journal,
		notifier: notifier,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]chan struct{}),
	}
}

// OnLeaderFill schedules a sync of the filled asset. The leader position has
// already been updated by the subscription.
func (e *Executor) OnLeaderFill(_ context.Context, ev models.FillEvent) {
	e.Trigger(ev.Asset)
}

// Trigger queues a sync for asset on its worker. A trigger that arrives while
// one is already queued is merged into it.
func (e *Executor) Trigger(asset string) {
	e.wmu.Lock()
	if e.stopped {
		e.wmu.Unlock()
		return
	}
	ch, ok := e.workers[asset]
	if !ok {
		ch = make(chan struct{}, 1)
		e.workers[asset] = ch
		e.wg.Add(1)
		go e.worker(asset, ch)
	}
	e.wmu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

func (e *Executor) worker(asset string, ch <-chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ch:
			if _, err := e.SyncAsset(e.ctx, asset); err != nil && e.ctx.Err() == nil {
				e.log.Warn("sync failed", zap.String("asset", asset), zap.Error(err))
			}
		}
	}
}

// SyncAll syncs every asset either side holds. Per-asset failures are logged.
func (e *Executor) SyncAll(ctx context.Context) error {
	assets := unionAssets(e.leader.Assets(), e.follower.Assets())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncAllParallelism)
	for _, asset := range assets {
		g.Go(func() error {
			if _, err := e.SyncAsset(gctx, asset); err != nil {
				e.log.Warn("sync failed", zap.String("asset", asset), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop ends the workers. Orders already sent finish under their own timeout.
func (e *Executor) Stop() {
	e.wmu.Lock()
	e.stopped = true
	e.wmu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// SyncAsset moves the follower in asset toward the target. It returns the
// exchange result when an order was sent, nil when nothing needed doing.
func (e *Executor) SyncAsset(ctx context.Context, asset string) (*models.OrderResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "runner.SyncAsset")
	defer span.Finish()
	span.SetTag("asset", asset)

	unlock := e.locks.Lock(asset)
	rec, res, err := e.syncLocked(ctx, asset)
	unlock()

	if err != nil {
		ext.Error.Set(span, true)
		span.LogKV("error", err.Error())
	}
	if rec != nil {
		e.record(ctx, *rec, err)
	}
	return res, err
}

func (e *Executor) syncLocked(ctx context.Context, asset string) (*models.OrderRecord, *models.OrderResult, error) {
	// positions in assets we do not copy belong to the operator
	if !e.cfg.Risk.Copies(asset) {
		return nil, nil, nil
	}
	leader, _ := e.leader.Get(asset)
	follower, _ := e.follower.Get(asset)

	meta, err := e.meta.Get(ctx, asset)
	if err != nil {
		return nil, nil, err
	}
	mark, err := e.prices.Mid(ctx, asset)
	if err != nil {
		return nil, nil, err
	}

	var equity decimal.Decimal
	if eq, known := e.follower.Equity(); known {
		equity = eq
	} else if !leader.IsFlat() {
		return nil, nil, errors.Wrapf(models.ErrEquityUnknown, "sync %s", asset)
	}

	order, ok := PlanOrder(asset, leader.Size, follower.Size, mark, equity, meta, e.cfg.Risk)
	if !ok {
		return nil, nil, nil
	}

	rec := &models.OrderRecord{
		Asset:      asset,
		Side:       order.Side,
		Target:     order.TargetSize,
		Requested:  order.Delta.Abs(),
		Mark:       mark,
		ReduceOnly: order.ReduceOnly,
		Status:     models.OrderNotSent,
		CreatedAt:  time.Now(),
	}

	limit, err := LimitPrice(mark, order.Side == models.SideBuy, meta, e.cfg.Risk.SlippageFraction())
	if err != nil {
		e.log.Warn("order skipped",
			zap.String("asset", asset),
			zap.String("side", order.Side.String()),
			zap.String("mark", mark.String()),
			zap.Error(err))
		return rec, nil, err
	}
	order.LimitPrice = limit
	rec.LimitPrice = limit

	e.log.Info("placing order",
		zap.String("asset", asset),
		zap.String("side", order.Side.String()),
		zap.String("leader", leader.Size.String()),
		zap.String("follower", follower.Size.String()),
		zap.String("target", order.TargetSize.String()),
		zap.String("delta", order.Delta.String()),
		zap.String("limit", limit.String()),
		zap.Bool("reduce_only", order.ReduceOnly))

	// an order that is on the wire is not abandoned on shutdown
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
	defer cancel()

	isBuy := order.Side == models.SideBuy
	res, err := e.orders.PlaceOrder(octx, models.OrderRequest{
		Meta:       meta,
		IsBuy:      isBuy,
		Size:       order.Delta.Abs(),
		LimitPrice: limit,
		ReduceOnly: order.ReduceOnly,
	})
	if err != nil {
		switch {
		case errors.Is(octx.Err(), context.DeadlineExceeded):
			rec.Status = models.OrderUnknown
			e.log.Error("order outcome unknown, leaving it to reconciliation",
				zap.String("asset", asset), zap.Duration("timeout", e.cfg.OrderTimeout), zap.Error(err))
			return rec, nil, errors.Wrapf(models.ErrExchangeAPI, "order %s timed out: %v", asset, err)
		case errors.Is(err, models.ErrOrderRejected):
			rec.Status = models.OrderRejected
			e.log.Warn("order rejected", zap.String("asset", asset), zap.Error(err))
		default:
			rec.Status = models.OrderFailed
			e.log.Error("order failed", zap.String("asset", asset), zap.Error(err))
		}
		return rec, nil, err
	}

	rec.OrderID = res.OrderID
	rec.Filled = res.FilledSize
	rec.AvgPrice = res.AvgPrice
	if res.FilledSize.IsZero() {
		rec.Status = models.OrderUnfilled
		e.log.Warn("order not filled", zap.String("asset", asset), zap.Int64("oid", res.OrderID))
		return rec, &res, nil
	}

	rec.Status = models.OrderFilled
	pos := e.follower.ApplyFill(asset, res.SignedFill(isBuy), res.AvgPrice)
	e.log.Info("order filled",
		zap.String("asset", asset),
		zap.Int64("oid", res.OrderID),
		zap.String("filled", res.FilledSize.String()),
		zap.String("avg_px", res.AvgPrice.String()),
		zap.String("position", pos.Size.String()))
	return rec, &res, nil
}

func (e *Executor) record(ctx context.Context, rec models.OrderRecord, err error) {
	if err != nil {
		rec.Error = err.Error()
	}
	if jerr := e.journal.RecordOrder(context.WithoutCancel(ctx), rec); jerr != nil {
		e.log.Warn("journal order failed", zap.String("asset", rec.Asset), zap.Error(jerr))
	}
	switch rec.Status {
	case models.OrderRejected, models.OrderUnknown, models.OrderFailed:
		e.notifier.Notify("%s %s %s: %s (%s)", rec.Asset, rec.Side, rec.Requested, rec.Status, rec.Error)
	case models.OrderNotSent:
		if errors.Is(err, models.ErrSlippageExceeded) {
			e.notifier.Notify("%s %s %s not sent: %s", rec.Asset, rec.Side, rec.Requested, rec.Error)
		}
	}
}

// TargetSize is the follower size that mirrors leaderSize under risk. The
// result is rounded toward zero to the asset size precision.
func TargetSize(
	asset string,
	leaderSize, mark, equity decimal.Decimal,
	meta models.AssetMetadata,
	risk models.RiskConfig,
) decimal.Decimal {
	if !risk.Copies(asset) || !mark.IsPositive() {
		return decimal.Zero
	}

	target := leaderSize.Mul(risk.CopyRatio)
	if risk.Inverse {
		target = target.Neg()
	}

	target = helper.Clamp(target, risk.MaxNotionalUsd.Div(mark))

	lev := risk.MaxLeverage
	if meta.MaxLeverage.IsPositive() && meta.MaxLeverage.LessThan(lev) {
		lev = meta.MaxLeverage
	}
	maxByLeverage := decimal.Zero
	if equity.IsPositive() && lev.IsPositive() {
		maxByLeverage = equity.Mul(lev).Div(mark)
	}
	target = helper.Clamp(target, maxByLeverage)

	return helper.RoundSize(target, meta)
}

// PlanOrder computes the order that brings followerSize to the target. ok is
// false when the change is below the dust threshold.
func PlanOrder(
	asset string,
	leaderSize, followerSize, mark, equity decimal.Decimal,
	meta models.AssetMetadata,
	risk models.RiskConfig,
) (models.DesiredOrder, bool) {
	target := TargetSize(asset, leaderSize, mark, equity, meta, risk)
	delta := helper.RoundSize(target.Sub(followerSize), meta)
	if delta.IsZero() || delta.Abs().Mul(mark).LessThan(risk.MinPositionUsd) {
		return models.DesiredOrder{}, false
	}

	side := models.SideBuy
	if delta.IsNegative() {
		side = models.SideSell
	}
	reduceOnly := !followerSize.IsZero() &&
		delta.Sign() != followerSize.Sign() &&
		delta.Abs().LessThanOrEqual(followerSize.Abs())

	return models.DesiredOrder{
		Asset:          asset,
		TargetSize:     target,
		Delta:          delta,
		Side:           side,
		EstimatedPrice: mark,
		ReduceOnly:     reduceOnly,
	}, true
}

// LimitPrice is the worst acceptable price for an IOC order: the slippage
// bound rounded toward the mark onto the price grid.
func LimitPrice(mark decimal.Decimal, isBuy bool, meta models.AssetMetadata, slippage decimal.Decimal) (decimal.Decimal, error) {
	one := decimal.NewFromInt(1)
	if isBuy {
		bound := mark.Mul(one.Add(slippage))
		px := helper.RoundPriceDown(bound, meta)
		if px.LessThan(mark) || !px.IsPositive() {
			return decimal.Zero, errors.Wrapf(models.ErrSlippageExceeded, "no buy price in [%s, %s]", mark, bound)
		}
		return px, nil
	}
	bound := mark.Mul(one.Sub(slippage))
	px := helper.RoundPriceUp(bound, meta)
	if px.GreaterThan(mark) || !px.IsPositive() {
		return decimal.Zero, errors.Wrapf(models.ErrSlippageExceeded, "no sell price in [%s, %s]", bound, mark)
	}
	return px, nil
}

func unionAssets(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, a := range l {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}
