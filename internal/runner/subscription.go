package runner

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"copy_bot/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type SubscriptionState int32

const (
	SubscriptionStopped SubscriptionState = iota
	SubscriptionConnecting
	SubscriptionSubscribed
	SubscriptionReconnecting
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionConnecting:
		return "connecting"
	case SubscriptionSubscribed:
		return "subscribed"
	case SubscriptionReconnecting:
		return "reconnecting"
	default:
		return "stopped"
	}
}

const (
	defaultPingInterval = 30 * time.Second
	recentTradesCap     = 4096
)

type SubscriptionConfig struct {
	LeaderAddress string
	Aggregate     bool
	PingInterval  time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// FillHandler is called after a fill has been applied to the leader state.
type FillHandler func(ctx context.Context, ev models.FillEvent)

// Subscription keeps a userFills stream for the leader open, applies every
// fill to LeaderState and hands it to the handler.
type Subscription struct {
	cfg     SubscriptionConfig
	dialer  StreamDialer
	leader  *LeaderState
	handler FillHandler
	status  Status
	log     *zap.Logger

	state  atomic.Int32
	recent *tradeSet

	mu     sync.Mutex
	stream FillStream
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscription(
	cfg SubscriptionConfig,
	dialer StreamDialer,
	leader *LeaderState,
	handler FillHandler,
	status Status,
	log *zap.Logger,
) *Subscription {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if status == nil {
		status = nopStatus{}
	}
	return &Subscription{
		cfg:     cfg,
		dialer:  dialer,
		leader:  leader,
		handler: handler,
		status:  status,
		log:     log,
		recent:  newTradeSet(recentTradesCap),
	}
}

func (s *Subscription) State() SubscriptionState { return SubscriptionState(s.state.Load()) }

func (s *Subscription) setState(st SubscriptionState) { s.state.Store(int32(st)) }

// Start launches the connection loop. A second Start while running is a
// no-op.
func (s *Subscription) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.setState(SubscriptionConnecting)
	go s.run(ctx, s.done)
}

// Stop unsubscribes, closes the connection and waits for the loop to exit
// or for ctx to end.
func (s *Subscription) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done, stream := s.cancel, s.done, s.stream
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	if stream != nil {
		if err := stream.Unsubscribe(s.cfg.LeaderAddress, s.cfg.Aggregate); err != nil {
			s.log.Debug("unsubscribe failed", zap.Error(err))
		}
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "subscription stop")
	}
}

func (s *Subscription) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(SubscriptionStopped)

	retry := 0
	for ctx.Err() == nil {
		stream, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d := CalculateBackoff(retry, s.cfg.BackoffBase, s.cfg.BackoffMax)
			s.log.Warn("fills stream connect failed",
				zap.Int("retry", retry), zap.Duration("backoff", d), zap.Error(err))
			retry++
			if !sleepCtx(ctx, d) {
				return
			}
			continue
		}

		retry = 0
		s.setState(SubscriptionSubscribed)
		s.status.SetStreamConnected(true)
		s.log.Info("subscribed to leader fills",
			zap.String("leader", s.cfg.LeaderAddress), zap.Bool("aggregate", s.cfg.Aggregate))

		err = s.consume(ctx, stream)

		s.setStream(nil)
		_ = stream.Close()
		s.status.SetStreamConnected(false)
		if ctx.Err() != nil {
			return
		}

		s.setState(SubscriptionReconnecting)
		d := CalculateBackoff(retry, s.cfg.BackoffBase, s.cfg.BackoffMax)
		s.log.Warn("fills stream lost, reconnecting", zap.Duration("backoff", d), zap.Error(err))
		retry++
		if !sleepCtx(ctx, d) {
			return
		}
	}
}

func (s *Subscription) connect(ctx context.Context) (FillStream, error) {
	stream, err := s.dialer.DialFills(ctx)
	if err != nil {
		return nil, err
	}
	if err := stream.SubscribeFills(s.cfg.LeaderAddress, s.cfg.Aggregate); err != nil {
		_ = stream.Close()
		return nil, err
	}
	s.setStream(stream)
	return stream, nil
}

func (s *Subscription) setStream(st FillStream) {
	s.mu.Lock()
	s.stream = st
	s.mu.Unlock()
}

// consume reads until the stream fails or ctx ends.
func (s *Subscription) consume(ctx context.Context, stream FillStream) error {
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				// unblocks Next
				_ = stream.Close()
				return
			case <-ticker.C:
				if err := stream.Ping(); err != nil {
					s.log.Debug("ping failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		batch, err := stream.Next()
		if err != nil {
			if errors.Is(err, models.ErrMalformedEvent) {
				s.log.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			return err
		}
		if batch.Dropped > 0 {
			s.log.Warn("dropped invalid fills", zap.Int("count", batch.Dropped))
		}
		if batch.Snapshot {
			s.log.Debug("ignoring fills snapshot", zap.Int("fills", len(batch.Fills)))
			continue
		}
		for _, ev := range batch.Fills {
			s.HandleFill(ctx, ev)
		}
	}
}

// HandleFill applies one leader fill and calls the handler.
//
// The fill carries the leader's size before it, so the local position is
// moved to StartPosition+size. A fill already reflected locally (by a
// snapshot fetched after it) moves nothing; a local position that missed
// earlier fills is brought back in line.
func (s *Subscription) HandleFill(ctx context.Context, ev models.FillEvent) {
	if strings.HasPrefix(ev.Asset, "@") {
		return
	}
	if ev.TradeID != 0 && !s.recent.add(ev.TradeID) {
		s.log.Debug("duplicate fill", zap.String("asset", ev.Asset), zap.Int64("tid", ev.TradeID))
		return
	}

	pos, prev, outcome := s.leader.ApplyFillFrom(ev.Asset, ev.StartPosition, ev.SignedSize(), ev.Price)

	switch outcome {
	case FillReflected:
		s.log.Debug("fill already reflected",
			zap.String("asset", ev.Asset), zap.String("size", prev.String()))
	case FillGap:
		s.log.Warn("leader position gap",
			zap.String("asset", ev.Asset),
			zap.String("local", prev.String()),
			zap.String("start", ev.StartPosition.String()))
	}

	s.log.Info("leader fill",
		zap.String("asset", ev.Asset),
		zap.String("side", ev.Side.String()),
		zap.String("size", ev.Size.String()),
		zap.String("px", ev.Price.String()),
		zap.String("position", pos.Size.String()))

	if s.handler != nil {
		s.handler(ctx, ev)
	}
}

// tradeSet remembers the last n trade ids.
type tradeSet struct {
	mu   sync.Mutex
	ids  map[int64]struct{}
	ring []int64
	next int
}

func newTradeSet(n int) *tradeSet {
	return &tradeSet{ids: make(map[int64]struct{}, n), ring: make([]int64, n)}
}

// add reports false if id was already present.
func (t *tradeSet) add(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[id]; ok {
		return false
	}
	if old := t.ring[t.next]; old != 0 {
		delete(t.ids, old)
	}
	t.ring[t.next] = id
	t.ids[id] = struct{}{}
	t.next = (t.next + 1) % len(t.ring)
	return true
}
