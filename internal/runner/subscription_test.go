package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"copy_bot/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type streamEvent struct {
	batch models.FillBatch
	err   error
}

type fakeStream struct {
	events    chan streamEvent
	closed    chan struct{}
	closeOnce sync.Once

	subscribed   atomic.Int32
	unsubscribed atomic.Int32
	pings        atomic.Int32
	subErr       error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan streamEvent, 16), closed: make(chan struct{})}
}

func (s *fakeStream) SubscribeFills(user string, aggregate bool) error {
	s.subscribed.Add(1)
	return s.subErr
}

func (s *fakeStream) Unsubscribe(user string, aggregate bool) error {
	s.unsubscribed.Add(1)
	return nil
}

func (s *fakeStream) Next() (models.FillBatch, error) {
	select {
	case ev := <-s.events:
		return ev.batch, ev.err
	case <-s.closed:
		return models.FillBatch{}, errors.Wrap(models.ErrConnectionLost, "closed")
	}
}

func (s *fakeStream) Ping() error {
	s.pings.Add(1)
	return nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) push(fills ...models.FillEvent) {
	s.events <- streamEvent{batch: models.FillBatch{User: leaderAddr, Fills: fills}}
}

type fakeDialer struct {
	streams chan *fakeStream
	fails   atomic.Int32
	dials   atomic.Int32
}

func newFakeDialer(streams ...*fakeStream) *fakeDialer {
	ch := make(chan *fakeStream, 8)
	for _, s := range streams {
		ch <- s
	}
	return &fakeDialer{streams: ch}
}

func (f *fakeDialer) DialFills(ctx context.Context) (FillStream, error) {
	f.dials.Add(1)
	if f.fails.Load() > 0 {
		f.fails.Add(-1)
		return nil, errors.Wrap(models.ErrConnectionLost, "dial refused")
	}
	select {
	case s := <-f.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordedFills struct {
	mu     sync.Mutex
	events []models.FillEvent
}

func (r *recordedFills) handle(_ context.Context, ev models.FillEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedFills) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func fill(asset string, side models.Side, size, start string, tid int64) models.FillEvent {
	return models.FillEvent{
		Asset:         asset,
		Price:         d("100"),
		Size:          d(size),
		Side:          side,
		StartPosition: d(start),
		TradeID:       tid,
		Time:          time.Now(),
	}
}

func newTestSubscription(dialer StreamDialer, leader *LeaderState, rec *recordedFills, status Status, log *zap.Logger) *Subscription {
	return NewSubscription(SubscriptionConfig{
		LeaderAddress: leaderAddr,
		PingInterval:  time.Hour,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
	}, dialer, leader, rec.handle, status, log)
}

func stopSubscription(t *testing.T, s *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSubscriptionAppliesLiveFills(t *testing.T) {
	stream := newFakeStream()
	leader := NewLeaderState()
	rec := &recordedFills{}
	status := &fakeStatus{}
	s := newTestSubscription(newFakeDialer(stream), leader, rec, status, zap.NewNop())

	s.Start(context.Background())
	defer stopSubscription(t, s)
	require.Eventually(t, func() bool { return s.State() == SubscriptionSubscribed }, time.Second, time.Millisecond)
	assert.True(t, status.connected.Load())
	assert.Equal(t, int32(1), stream.subscribed.Load())

	// snapshot on subscribe is history, not news
	stream.events <- streamEvent{batch: models.FillBatch{Snapshot: true, Fills: []models.FillEvent{
		fill("BTC", models.SideBuy, "5", "0", 1),
	}}}
	stream.push(
		fill("BTC", models.SideBuy, "1", "0", 2),
		fill("@107", models.SideBuy, "10", "0", 3),
		fill("ETH", models.SideSell, "2", "0", 4),
	)
	stream.push(fill("BTC", models.SideBuy, "1", "0", 2))

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, rec.len())
	assert.True(t, d("1").Equal(leader.Size("BTC")))
	assert.True(t, d("-2").Equal(leader.Size("ETH")))
	_, ok := leader.Get("@107")
	assert.False(t, ok)
}

func TestHandleFillAlreadyReflected(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	leader := NewLeaderState()
	rec := &recordedFills{}
	s := newTestSubscription(newFakeDialer(), leader, rec, nil, zap.New(core))

	// a reconcile snapshot already included this fill
	leader.ApplyFill("BTC", d("3"), d("100"))
	s.HandleFill(context.Background(), fill("BTC", models.SideBuy, "2", "1", 10))

	assert.True(t, d("3").Equal(leader.Size("BTC")))
	assert.Equal(t, 1, rec.len())
	assert.Equal(t, 1, logs.FilterMessage("fill already reflected").Len())
}

func TestHandleFillRepairsGap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	leader := NewLeaderState()
	rec := &recordedFills{}
	s := newTestSubscription(newFakeDialer(), leader, rec, nil, zap.New(core))

	s.HandleFill(context.Background(), fill("SOL", models.SideSell, "1", "5", 11))

	assert.True(t, d("4").Equal(leader.Size("SOL")))
	assert.Equal(t, 1, logs.FilterMessage("leader position gap").Len())
	assert.Equal(t, 1, rec.len())
}

func TestHandleFillSnapshotDuringFill(t *testing.T) {
	core, _ := observer.New(zapcore.DebugLevel)
	leader := NewLeaderState()
	rec := &recordedFills{}

	// a reconcile snapshot that already contains the fill lands while the
	// fill is being handled
	replaced := false
	log := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "leader position gap" && !replaced {
			replaced = true
			leader.ReplaceAll(map[string]models.Position{"BTC": pos("BTC", "2")}, time.Now())
		}
		return nil
	}))
	s := newTestSubscription(newFakeDialer(), leader, rec, nil, log)

	s.HandleFill(context.Background(), fill("BTC", models.SideBuy, "1", "1", 42))

	require.True(t, replaced)
	assert.True(t, d("2").Equal(leader.Size("BTC")), "leader BTC %s", leader.Size("BTC"))
	assert.Equal(t, 1, rec.len())
}

func TestHandleFillConcurrentWithReplaceAll(t *testing.T) {
	leader := NewLeaderState()
	s := newTestSubscription(newFakeDialer(), leader, &recordedFills{}, nil, zap.NewNop())

	// leader walks 0 -> 200 one lot at a time; the exchange view at any
	// moment is some prefix of that walk
	const n = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			leader.ReplaceAll(map[string]models.Position{"BTC": pos("BTC", decimal.NewFromInt(int64(i)).String())}, time.Now())
		}
	}()
	for i := 0; i < n; i++ {
		s.HandleFill(context.Background(), fill("BTC", models.SideBuy, "1", decimal.NewFromInt(int64(i)).String(), int64(i+1)))
	}
	<-done

	// the last fill always ends at n whatever the interleaving
	s.HandleFill(context.Background(), fill("BTC", models.SideBuy, "1", decimal.NewFromInt(n).String(), n+1))
	assert.True(t, d("201").Equal(leader.Size("BTC")), "leader BTC %s", leader.Size("BTC"))
}

func TestHandleFillClosesPosition(t *testing.T) {
	leader := NewLeaderState()
	rec := &recordedFills{}
	s := newTestSubscription(newFakeDialer(), leader, rec, nil, zap.NewNop())

	s.HandleFill(context.Background(), fill("ETH", models.SideBuy, "2", "0", 1))
	s.HandleFill(context.Background(), fill("ETH", models.SideSell, "2", "2", 2))

	_, ok := leader.Get("ETH")
	assert.False(t, ok)
	assert.Equal(t, 2, rec.len())
}

func TestSubscriptionSkipsMalformedFrames(t *testing.T) {
	stream := newFakeStream()
	leader := NewLeaderState()
	rec := &recordedFills{}
	s := newTestSubscription(newFakeDialer(stream), leader, rec, nil, zap.NewNop())

	s.Start(context.Background())
	defer stopSubscription(t, s)

	stream.events <- streamEvent{err: errors.Wrap(models.ErrMalformedEvent, "bad json")}
	stream.push(fill("BTC", models.SideBuy, "1", "0", 1))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, SubscriptionSubscribed, s.State())
}

func TestSubscriptionReconnects(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	dialer := newFakeDialer(first, second)
	leader := NewLeaderState()
	rec := &recordedFills{}
	status := &fakeStatus{}
	s := newTestSubscription(dialer, leader, rec, status, zap.NewNop())

	s.Start(context.Background())
	defer stopSubscription(t, s)
	require.Eventually(t, func() bool { return first.subscribed.Load() == 1 }, time.Second, time.Millisecond)

	first.events <- streamEvent{err: errors.Wrap(models.ErrConnectionLost, "eof")}

	require.Eventually(t, func() bool { return second.subscribed.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, first.isClosed())

	second.push(fill("BTC", models.SideBuy, "1", "0", 1))
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, SubscriptionSubscribed, s.State())
	assert.True(t, status.connected.Load())
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestSubscriptionRetriesDial(t *testing.T) {
	stream := newFakeStream()
	dialer := newFakeDialer(stream)
	dialer.fails.Store(3)
	s := newTestSubscription(dialer, NewLeaderState(), &recordedFills{}, nil, zap.NewNop())

	s.Start(context.Background())
	defer stopSubscription(t, s)

	require.Eventually(t, func() bool { return s.State() == SubscriptionSubscribed }, time.Second, time.Millisecond)
	assert.Equal(t, int32(4), dialer.dials.Load())
}

func TestSubscriptionSubscribeFailureRedials(t *testing.T) {
	bad, good := newFakeStream(), newFakeStream()
	bad.subErr = errors.Wrap(models.ErrConnectionLost, "write")
	s := newTestSubscription(newFakeDialer(bad, good), NewLeaderState(), &recordedFills{}, nil, zap.NewNop())

	s.Start(context.Background())
	defer stopSubscription(t, s)

	require.Eventually(t, func() bool { return good.subscribed.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, bad.isClosed())
}

func TestSubscriptionPings(t *testing.T) {
	stream := newFakeStream()
	s := NewSubscription(SubscriptionConfig{
		LeaderAddress: leaderAddr,
		PingInterval:  2 * time.Millisecond,
	}, newFakeDialer(stream), NewLeaderState(), nil, nil, zap.NewNop())

	s.Start(context.Background())
	defer stopSubscription(t, s)

	require.Eventually(t, func() bool { return stream.pings.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestSubscriptionStop(t *testing.T) {
	stream := newFakeStream()
	status := &fakeStatus{}
	s := newTestSubscription(newFakeDialer(stream), NewLeaderState(), &recordedFills{}, status, zap.NewNop())

	require.NoError(t, s.Stop(context.Background()))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.State() == SubscriptionSubscribed }, time.Second, time.Millisecond)

	stopSubscription(t, s)
	assert.Equal(t, SubscriptionStopped, s.State())
	assert.Equal(t, int32(1), stream.unsubscribed.Load())
	assert.True(t, stream.isClosed())
	assert.False(t, status.connected.Load())

	stopSubscription(t, s)
}

func TestSubscriptionStopDuringReconnect(t *testing.T) {
	dialer := newFakeDialer()
	dialer.fails.Store(1000)
	s := NewSubscription(SubscriptionConfig{
		LeaderAddress: leaderAddr,
		BackoffBase:   time.Hour,
	}, dialer, NewLeaderState(), nil, nil, zap.NewNop())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return dialer.dials.Load() >= 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, SubscriptionStopped, s.State())
}

func TestSubscriptionStopWhileDialing(t *testing.T) {
	// no streams queued: DialFills blocks on ctx
	dialer := newFakeDialer()
	s := newTestSubscription(dialer, NewLeaderState(), &recordedFills{}, nil, zap.NewNop())

	s.Start(context.Background())
	require.Eventually(t, func() bool { return dialer.dials.Load() == 1 }, time.Second, time.Millisecond)

	stopSubscription(t, s)
	assert.Equal(t, SubscriptionStopped, s.State())
}
