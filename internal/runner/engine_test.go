package runner

import (
	"context"
	"testing"
	"time"

	"copy_bot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(h *harness, correction bool, dialer StreamDialer, status *fakeStatus) *Engine {
	rec := NewReconciler(ReconcilerConfig{
		LeaderAddress:   leaderAddr,
		FollowerAddress: followerAddr,
		Interval:        time.Hour,
		MaxAttempts:     1,
		DriftCorrection: correction,
	}, h.ex, h.leader, h.follower, h.locks, h.exec, h.journal, h.notifier, status, h.log)
	sub := NewSubscription(SubscriptionConfig{
		LeaderAddress: leaderAddr,
		PingInterval:  time.Hour,
		BackoffBase:   time.Millisecond,
	}, dialer, h.leader, h.exec.OnLeaderFill, status, h.log)
	return NewEngine(EngineConfig{
		SyncInterval:    5 * time.Millisecond,
		DriftCorrection: correction,
	}, rec, sub, h.exec, status, h.log)
}

func TestEngineStartLoadsStateAndCopies(t *testing.T) {
	h := newHarness(t, defaultRisk())
	h.ex.setPositions(leaderAddr, pos("BTC", "10"))
	h.ex.setPositions(followerAddr, pos("BTC", "1"))
	stream := newFakeStream()
	status := &fakeStatus{}
	e := newTestEngine(h, false, newFakeDialer(stream), status)

	e.Start(context.Background())
	defer func() { require.NoError(t, e.Stop(context.Background())) }()

	assert.True(t, status.ready.Load())
	assert.NotZero(t, status.reconciled.Load())
	assert.True(t, d("10").Equal(h.leader.Size("BTC")))
	assert.True(t, d("1").Equal(h.follower.Size("BTC")))

	require.Eventually(t, func() bool { return status.connected.Load() }, time.Second, time.Millisecond)

	// leader adds 10 BTC: follower goes from 1 to 2
	stream.push(fill("BTC", models.SideBuy, "10", "10", 1))
	require.Eventually(t, func() bool { return len(h.ex.placed()) == 1 }, time.Second, time.Millisecond)
	order := h.ex.placed()[0]
	assert.True(t, order.IsBuy)
	assert.True(t, d("1").Equal(order.Size))
	require.Eventually(t, func() bool { return d("2").Equal(h.follower.Size("BTC")) }, time.Second, time.Millisecond)
}

func TestEngineNoPollWithoutCorrection(t *testing.T) {
	h := newHarness(t, defaultRisk())
	e := newTestEngine(h, false, newFakeDialer(newFakeStream()), &fakeStatus{})

	e.Start(context.Background())
	// leader moves without a fill reaching us
	h.leader.ApplyFill("ETH", d("20"), d("3000"))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.Stop(context.Background()))

	assert.Empty(t, h.ex.placed())
}

func TestEnginePollsWithCorrection(t *testing.T) {
	h := newHarness(t, defaultRisk())
	e := newTestEngine(h, true, newFakeDialer(newFakeStream()), &fakeStatus{})

	e.Start(context.Background())
	defer func() { require.NoError(t, e.Stop(context.Background())) }()

	h.leader.ApplyFill("ETH", d("20"), d("3000"))
	require.Eventually(t, func() bool { return d("2").Equal(h.follower.Size("ETH")) }, time.Second, time.Millisecond)
}

func TestEngineStop(t *testing.T) {
	h := newHarness(t, defaultRisk())
	stream := newFakeStream()
	status := &fakeStatus{}
	e := newTestEngine(h, false, newFakeDialer(stream), status)

	require.NoError(t, e.Stop(context.Background()))
	// a stopped engine does not start again
	e.Start(context.Background())
	assert.False(t, status.ready.Load())
	assert.Zero(t, h.ex.accountCalls.Load())

	e2 := newTestEngine(newHarness(t, defaultRisk()), false, newFakeDialer(stream), status)
	e2.Start(context.Background())
	require.Eventually(t, func() bool { return stream.subscribed.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e2.Stop(ctx))
	assert.False(t, status.ready.Load())
	assert.True(t, stream.isClosed())
	require.NoError(t, e2.Stop(ctx))
}
