package service

import (
	"sync"
	"sync/atomic"
	"time"
)

// Probe reports component details for /healthz.
type Probe func() map[string]any

type State struct {
	ready     atomic.Bool
	startedAt time.Time

	streamConnected   atomic.Bool
	lastReconcileUnix atomic.Int64 // unix seconds

	mu    sync.RWMutex
	probe Probe
}

func NewState() *State {
	s := &State{startedAt: time.Now()}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }

// Ready is true once the engine has started and at least one reconcile
// succeeded.
func (s *State) Ready() bool { return s.ready.Load() && !s.LastReconcile().IsZero() }

func (s *State) SetStreamConnected(v bool) { s.streamConnected.Store(v) }
func (s *State) StreamConnected() bool     { return s.streamConnected.Load() }

func (s *State) SetReconciled(t time.Time) { s.lastReconcileUnix.Store(t.Unix()) }
func (s *State) LastReconcile() time.Time {
	u := s.lastReconcileUnix.Load()
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }

func (s *State) SetProbe(p Probe) {
	s.mu.Lock()
	s.probe = p
	s.mu.Unlock()
}

func (s *State) Details() map[string]any {
	s.mu.RLock()
	p := s.probe
	s.mu.RUnlock()
	if p == nil {
		return nil
	}
	return p()
}
