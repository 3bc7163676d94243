package runner

import (
	"sort"
	"sync"
	"time"

	"copy_bot/internal/models"

	"github.com/shopspring/decimal"
)

// PositionStore is the locally believed set of open positions for one
// account. Flat positions are never stored.
type PositionStore struct {
	side models.DriftSide
	now  func() time.Time

	mu        sync.RWMutex
	positions map[string]models.Position
	// last write per asset, kept after the asset goes flat
	updated map[string]time.Time

	equity      decimal.Decimal
	equityKnown bool
}

func (s *PositionStore) init(side models.DriftSide) {
	s.side = side
	s.now = time.Now
	s.positions = make(map[string]models.Position)
	s.updated = make(map[string]time.Time)
}

// LeaderState mirrors the watched account.
type LeaderState struct{ PositionStore }

// FollowerState mirrors the account we trade.
type FollowerState struct{ PositionStore }

func NewLeaderState() *LeaderState {
	s := &LeaderState{}
	s.init(models.DriftLeader)
	return s
}

func NewFollowerState() *FollowerState {
	s := &FollowerState{}
	s.init(models.DriftFollower)
	return s
}

// Get returns the position for asset. A missing asset is reported as a flat
// position with ok=false.
func (s *PositionStore) Get(asset string) (models.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[asset]
	if !ok {
		return models.Position{Asset: asset}, false
	}
	return p, true
}

// Size is Get(asset).Size.
func (s *PositionStore) Size(asset string) decimal.Decimal {
	p, _ := s.Get(asset)
	return p.Size
}

// ApplyFill adds delta to the position in asset and returns the result.
//
// Entry price: a fill in the direction of the position moves the entry to
// the size weighted average, a reduction keeps it, a flip starts over at
// the fill price.
func (s *PositionStore) ApplyFill(asset string, delta, price decimal.Decimal) models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(asset, delta, price)
}

type FillOutcome int

const (
	FillApplied FillOutcome = iota
	// the position already includes the fill
	FillReflected
	// the local size differed from the fill's start position
	FillGap
)

// ApplyFillFrom moves the position in asset to start+delta, where start is
// the account's size right before the fill. Read and write happen under one
// lock, so a concurrent ReplaceAll lands either before or after the fill.
// prev is the local size the fill was compared against.
func (s *PositionStore) ApplyFillFrom(asset string, start, delta, price decimal.Decimal) (p models.Position, prev decimal.Decimal, outcome FillOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.positions[asset].Size
	effective := start.Add(delta).Sub(prev)

	switch {
	case effective.IsZero():
		if cur, ok := s.positions[asset]; ok {
			return cur, prev, FillReflected
		}
		return models.Position{Asset: asset}, prev, FillReflected
	case !prev.Equal(start):
		return s.applyLocked(asset, effective, price), prev, FillGap
	default:
		return s.applyLocked(asset, delta, price), prev, FillApplied
	}
}

func (s *PositionStore) applyLocked(asset string, delta, price decimal.Decimal) models.Position {
	now := s.now()
	s.updated[asset] = now
	if delta.IsZero() {
		p, ok := s.positions[asset]
		if !ok {
			return models.Position{Asset: asset}
		}
		return p
	}

	cur, ok := s.positions[asset]
	if !ok {
		cur = models.Position{Asset: asset}
	}
	next := cur
	next.Size = cur.Size.Add(delta)
	next.UpdatedAt = now

	switch {
	case next.Size.IsZero():
		delete(s.positions, asset)
		return models.Position{Asset: asset, UpdatedAt: now}
	case cur.Size.IsZero() || next.Size.Sign() != cur.Size.Sign():
		next.EntryPrice = price
	case delta.Sign() == cur.Size.Sign():
		notional := cur.Size.Abs().Mul(cur.EntryPrice).Add(delta.Abs().Mul(price))
		next.EntryPrice = notional.Div(next.Size.Abs())
	}

	s.positions[asset] = next
	return next
}

// ReplaceAll overwrites the store with a fetched snapshot taken at asOf and
// returns every asset whose size changed. Assets written after asOf keep
// their local value: the snapshot is older than what we already know.
func (s *PositionStore) ReplaceAll(fetched map[string]models.Position, asOf time.Time) []models.Drift {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	seen := make(map[string]struct{}, len(fetched)+len(s.positions))
	var drifts []models.Drift

	apply := func(asset string) {
		if _, ok := seen[asset]; ok {
			return
		}
		seen[asset] = struct{}{}

		if ts, ok := s.updated[asset]; ok && ts.After(asOf) {
			return
		}

		before := s.positions[asset].Size
		p, ok := fetched[asset]
		if !ok || p.Size.IsZero() {
			if _, had := s.positions[asset]; had {
				delete(s.positions, asset)
				s.updated[asset] = now
			}
		} else {
			p.Asset = asset
			p.UpdatedAt = now
			s.positions[asset] = p
			s.updated[asset] = now
		}

		after := decimal.Zero
		if ok {
			after = p.Size
		}
		if !before.Equal(after) {
			drifts = append(drifts, models.Drift{Asset: asset, Side: s.side, Before: before, After: after})
		}
	}

	for asset := range fetched {
		apply(asset)
	}
	for asset := range s.positions {
		apply(asset)
	}

	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Asset < drifts[j].Asset })
	return drifts
}

// Snapshot returns a copy of all open positions.
func (s *PositionStore) Snapshot() map[string]models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// Assets lists assets with an open position, sorted.
func (s *PositionStore) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.positions))
	for k := range s.positions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *PositionStore) SetEquity(v decimal.Decimal) {
	s.mu.Lock()
	s.equity = v
	s.equityKnown = true
	s.mu.Unlock()
}

// Equity is the account value from the last successful fetch.
func (s *PositionStore) Equity() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.equity, s.equityKnown
}
