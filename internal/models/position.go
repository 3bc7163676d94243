package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a perp position. Size is signed: positive long, negative short.
type Position struct {
	Asset      string
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   decimal.Decimal
	UpdatedAt  time.Time
}

func (p Position) IsFlat() bool { return p.Size.IsZero() }

func (p Position) IsLong() bool { return p.Size.IsPositive() }

// Notional is |size| * px.
func (p Position) Notional(px decimal.Decimal) decimal.Decimal {
	return p.Size.Abs().Mul(px)
}

// AccountState is what the query API reports for one address.
type AccountState struct {
	Address      string
	Positions    []Position
	AccountValue decimal.Decimal
	FetchedAt    time.Time
}

// PositionMap indexes positions by asset, dropping flat entries.
func (s AccountState) PositionMap() map[string]Position {
	out := make(map[string]Position, len(s.Positions))
	for _, p := range s.Positions {
		if p.IsFlat() {
			continue
		}
		out[p.Asset] = p
	}
	return out
}

type DriftSide string

const (
	DriftLeader   DriftSide = "leader"
	DriftFollower DriftSide = "follower"
)

// Drift is a divergence between the locally believed and the fetched size.
type Drift struct {
	Asset  string
	Side   DriftSide
	Before decimal.Decimal
	After  decimal.Decimal
}

func (d Drift) Diff() decimal.Decimal { return d.After.Sub(d.Before).Abs() }
