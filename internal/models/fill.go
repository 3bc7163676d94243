package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "B"
	SideSell Side = "A"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// FillEvent is one leader fill as delivered by the userFills stream.
type FillEvent struct {
	Asset         string
	Price         decimal.Decimal
	Size          decimal.Decimal
	Side          Side
	StartPosition decimal.Decimal
	Dir           string
	ClosedPnl     decimal.Decimal
	Hash          string
	OrderID       int64
	TradeID       int64
	Time          time.Time
}

// SignedSize is the position change caused by the fill.
func (f FillEvent) SignedSize() decimal.Decimal {
	if f.Side == SideSell {
		return f.Size.Neg()
	}
	return f.Size
}

// FillBatch is one userFills frame after parsing.
type FillBatch struct {
	User     string
	Snapshot bool
	Fills    []FillEvent
	// fills that failed validation and were left out
	Dropped int
}
