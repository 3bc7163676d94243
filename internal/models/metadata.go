package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// perps quote at most 6 decimals minus szDecimals
const maxPerpDecimals = 6

// MaxSignificantFigures applies to non-integer prices.
const MaxSignificantFigures = 5

type AssetMetadata struct {
	Asset         string
	Index         int
	SizeDecimals  int
	PriceDecimals int
	MaxLeverage   decimal.Decimal
	OnlyIsolated  bool
	FetchedAt     time.Time
}

func PerpPriceDecimals(szDecimals int) int {
	d := maxPerpDecimals - szDecimals
	if d < 0 {
		return 0
	}
	return d
}
