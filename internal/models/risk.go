package models

import "github.com/shopspring/decimal"

var bpsDenominator = decimal.NewFromInt(10_000)

type RiskConfig struct {
	MinPositionUsd decimal.Decimal
	CopyRatio      decimal.Decimal
	MaxLeverage    decimal.Decimal
	MaxNotionalUsd decimal.Decimal
	Inverse        bool
	MaxSlippageBps decimal.Decimal

	AllowedAssets []string
	IgnoredAssets []string
}

// Copies reports whether positions in asset are replicated at all.
func (r RiskConfig) Copies(asset string) bool {
	for _, a := range r.IgnoredAssets {
		if a == asset {
			return false
		}
	}
	if len(r.AllowedAssets) == 0 {
		return true
	}
	for _, a := range r.AllowedAssets {
		if a == asset {
			return true
		}
	}
	return false
}

// SlippageFraction is MaxSlippageBps as a fraction of price.
func (r RiskConfig) SlippageFraction() decimal.Decimal {
	return r.MaxSlippageBps.Div(bpsDenominator)
}
