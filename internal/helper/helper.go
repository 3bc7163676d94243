package helper

import (
	"copy_bot/internal/models"

	"github.com/shopspring/decimal"
)

// RoundSize rounds toward zero to the asset size precision.
func RoundSize(sz decimal.Decimal, meta models.AssetMetadata) decimal.Decimal {
	return sz.Truncate(int32(meta.SizeDecimals))
}

// PricePlaces is the number of decimals px may carry: the perp price
// precision, further limited to five significant figures.
func PricePlaces(px decimal.Decimal, meta models.AssetMetadata) int32 {
	places := int32(meta.PriceDecimals)
	abs := px.Abs()
	if abs.IsZero() {
		return places
	}
	// exponent of the leading digit
	lead := int32(len(abs.Coefficient().String())) - 1 + abs.Exponent()
	sig := models.MaxSignificantFigures - (lead + 1)
	if sig < 0 {
		sig = 0
	}
	if sig < places {
		places = sig
	}
	return places
}

func RoundPriceDown(px decimal.Decimal, meta models.AssetMetadata) decimal.Decimal {
	return px.RoundFloor(PricePlaces(px, meta))
}

func RoundPriceUp(px decimal.Decimal, meta models.AssetMetadata) decimal.Decimal {
	return px.RoundCeil(PricePlaces(px, meta))
}

// ValidSize reports whether sz is positive and fits the size precision.
func ValidSize(sz decimal.Decimal, meta models.AssetMetadata) bool {
	return sz.IsPositive() && sz.Equal(RoundSize(sz, meta))
}

// ValidPrice reports whether px is positive and already on the price grid.
func ValidPrice(px decimal.Decimal, meta models.AssetMetadata) bool {
	return px.IsPositive() && px.Equal(RoundPriceDown(px, meta))
}

// Clamp limits |v| to max, keeping the sign.
func Clamp(v, max decimal.Decimal) decimal.Decimal {
	if v.Abs().LessThanOrEqual(max) {
		return v
	}
	if v.IsNegative() {
		return max.Neg()
	}
	return max
}
