package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DesiredOrder is computed fresh on every sync and never stored.
type DesiredOrder struct {
	Asset          string
	TargetSize     decimal.Decimal
	Delta          decimal.Decimal
	Side           Side
	EstimatedPrice decimal.Decimal
	LimitPrice     decimal.Decimal
	ReduceOnly     bool
}

type OrderRequest struct {
	Meta       AssetMetadata
	IsBuy      bool
	Size       decimal.Decimal
	LimitPrice decimal.Decimal
	ReduceOnly bool
}

type OrderResult struct {
	OrderID    int64
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
}

// SignedFill returns the filled size with the order's direction.
func (r OrderResult) SignedFill(isBuy bool) decimal.Decimal {
	if isBuy {
		return r.FilledSize
	}
	return r.FilledSize.Neg()
}

type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderUnfilled OrderStatus = "unfilled"
	OrderRejected OrderStatus = "rejected"
	OrderUnknown  OrderStatus = "unknown"
	OrderFailed   OrderStatus = "failed"
	OrderNotSent  OrderStatus = "not_sent"
)

// OrderRecord is the audit entry written for every order decision that
// reached the submission step.
type OrderRecord struct {
	Asset      string
	Side       Side
	Target     decimal.Decimal
	Requested  decimal.Decimal
	Filled     decimal.Decimal
	AvgPrice   decimal.Decimal
	LimitPrice decimal.Decimal
	Mark       decimal.Decimal
	ReduceOnly bool
	Status     OrderStatus
	OrderID    int64
	Error      string
	Trigger    string
	CreatedAt  time.Time
}
