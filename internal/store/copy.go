package store

import (
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyPosition(p domain.Position) domain.Position {
	p.StopLossPrice = copyDecimal(p.StopLossPrice)
	return p
}

func copyOrder(o domain.Order) domain.Order {
	o.LimitPrice = copyDecimal(o.LimitPrice)
	o.ExecutionPrice = copyDecimal(o.ExecutionPrice)
	o.StopLossPrice = copyDecimal(o.StopLossPrice)
	o.ExecutedAt = copyTime(o.ExecutedAt)
	return o
}

// nullDecimal converts an optional price to its SQL representation.
func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// decimalPtr converts a nullable SQL price back to an optional price.
func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	v := n.Decimal
	return &v
}
