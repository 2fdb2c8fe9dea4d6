package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

// PlaceOrderRequest is a user's intent to trade.
type PlaceOrderRequest struct {
	UserID        string
	Symbol        string
	Instrument    string // free-form, normalised by ParseInstrument
	Side          domain.OrderSide
	Quantity      int64
	Kind          domain.OrderKind
	LimitPrice    *decimal.Decimal // required iff Kind is LIMIT
	StopLossPrice *decimal.Decimal // optional, BUY only
}

// RiskManager enforces pre-trade request rules. A zero limit disables the
// corresponding check.
type RiskManager struct {
	maxOrderQuantity int64
	maxOrderNotional decimal.Decimal
}

// NewRiskManager creates a RiskManager with the specified thresholds.
//
//   - maxOrderQuantity: largest quantity accepted on a single order.
//   - maxOrderNotional: largest quantity × price accepted on a single order,
//     priced at the limit for LIMIT orders and at the quote for MARKET ones.
func NewRiskManager(maxOrderQuantity int64, maxOrderNotional decimal.Decimal) *RiskManager {
	return &RiskManager{
		maxOrderQuantity: maxOrderQuantity,
		maxOrderNotional: maxOrderNotional,
	}
}

// validatedOrder is a PlaceOrderRequest after normalisation.
type validatedOrder struct {
	userID     string
	symbol     string
	instrument domain.Instrument
	side       domain.OrderSide
	quantity   int64
	kind       domain.OrderKind
	limit      *decimal.Decimal
	stopLoss   *decimal.Decimal
}

// checkRequest validates and normalises req. Every failure wraps
// domain.ErrInvalidRequest.
func (rm *RiskManager) checkRequest(req PlaceOrderRequest) (validatedOrder, error) {
	v := validatedOrder{
		userID:   req.UserID,
		symbol:   domain.NormalizeSymbol(req.Symbol),
		side:     req.Side,
		quantity: req.Quantity,
		kind:     req.Kind,
	}
	invalid := func(format string, args ...any) (validatedOrder, error) {
		return validatedOrder{}, fmt.Errorf(format+": %w", append(args, domain.ErrInvalidRequest)...)
	}

	if v.userID == "" {
		return invalid("user id is required")
	}
	if v.symbol == "" {
		return invalid("symbol is required")
	}
	inst, ok := domain.ParseInstrument(req.Instrument)
	if !ok {
		return invalid("unknown instrument %q", req.Instrument)
	}
	v.instrument = inst
	if !v.side.Valid() {
		return invalid("unknown side %q", req.Side)
	}
	if !v.kind.Valid() {
		return invalid("unknown order kind %q", req.Kind)
	}
	if v.quantity <= 0 {
		return invalid("quantity must be positive, got %d", v.quantity)
	}
	if rm != nil && rm.maxOrderQuantity > 0 && v.quantity > rm.maxOrderQuantity {
		return invalid("quantity %d exceeds limit %d", v.quantity, rm.maxOrderQuantity)
	}

	switch v.kind {
	case domain.OrderKindLimit:
		if req.LimitPrice == nil || !req.LimitPrice.IsPositive() {
			return invalid("limit order requires a positive limit price")
		}
		l := *req.LimitPrice
		v.limit = &l
		if err := rm.checkNotional(l, v.quantity); err != nil {
			return validatedOrder{}, err
		}
	case domain.OrderKindMarket:
		if req.LimitPrice != nil {
			return invalid("market order must not carry a limit price")
		}
	}

	if req.StopLossPrice != nil {
		if v.side != domain.OrderSideBuy {
			return invalid("stop-loss can only be attached to a buy order")
		}
		if !req.StopLossPrice.IsPositive() {
			return invalid("stop-loss price must be positive")
		}
		s := *req.StopLossPrice
		v.stopLoss = &s
	}
	return v, nil
}

// checkNotional rejects orders whose value at price exceeds the limit.
func (rm *RiskManager) checkNotional(price decimal.Decimal, qty int64) error {
	if rm == nil || !rm.maxOrderNotional.IsPositive() {
		return nil
	}
	notional := price.Mul(decimal.NewFromInt(qty))
	if notional.GreaterThan(rm.maxOrderNotional) {
		return fmt.Errorf("order value %s exceeds limit %s: %w", notional, rm.maxOrderNotional, domain.ErrInvalidRequest)
	}
	return nil
}
