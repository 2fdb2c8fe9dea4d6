// Package domain defines the core types shared across the papertrade
// platform: accounts, positions, orders, price ticks and engine events.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderKind distinguishes immediate from price-conditional orders.
type OrderKind string

const (
	OrderKindMarket OrderKind = "MARKET"
	OrderKindLimit  OrderKind = "LIMIT"
)

// Valid reports whether k is a known order kind.
func (k OrderKind) Valid() bool {
	return k == OrderKindMarket || k == OrderKindLimit
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusExecuted || s == OrderStatusCancelled
}

// CanTransition reports whether an order may move from s to next. MARKET
// orders are created directly as EXECUTED and never pass through PENDING.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusExecuted || next == OrderStatusCancelled
	default:
		return false
	}
}

// TriggerSource records which path produced an order's fill.
type TriggerSource string

const (
	TriggerManual   TriggerSource = "MANUAL"
	TriggerLimit    TriggerSource = "LIMIT"
	TriggerStopLoss TriggerSource = "STOP_LOSS"
)

// Instrument is the superset of instrument categories accepted at the API
// boundary. It is informational only; all instruments settle identically.
type Instrument string

const (
	InstrumentEquity     Instrument = "EQUITY"
	InstrumentStock      Instrument = "STOCK"
	InstrumentIndex      Instrument = "INDEX"
	InstrumentOption     Instrument = "OPTION"
	InstrumentFuture     Instrument = "FUTURE"
	InstrumentMutualFund Instrument = "MUTUAL_FUND"
)

var instrumentAliases = map[string]Instrument{
	"":             InstrumentEquity,
	"EQUITY":       InstrumentEquity,
	"STOCK":        InstrumentStock,
	"INDEX":        InstrumentIndex,
	"OPTION":       InstrumentOption,
	"OPTIONS":      InstrumentOption,
	"FUTURE":       InstrumentFuture,
	"FUTURES":      InstrumentFuture,
	"MUTUAL FUND":  InstrumentMutualFund,
	"MUTUAL FUNDS": InstrumentMutualFund,
	"MUTUAL_FUND":  InstrumentMutualFund,
}

// ParseInstrument normalises a user-supplied instrument name. An empty name
// maps to EQUITY. The second return value is false for unknown names.
func ParseInstrument(s string) (Instrument, bool) {
	inst, ok := instrumentAliases[strings.ToUpper(strings.TrimSpace(s))]
	return inst, ok
}

// NormalizeSymbol upper-cases and trims a ticker symbol. Inner spaces are
// kept because index symbols such as "NIFTY 50" contain them.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ---------------------------------------------------------------------------
// Ledger entities
// ---------------------------------------------------------------------------

// Account holds a user's simulated cash.
type Account struct {
	UserID      string          `json:"userId"`
	CashBalance decimal.Decimal `json:"cashBalance"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Position is a user's holding in one symbol. A position with zero quantity
// is never stored.
//
// BuyCost and BuyQuantity total every buy fill since the position opened and
// are untouched by sells. AverageEntryPrice is always BuyCost / BuyQuantity.
type Position struct {
	UserID            string           `json:"userId"`
	Symbol            string           `json:"symbol"`
	Instrument        Instrument       `json:"instrument"`
	Quantity          int64            `json:"quantity"`
	AverageEntryPrice decimal.Decimal  `json:"averageEntryPrice"`
	BuyCost           decimal.Decimal  `json:"buyCost"`
	BuyQuantity       int64            `json:"buyQuantity"`
	StopLossPrice     *decimal.Decimal `json:"stopLossPrice,omitempty"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// AddBuy records a buy fill and recomputes the average entry price from the
// exact running totals.
func (p *Position) AddBuy(qty int64, price decimal.Decimal) {
	if p.BuyQuantity == 0 && p.Quantity > 0 {
		// Stored before cost basis was tracked.
		p.BuyCost = p.AverageEntryPrice.Mul(decimal.NewFromInt(p.Quantity))
		p.BuyQuantity = p.Quantity
	}
	p.Quantity += qty
	p.BuyCost = p.BuyCost.Add(price.Mul(decimal.NewFromInt(qty)))
	p.BuyQuantity += qty
	p.AverageEntryPrice = p.BuyCost.Div(decimal.NewFromInt(p.BuyQuantity))
}

// HasStopLoss reports whether a stop-loss threshold is attached.
func (p *Position) HasStopLoss() bool {
	return p.StopLossPrice != nil && p.StopLossPrice.IsPositive()
}

// Order is an entry in the append-only order log. Only Status,
// ExecutionPrice, ExecutedAt and CancelReason change after creation.
type Order struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	Symbol         string           `json:"symbol"`
	Instrument     Instrument       `json:"instrument"`
	Side           OrderSide        `json:"side"`
	Quantity       int64            `json:"quantity"`
	Kind           OrderKind        `json:"kind"`
	LimitPrice     *decimal.Decimal `json:"limitPrice,omitempty"`
	Status         OrderStatus      `json:"status"`
	ExecutionPrice *decimal.Decimal `json:"executionPrice,omitempty"`
	StopLossPrice  *decimal.Decimal `json:"stopLossPrice,omitempty"`
	Trigger        TriggerSource    `json:"trigger"`
	CancelReason   string           `json:"cancelReason,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExecutedAt     *time.Time       `json:"executedAt,omitempty"`
}

// Reservation returns the cash locked by a pending LIMIT BUY, or zero.
func (o *Order) Reservation() decimal.Decimal {
	if o.Kind != OrderKindLimit || o.Side != OrderSideBuy || o.LimitPrice == nil {
		return decimal.Zero
	}
	return o.LimitPrice.Mul(decimal.NewFromInt(o.Quantity))
}

// Triggered reports whether price crosses this pending limit order's
// threshold: BUY at or below the limit, SELL at or above it.
func (o *Order) Triggered(price decimal.Decimal) bool {
	if o.Status != OrderStatusPending || o.LimitPrice == nil {
		return false
	}
	switch o.Side {
	case OrderSideBuy:
		return price.LessThanOrEqual(*o.LimitPrice)
	case OrderSideSell:
		return price.GreaterThanOrEqual(*o.LimitPrice)
	}
	return false
}

// ---------------------------------------------------------------------------
// Read models
// ---------------------------------------------------------------------------

// PositionView is a position valued at the latest known quote.
type PositionView struct {
	Position
	LastPrice     decimal.Decimal `json:"lastPrice"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// Portfolio is the account snapshot returned to clients.
type Portfolio struct {
	UserID        string          `json:"userId"`
	CashBalance   decimal.Decimal `json:"cashBalance"`
	Positions     []PositionView  `json:"positions"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Equity        decimal.Decimal `json:"equity"`
	AsOf          time.Time       `json:"asOf"`
}

// ---------------------------------------------------------------------------
// Market data & events
// ---------------------------------------------------------------------------

// Tick is a single price observation delivered by a price feed.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventType classifies engine notifications.
type EventType string

const (
	EventOrderPlaced       EventType = "ORDER_PLACED"
	EventOrderExecuted     EventType = "ORDER_EXECUTED"
	EventOrderCancelled    EventType = "ORDER_CANCELLED"
	EventStopLossTriggered EventType = "STOP_LOSS_TRIGGERED"
	EventAccountReset      EventType = "ACCOUNT_RESET"
)

// Event is an asynchronous notification about a user's ledger.
type Event struct {
	Type   EventType        `json:"type"`
	UserID string           `json:"userId"`
	Order  *Order           `json:"order,omitempty"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Reason string           `json:"reason,omitempty"`
	Time   time.Time        `json:"time"`
}
