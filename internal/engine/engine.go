// Package engine turns trade intents into ledger changes and keeps pending
// limit orders and stop-losses in step with incoming prices.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/feed"
	"papertrade/internal/store"
)

// DefaultStartingBalance is credited to every new or reset account.
var DefaultStartingBalance = decimal.NewFromInt(1_000_000)

// ReasonInsufficientHoldings is recorded on SELL limit orders cancelled at
// fill time.
const ReasonInsufficientHoldings = "insufficient holdings"

// MarketGate reports whether new orders may be placed.
type MarketGate interface {
	IsTradingWindowOpen() bool
}

// AlwaysOpen is a MarketGate that never closes.
type AlwaysOpen struct{}

// IsTradingWindowOpen always returns true.
func (AlwaysOpen) IsTradingWindowOpen() bool { return true }

// Options configures an Engine. Zero values select defaults.
type Options struct {
	StartingBalance decimal.Decimal
	Gate            MarketGate
	Risk            *RiskManager
	Events          *EventBus
	Logger          *slog.Logger
	Now             func() time.Time
	NewID           func() string
}

// Engine is the single code path for every balance and position change.
// Mutations for one user are serialized by a per-account lock and each runs
// in one ledger transaction.
type Engine struct {
	ledger          store.Ledger
	prices          feed.PriceFeed
	gate            MarketGate
	risk            *RiskManager
	events          *EventBus
	locks           *accountLocks
	startingBalance decimal.Decimal
	now             func() time.Time
	newID           func() string
	log             *slog.Logger
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(ledger store.Ledger, prices feed.PriceFeed, opts Options) *Engine {
	e := &Engine{
		ledger:          ledger,
		prices:          prices,
		gate:            opts.Gate,
		risk:            opts.Risk,
		events:          opts.Events,
		locks:           newAccountLocks(),
		startingBalance: opts.StartingBalance,
		now:             opts.Now,
		newID:           opts.NewID,
		log:             opts.Logger,
	}
	if e.gate == nil {
		e.gate = AlwaysOpen{}
	}
	if e.events == nil {
		e.events = NewEventBus()
	}
	if !e.startingBalance.IsPositive() {
		e.startingBalance = DefaultStartingBalance
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "engine")
	return e
}

// Events returns the bus on which the engine publishes notifications.
func (e *Engine) Events() *EventBus { return e.events }

// StartingBalance returns the cash credited to new and reset accounts.
func (e *Engine) StartingBalance() decimal.Decimal { return e.startingBalance }

// ---------------------------------------------------------------------------
// Placement
// ---------------------------------------------------------------------------

// PlaceOrder validates req and applies it. MARKET orders execute
// immediately at the latest quote; LIMIT orders are recorded as PENDING,
// and a LIMIT BUY reserves quantity × limit of cash.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	v, err := e.risk.checkRequest(req)
	if err != nil {
		return nil, err
	}
	if !e.gate.IsTradingWindowOpen() {
		return nil, fmt.Errorf("placing %s %s: %w", v.side, v.symbol, domain.ErrMarketClosed)
	}

	var quote decimal.Decimal
	if v.kind == domain.OrderKindMarket {
		quote, err = e.quote(ctx, v.symbol)
		if err != nil {
			return nil, err
		}
		if err := e.risk.checkNotional(quote, v.quantity); err != nil {
			return nil, err
		}
	}

	unlock, err := e.locks.lock(ctx, v.userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	order := &domain.Order{
		ID:            e.newID(),
		UserID:        v.userID,
		Symbol:        v.symbol,
		Instrument:    v.instrument,
		Side:          v.side,
		Quantity:      v.quantity,
		Kind:          v.kind,
		LimitPrice:    v.limit,
		StopLossPrice: v.stopLoss,
		CreatedAt:     now,
	}

	err = e.ledger.RunInTx(ctx, func(tx store.Tx) error {
		acct, err := e.ensureAccount(ctx, tx, v.userID)
		if err != nil {
			return err
		}

		switch v.kind {
		case domain.OrderKindMarket:
			order.Trigger = domain.TriggerManual
			if v.side == domain.OrderSideBuy {
				err = e.applyBuy(ctx, tx, acct, order, quote, now)
			} else {
				err = e.applySell(ctx, tx, acct, order, quote, now)
			}
			if err != nil {
				return err
			}
			markExecuted(order, quote, now)

		case domain.OrderKindLimit:
			order.Trigger = domain.TriggerLimit
			order.Status = domain.OrderStatusPending
			if v.side == domain.OrderSideBuy {
				reserve := order.Reservation()
				if reserve.GreaterThan(acct.CashBalance) {
					return fmt.Errorf("reserving %s with %s available: %w", reserve, acct.CashBalance, domain.ErrInsufficientFunds)
				}
				acct.CashBalance = acct.CashBalance.Sub(reserve)
				acct.UpdatedAt = now
				if err := tx.SaveAccount(ctx, acct); err != nil {
					return err
				}
			} else if err := e.checkHoldings(ctx, tx, order); err != nil {
				return err
			}
		}
		return tx.SaveOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	evType := domain.EventOrderExecuted
	if order.Status == domain.OrderStatusPending {
		evType = domain.EventOrderPlaced
	}
	e.log.Info("order placed", "order_id", order.ID, "user", order.UserID, "symbol", order.Symbol,
		"side", order.Side, "kind", order.Kind, "qty", order.Quantity, "status", order.Status)
	e.publish(evType, order, order.ExecutionPrice, "")
	return order, nil
}

// quote returns a positive latest price or ErrInvalidRequest.
func (e *Engine) quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := e.prices.LatestPrice(ctx, symbol)
	if err != nil {
		if errors.Is(err, feed.ErrNoQuote) {
			return decimal.Zero, fmt.Errorf("unknown symbol %s: %w", symbol, domain.ErrInvalidRequest)
		}
		return decimal.Zero, fmt.Errorf("quote %s: %w", symbol, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("no valid quote for %s: %w", symbol, domain.ErrInvalidRequest)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Trigger fills
// ---------------------------------------------------------------------------

// ExecutePendingOrder fills a PENDING limit order at tickPrice. It is the
// only path by which a pending order changes state and succeeds at most
// once per order; later callers get domain.ErrOrderNotPending.
//
// A SELL whose position no longer covers the quantity is cancelled instead
// and returned with a nil error.
func (e *Engine) ExecutePendingOrder(ctx context.Context, orderID string, tickPrice decimal.Decimal) (*domain.Order, error) {
	if !tickPrice.IsPositive() {
		return nil, fmt.Errorf("tick price %s: %w", tickPrice, domain.ErrInvalidRequest)
	}
	pending, err := e.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if pending.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, pending.Status, domain.ErrOrderNotPending)
	}

	unlock, err := e.locks.lock(ctx, pending.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var order *domain.Order
	err = e.ledger.RunInTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderStatusPending {
			return fmt.Errorf("order %s is %s: %w", orderID, o.Status, domain.ErrOrderNotPending)
		}
		if o.LimitPrice == nil {
			return fmt.Errorf("pending order %s has no limit price: %w", orderID, domain.ErrInvalidRequest)
		}
		if !o.Triggered(tickPrice) {
			return fmt.Errorf("tick %s does not cross %s limit %s: %w", tickPrice, o.Side, o.LimitPrice, domain.ErrInvalidRequest)
		}
		now := e.now()

		acct, err := e.ensureAccount(ctx, tx, o.UserID)
		if err != nil {
			return err
		}

		if o.Side == domain.OrderSideSell {
			if err := e.checkHoldings(ctx, tx, o); errors.Is(err, domain.ErrInsufficientHoldings) {
				o.Status = domain.OrderStatusCancelled
				o.CancelReason = ReasonInsufficientHoldings
				if err := tx.UpdateOrderStatus(ctx, o, domain.OrderStatusPending); err != nil {
					return err
				}
				order = o
				return nil
			} else if err != nil {
				return err
			}
		}

		markExecuted(o, tickPrice, now)
		if err := tx.UpdateOrderStatus(ctx, o, domain.OrderStatusPending); err != nil {
			return err
		}

		if o.Side == domain.OrderSideBuy {
			// Release the reservation, then pay the tick price.
			acct.CashBalance = acct.CashBalance.Add(o.Reservation())
			err = e.applyBuy(ctx, tx, acct, o, tickPrice, now)
		} else {
			err = e.applySell(ctx, tx, acct, o, tickPrice, now)
		}
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	if order.Status == domain.OrderStatusCancelled {
		e.log.Info("limit order cancelled", "order_id", order.ID, "user", order.UserID,
			"symbol", order.Symbol, "reason", order.CancelReason)
		e.publish(domain.EventOrderCancelled, order, &tickPrice, order.CancelReason)
		return order, nil
	}
	e.log.Info("limit order executed", "order_id", order.ID, "user", order.UserID,
		"symbol", order.Symbol, "side", order.Side, "price", tickPrice)
	e.publish(domain.EventOrderExecuted, order, &tickPrice, "")
	return order, nil
}

// TriggerStopLoss sells the whole of userID's position in symbol at
// tickPrice if it carries a stop-loss at or above tickPrice. The synthesized
// MARKET SELL is recorded with Trigger STOP_LOSS.
func (e *Engine) TriggerStopLoss(ctx context.Context, userID, symbol string, tickPrice decimal.Decimal) (*domain.Order, error) {
	if !tickPrice.IsPositive() {
		return nil, fmt.Errorf("tick price %s: %w", tickPrice, domain.ErrInvalidRequest)
	}
	symbol = domain.NormalizeSymbol(symbol)

	unlock, err := e.locks.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var order *domain.Order
	err = e.ledger.RunInTx(ctx, func(tx store.Tx) error {
		pos, err := tx.GetPosition(ctx, userID, symbol)
		if err != nil {
			return err
		}
		if !pos.HasStopLoss() || tickPrice.GreaterThan(*pos.StopLossPrice) {
			return fmt.Errorf("stop-loss for %s/%s not crossed at %s: %w", userID, symbol, tickPrice, domain.ErrInvalidRequest)
		}
		acct, err := e.ensureAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		now := e.now()
		stop := *pos.StopLossPrice
		o := &domain.Order{
			ID:            e.newID(),
			UserID:        userID,
			Symbol:        symbol,
			Instrument:    pos.Instrument,
			Side:          domain.OrderSideSell,
			Quantity:      pos.Quantity,
			Kind:          domain.OrderKindMarket,
			StopLossPrice: &stop,
			Trigger:       domain.TriggerStopLoss,
			CreatedAt:     now,
		}
		if err := e.applySell(ctx, tx, acct, o, tickPrice, now); err != nil {
			return err
		}
		markExecuted(o, tickPrice, now)
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("stop-loss triggered", "order_id", order.ID, "user", userID, "symbol", symbol,
		"qty", order.Quantity, "stop", order.StopLossPrice, "price", tickPrice)
	e.publish(domain.EventStopLossTriggered, order, &tickPrice, "")
	return order, nil
}

// ---------------------------------------------------------------------------
// Account management
// ---------------------------------------------------------------------------

// SetStopLoss attaches price as the stop-loss on userID's position in
// symbol, or clears it when price is nil.
func (e *Engine) SetStopLoss(ctx context.Context, userID, symbol string, price *decimal.Decimal) (*domain.Position, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if userID == "" || symbol == "" {
		return nil, fmt.Errorf("user and symbol are required: %w", domain.ErrInvalidRequest)
	}
	if price != nil && !price.IsPositive() {
		return nil, fmt.Errorf("stop-loss price %s must be positive: %w", price, domain.ErrInvalidRequest)
	}

	unlock, err := e.locks.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var pos *domain.Position
	err = e.ledger.RunInTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPosition(ctx, userID, symbol)
		if err != nil {
			return err
		}
		if price != nil {
			stop := *price
			p.StopLossPrice = &stop
		} else {
			p.StopLossPrice = nil
		}
		p.UpdatedAt = e.now()
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}
		pos = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("stop-loss updated", "user", userID, "symbol", symbol, "stop", price)
	return pos, nil
}

// ResetAccount removes every position and non-terminal order for userID and
// restores the starting balance. Executed and cancelled orders are kept.
func (e *Engine) ResetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrInvalidRequest)
	}
	unlock, err := e.locks.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		acct    *domain.Account
		removed int
	)
	err = e.ledger.RunInTx(ctx, func(tx store.Tx) error {
		a, err := e.ensureAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := tx.DeletePositions(ctx, userID); err != nil {
			return err
		}
		if removed, err = tx.DeletePendingOrders(ctx, userID); err != nil {
			return err
		}
		a.CashBalance = e.startingBalance
		a.UpdatedAt = e.now()
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("account reset", "user", userID, "pending_removed", removed, "balance", acct.CashBalance)
	e.publish(domain.EventAccountReset, &domain.Order{UserID: userID}, nil, "")
	return acct, nil
}

// GetPortfolio returns userID's cash and positions valued at the latest
// quotes. A position without a quote is valued at its average entry price.
func (e *Engine) GetPortfolio(ctx context.Context, userID string) (*domain.Portfolio, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrInvalidRequest)
	}
	unlock, err := e.locks.lock(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		acct      *domain.Account
		positions []domain.Position
	)
	err = e.ledger.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		if acct, err = e.ensureAccount(ctx, tx, userID); err != nil {
			return err
		}
		positions, err = tx.ListPositions(ctx, userID)
		return err
	})
	unlock()
	if err != nil {
		return nil, err
	}

	pf := &domain.Portfolio{
		UserID:        userID,
		CashBalance:   acct.CashBalance,
		Positions:     make([]domain.PositionView, 0, len(positions)),
		MarketValue:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		AsOf:          e.now(),
	}
	for _, p := range positions {
		last, err := e.prices.LatestPrice(ctx, p.Symbol)
		if err != nil || !last.IsPositive() {
			last = p.AverageEntryPrice
		}
		qty := decimal.NewFromInt(p.Quantity)
		mv := last.Mul(qty)
		pnl := last.Sub(p.AverageEntryPrice).Mul(qty)
		pf.Positions = append(pf.Positions, domain.PositionView{
			Position:      p,
			LastPrice:     last,
			MarketValue:   mv,
			UnrealizedPnL: pnl,
		})
		pf.MarketValue = pf.MarketValue.Add(mv)
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(pnl)
	}
	pf.Equity = pf.CashBalance.Add(pf.MarketValue)
	return pf, nil
}

// GetOrderHistory returns userID's orders, newest first.
func (e *Engine) GetOrderHistory(ctx context.Context, userID string) ([]domain.Order, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", domain.ErrInvalidRequest)
	}
	orders, err := e.ledger.ListOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Ledger helpers. All run inside a transaction under the account lock.
// ---------------------------------------------------------------------------

// ensureAccount loads userID's account, creating it with the starting
// balance on first use.
func (e *Engine) ensureAccount(ctx context.Context, tx store.Tx, userID string) (*domain.Account, error) {
	acct, err := tx.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	now := e.now()
	acct = &domain.Account{
		UserID:      userID,
		CashBalance: e.startingBalance,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return nil, err
	}
	e.log.Debug("account created", "user", userID, "balance", acct.CashBalance)
	return acct, nil
}

// applyBuy debits quantity × price and adds to the position. The average
// entry price is the quantity-weighted mean of every buy fill since the
// position opened.
func (e *Engine) applyBuy(ctx context.Context, tx store.Tx, acct *domain.Account, o *domain.Order, price decimal.Decimal, now time.Time) error {
	qty := decimal.NewFromInt(o.Quantity)
	cost := price.Mul(qty)
	if cost.GreaterThan(acct.CashBalance) {
		return fmt.Errorf("buying %d %s for %s with %s available: %w", o.Quantity, o.Symbol, cost, acct.CashBalance, domain.ErrInsufficientFunds)
	}

	pos, err := tx.GetPosition(ctx, o.UserID, o.Symbol)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		pos = &domain.Position{
			UserID:     o.UserID,
			Symbol:     o.Symbol,
			Instrument: o.Instrument,
		}
	case err != nil:
		return err
	}
	pos.AddBuy(o.Quantity, price)
	if o.StopLossPrice != nil {
		stop := *o.StopLossPrice
		pos.StopLossPrice = &stop
	}
	pos.UpdatedAt = now

	acct.CashBalance = acct.CashBalance.Sub(cost)
	acct.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return err
	}
	return tx.SavePosition(ctx, pos)
}

// applySell credits quantity × price and reduces the position, deleting it
// at zero. The average entry price is unchanged.
func (e *Engine) applySell(ctx context.Context, tx store.Tx, acct *domain.Account, o *domain.Order, price decimal.Decimal, now time.Time) error {
	pos, err := tx.GetPosition(ctx, o.UserID, o.Symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("selling %d %s with no position: %w", o.Quantity, o.Symbol, domain.ErrInsufficientHoldings)
	}
	if err != nil {
		return err
	}
	if pos.Quantity < o.Quantity {
		return fmt.Errorf("selling %d %s with %d held: %w", o.Quantity, o.Symbol, pos.Quantity, domain.ErrInsufficientHoldings)
	}

	acct.CashBalance = acct.CashBalance.Add(price.Mul(decimal.NewFromInt(o.Quantity)))
	acct.UpdatedAt = now
	if err := tx.SaveAccount(ctx, acct); err != nil {
		return err
	}

	pos.Quantity -= o.Quantity
	if pos.Quantity == 0 {
		return tx.DeletePosition(ctx, o.UserID, o.Symbol)
	}
	pos.UpdatedAt = now
	return tx.SavePosition(ctx, pos)
}

// checkHoldings verifies that the position covers o without changing it.
func (e *Engine) checkHoldings(ctx context.Context, tx store.Tx, o *domain.Order) error {
	pos, err := tx.GetPosition(ctx, o.UserID, o.Symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("no %s position: %w", o.Symbol, domain.ErrInsufficientHoldings)
	}
	if err != nil {
		return err
	}
	if pos.Quantity < o.Quantity {
		return fmt.Errorf("%d %s held, %d requested: %w", pos.Quantity, o.Symbol, o.Quantity, domain.ErrInsufficientHoldings)
	}
	return nil
}

func markExecuted(o *domain.Order, price decimal.Decimal, now time.Time) {
	p := price
	t := now
	o.Status = domain.OrderStatusExecuted
	o.ExecutionPrice = &p
	o.ExecutedAt = &t
}

func (e *Engine) publish(t domain.EventType, o *domain.Order, price *decimal.Decimal, reason string) {
	ev := domain.Event{Type: t, UserID: o.UserID, Reason: reason, Time: e.now()}
	if o.ID != "" {
		cp := *o
		ev.Order = &cp
	}
	if price != nil {
		p := *price
		ev.Price = &p
	}
	e.events.Publish(ev)
}
