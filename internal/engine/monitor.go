package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"papertrade/internal/domain"
	"papertrade/internal/feed"
)

// TickResult summarises what one tick dispatched.
type TickResult struct {
	StopLosses int // positions sold by stop-loss
	Executed   int // limit orders filled
	Cancelled  int // SELL limits cancelled for insufficient holdings
	Skipped    int // dispatches lost to a concurrent trigger or already resolved
}

// Monitor evaluates stop-losses and pending limit orders against every
// price tick. It owns no ledger state: candidates are read through the
// ledger's symbol indexes and every fill goes through the Engine.
type Monitor struct {
	engine *Engine
	feed   feed.PriceFeed
	log    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewMonitor creates a Monitor that drives e from ticks published by f.
func NewMonitor(e *Engine, f feed.PriceFeed, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		engine:   e,
		feed:     f,
		log:      log.With("component", "monitor"),
		inFlight: make(map[string]struct{}),
	}
}

// Run consumes ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	id, ticks := m.feed.Subscribe(256)
	defer m.feed.Unsubscribe(id)

	m.log.Info("trigger monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info("trigger monitor stopped")
			return nil
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			res := m.HandleTick(ctx, t)
			if res.StopLosses+res.Executed+res.Cancelled > 0 {
				m.log.Debug("tick dispatched", "symbol", t.Symbol, "price", t.Price,
					"stop_losses", res.StopLosses, "executed", res.Executed, "cancelled", res.Cancelled)
			}
		}
	}
}

// HandleTick runs the stop-loss pass and then the limit-order pass for one
// tick. It is safe to call concurrently; each position and order is
// dispatched at most once at a time.
func (m *Monitor) HandleTick(ctx context.Context, t domain.Tick) TickResult {
	var res TickResult
	if !t.Price.IsPositive() {
		return res
	}
	symbol := domain.NormalizeSymbol(t.Symbol)

	positions, err := m.engine.ledger.ListStopLossPositions(ctx, symbol)
	if err != nil {
		m.log.Error("listing stop-loss positions", "symbol", symbol, "error", err)
	}
	for _, p := range positions {
		if !p.HasStopLoss() || p.Quantity <= 0 || t.Price.GreaterThan(*p.StopLossPrice) {
			continue
		}
		key := "stop:" + p.UserID + "/" + p.Symbol
		if !m.acquire(key) {
			res.Skipped++
			continue
		}
		_, err := m.engine.TriggerStopLoss(ctx, p.UserID, p.Symbol, t.Price)
		m.release(key)
		switch {
		case err == nil:
			res.StopLosses++
		case m.benign(err):
			res.Skipped++
		default:
			m.log.Warn("stop-loss dispatch failed", "user", p.UserID, "symbol", p.Symbol, "error", err)
		}
	}

	orders, err := m.engine.ledger.ListPendingOrders(ctx, symbol)
	if err != nil {
		m.log.Error("listing pending orders", "symbol", symbol, "error", err)
	}
	for i := range orders {
		o := &orders[i]
		if !o.Triggered(t.Price) {
			continue
		}
		key := "order:" + o.ID
		if !m.acquire(key) {
			res.Skipped++
			continue
		}
		filled, err := m.engine.ExecutePendingOrder(ctx, o.ID, t.Price)
		m.release(key)
		switch {
		case err == nil && filled.Status == domain.OrderStatusCancelled:
			res.Cancelled++
		case err == nil:
			res.Executed++
		case m.benign(err):
			res.Skipped++
		default:
			m.log.Warn("limit dispatch failed", "order_id", o.ID, "user", o.UserID, "error", err)
		}
	}
	return res
}

// benign reports errors that mean another path already resolved the
// candidate between the scan and the dispatch.
func (m *Monitor) benign(err error) bool {
	return errors.Is(err, domain.ErrOrderNotPending) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidRequest)
}

func (m *Monitor) acquire(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[key]; busy {
		return false
	}
	m.inFlight[key] = struct{}{}
	return true
}

func (m *Monitor) release(key string) {
	m.mu.Lock()
	delete(m.inFlight, key)
	m.mu.Unlock()
}
