// Package feed supplies latest prices and price ticks to the order engine
// and trigger monitor.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
)

// ErrNoQuote is returned when no positive price is known for a symbol.
var ErrNoQuote = errors.New("no quote for symbol")

// PriceFeed is the source of quotes consumed by the engine and monitor.
type PriceFeed interface {
	// LatestPrice returns the most recent price for symbol or ErrNoQuote.
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	// Subscribe returns a channel that receives every tick. bufSize controls
	// the channel buffer; slow consumers will have ticks dropped.
	Subscribe(bufSize int) (int, <-chan domain.Tick)

	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(id int)
}

// Hub keeps the latest price per symbol and fans ticks out to subscribers.
// It is a PriceFeed on its own and is embedded by the concrete feeds.
type Hub struct {
	mu     sync.RWMutex
	prices map[string]domain.Tick

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan domain.Tick
}

// Compile-time interface check.
var _ PriceFeed = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		prices: make(map[string]domain.Tick),
		subs:   make(map[int]chan domain.Tick),
	}
}

// LatestPrice returns the last published price for symbol.
func (h *Hub) LatestPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	h.mu.RLock()
	t, ok := h.prices[domain.NormalizeSymbol(symbol)]
	h.mu.RUnlock()
	if !ok || !t.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	return t.Price, nil
}

// Snapshot returns the latest tick for every known symbol, sorted by symbol.
func (h *Hub) Snapshot() []domain.Tick {
	h.mu.RLock()
	out := make([]domain.Tick, 0, len(h.prices))
	for _, t := range h.prices {
		out = append(out, t)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Publish records a new price and broadcasts it. Non-positive prices are
// ignored.
func (h *Hub) Publish(symbol string, price decimal.Decimal, ts time.Time) {
	if !price.IsPositive() {
		return
	}
	t := domain.Tick{Symbol: domain.NormalizeSymbol(symbol), Price: price, Timestamp: ts}
	h.mu.Lock()
	h.prices[t.Symbol] = t
	h.mu.Unlock()

	h.broadcast(t)
}

// Subscribe returns a channel that receives ticks.
func (h *Hub) Subscribe(bufSize int) (int, <-chan domain.Tick) {
	ch := make(chan domain.Tick, bufSize)
	h.subsMu.Lock()
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch
	h.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.subsMu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.subsMu.Unlock()
}

// broadcast sends a tick to all subscribers non-blocking (drop on full).
func (h *Hub) broadcast(t domain.Tick) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- t:
		default:
			// Slow consumer, drop tick.
		}
	}
}
