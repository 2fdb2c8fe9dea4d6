package feed

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// minSimulatedPrice is the floor of the random walk.
var minSimulatedPrice = decimal.NewFromInt(1)

// SimulatedFeed moves every seeded symbol by a bounded random step on each
// interval. It is used when no live market data is configured.
type SimulatedFeed struct {
	*Hub

	symbols    []string
	volatility float64
	interval   time.Duration
	log        *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSimulatedFeed seeds a feed with starting prices. volatility is the
// largest fractional move per step (0.015 = ±1.5%). A nil rng uses a
// time-seeded source.
func NewSimulatedFeed(seeds map[string]decimal.Decimal, volatility float64, interval time.Duration, rng *rand.Rand, log *slog.Logger) *SimulatedFeed {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>1))
	}
	if log == nil {
		log = slog.Default()
	}
	f := &SimulatedFeed{
		Hub:        NewHub(),
		volatility: volatility,
		interval:   interval,
		log:        log.With("component", "feed", "source", "simulated"),
		rng:        rng,
	}
	now := time.Now().UTC()
	for sym, p := range seeds {
		f.Publish(sym, p, now)
	}
	for _, t := range f.Snapshot() {
		f.symbols = append(f.symbols, t.Symbol)
	}
	sort.Strings(f.symbols)
	return f
}

// Run steps the random walk every interval until ctx is cancelled.
func (f *SimulatedFeed) Run(ctx context.Context) error {
	f.log.Info("simulated feed started", "symbols", len(f.symbols), "interval", f.interval)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.log.Info("simulated feed stopped")
			return nil
		case <-ticker.C:
			f.Step()
		}
	}
}

// Step moves every symbol once and publishes the new prices.
func (f *SimulatedFeed) Step() {
	now := time.Now().UTC()
	for _, sym := range f.symbols {
		cur, err := f.LatestPrice(context.Background(), sym)
		if err != nil {
			continue
		}
		f.Publish(sym, f.next(cur), now)
	}
}

// next applies one random step, rounds to paise/cents and floors the result.
func (f *SimulatedFeed) next(cur decimal.Decimal) decimal.Decimal {
	f.rngMu.Lock()
	move := (f.rng.Float64()*2 - 1) * f.volatility
	f.rngMu.Unlock()

	p := cur.Mul(decimal.NewFromFloat(1 + move)).Round(2)
	if p.LessThan(minSimulatedPrice) {
		return minSimulatedPrice
	}
	return p
}
