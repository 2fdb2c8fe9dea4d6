package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/util"
)

// latestTradesClient is the subset of *marketdata.Client the feed uses.
type latestTradesClient interface {
	GetLatestTrades(symbols []string, req marketdata.GetLatestTradeRequest) (map[string]marketdata.Trade, error)
}

// AlpacaFeedConfig configures an AlpacaFeed.
type AlpacaFeedConfig struct {
	APIKey          string
	APISecret       string
	DataURL         string
	Symbols         []string
	Interval        time.Duration
	RateLimitPerMin int
}

// AlpacaFeed polls Alpaca's latest-trade endpoint for the configured
// symbols and publishes a tick whenever a symbol prints a new trade.
type AlpacaFeed struct {
	*Hub

	client   latestTradesClient
	symbols  []string
	interval time.Duration
	limiter  *util.RateLimiter
	log      *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewAlpacaFeed creates an AlpacaFeed backed by the Alpaca market-data API.
func NewAlpacaFeed(cfg AlpacaFeedConfig, log *slog.Logger) *AlpacaFeed {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return newAlpacaFeed(marketdata.NewClient(opts), cfg, log)
}

func newAlpacaFeed(client latestTradesClient, cfg AlpacaFeedConfig, log *slog.Logger) *AlpacaFeed {
	if log == nil {
		log = slog.Default()
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, domain.NormalizeSymbol(s))
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &AlpacaFeed{
		Hub:      NewHub(),
		client:   client,
		symbols:  symbols,
		interval: interval,
		limiter:  util.NewRateLimiter(cfg.RateLimitPerMin),
		log:      log.With("component", "feed", "source", "alpaca"),
		lastSeen: make(map[string]time.Time),
	}
}

// Run polls until ctx is cancelled. Poll failures are logged and retried on
// the next interval.
func (f *AlpacaFeed) Run(ctx context.Context) error {
	f.log.Info("alpaca feed started", "symbols", len(f.symbols), "interval", f.interval)
	if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
		f.log.Warn("initial poll failed", "error", err)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.log.Info("alpaca feed stopped")
			return nil
		case <-ticker.C:
			if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
				f.log.Warn("poll failed", "error", err)
			}
		}
	}
}

// Poll fetches the latest trade for every configured symbol once.
func (f *AlpacaFeed) Poll(ctx context.Context) error {
	if len(f.symbols) == 0 {
		return nil
	}
	trades, err := f.fetch(ctx, f.symbols)
	if err != nil {
		return err
	}
	f.publishTrades(trades)
	return nil
}

// LatestPrice returns the last polled price, fetching the symbol on demand
// when it has not been seen yet.
func (f *AlpacaFeed) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, err := f.Hub.LatestPrice(ctx, symbol); err == nil {
		return p, nil
	}
	sym := domain.NormalizeSymbol(symbol)
	trades, err := f.fetch(ctx, []string{sym})
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching %s: %w", sym, err)
	}
	f.publishTrades(trades)
	return f.Hub.LatestPrice(ctx, sym)
}

func (f *AlpacaFeed) fetch(ctx context.Context, symbols []string) (map[string]marketdata.Trade, error) {
	var trades map[string]marketdata.Trade
	err := util.Retry(ctx, 3, 500*time.Millisecond, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		var err error
		trades, err = f.client.GetLatestTrades(symbols, marketdata.GetLatestTradeRequest{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (f *AlpacaFeed) publishTrades(trades map[string]marketdata.Trade) {
	for sym, tr := range trades {
		if tr.Price <= 0 {
			continue
		}
		f.mu.Lock()
		last, seen := f.lastSeen[sym]
		fresh := !seen || tr.Timestamp.After(last)
		if fresh {
			f.lastSeen[sym] = tr.Timestamp
		}
		f.mu.Unlock()
		if !fresh {
			continue
		}
		ts := tr.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		f.Publish(sym, decimal.NewFromFloat(tr.Price), ts.UTC())
	}
}

// ---------------------------------------------------------------------------
// Market clock
// ---------------------------------------------------------------------------

// clockClient is the subset of *alpaca.Client the clock uses.
type clockClient interface {
	GetClock() (*alpaca.Clock, error)
}

// AlpacaClock answers whether the market is open using Alpaca's trading
// clock. Results are cached for ttl; on error the last known state is used.
type AlpacaClock struct {
	client clockClient
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	open    bool
	checked time.Time
}

// NewAlpacaClock creates an AlpacaClock for the Alpaca trading API at baseURL.
func NewAlpacaClock(apiKey, apiSecret, baseURL string, ttl time.Duration, log *slog.Logger) *AlpacaClock {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return newAlpacaClock(client, ttl, log)
}

func newAlpacaClock(client clockClient, ttl time.Duration, log *slog.Logger) *AlpacaClock {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AlpacaClock{
		client: client,
		ttl:    ttl,
		log:    log.With("component", "market-clock"),
		now:    time.Now,
	}
}

// IsTradingWindowOpen reports whether the market is currently open.
func (c *AlpacaClock) IsTradingWindowOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.checked.IsZero() && now.Sub(c.checked) < c.ttl {
		return c.open
	}
	clock, err := c.client.GetClock()
	if err != nil {
		c.log.Warn("GetClock failed, using last known state", "error", err, "open", c.open)
		return c.open
	}
	c.open = clock.IsOpen
	c.checked = now
	return c.open
}
