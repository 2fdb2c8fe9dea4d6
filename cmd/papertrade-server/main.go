package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"papertrade/internal/api"
	"papertrade/internal/config"
	"papertrade/internal/engine"
	"papertrade/internal/feed"
	"papertrade/internal/store"
	"papertrade/internal/util"
)

// runner is a price feed that produces ticks until its context ends.
type runner interface {
	feed.PriceFeed
	api.Quotes
	Run(ctx context.Context) error
}

func main() {
	cfgPath := flag.String("config", config.PathFromEnv(), "path to the YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		log.Fatalf("opening ledger: %v", err)
	}
	defer ledger.Close()

	prices := newFeed(cfg, logger)

	gate, err := newGate(cfg, logger)
	if err != nil {
		log.Fatalf("market calendar: %v", err)
	}

	eng := engine.NewEngine(ledger, prices, engine.Options{
		StartingBalance: cfg.Trading.StartingBalance,
		Gate:            gate,
		Risk:            engine.NewRiskManager(cfg.Trading.MaxOrderQuantity, cfg.Trading.MaxOrderNotional),
		Logger:          logger,
	})
	monitor := engine.NewMonitor(eng, prices, logger)

	var archive *store.ParquetArchive
	if cfg.Storage.ArchiveDir != "" {
		archive = store.NewParquetArchive(cfg.Storage.ArchiveDir)
	}
	srv := api.NewServer(eng, prices, gate, api.Options{
		HTTPAddr: net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		GRPCAddr: grpcAddr(cfg),
		Archive:  archive,
		Logger:   logger,
	})

	slog.Info("papertrade-server starting",
		"storage", cfg.Storage.Driver, "feed", cfg.Feed.Source, "symbols", len(cfg.Feed.Symbols),
		"market_calendar", cfg.Trading.MarketCalendar, "enforce_market_hours", cfg.Trading.EnforceMarketHours)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return prices.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("papertrade-server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("papertrade-server stopped")
}

// loadConfig loads path, falling back to defaults plus environment when the
// default file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultPath {
		return config.Load("")
	}
	return cfg, err
}

func openLedger(ctx context.Context, cfg *config.Config) (store.Ledger, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.SQLitePath)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Storage.PostgresURL)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func newFeed(cfg *config.Config, logger *slog.Logger) runner {
	if cfg.Feed.Source == "alpaca" {
		return feed.NewAlpacaFeed(feed.AlpacaFeedConfig{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			Symbols:         cfg.Feed.Symbols,
			Interval:        cfg.Feed.Interval,
			RateLimitPerMin: cfg.Feed.RateLimitPerMin,
		}, logger)
	}
	seeds := make(map[string]decimal.Decimal, len(cfg.Feed.Symbols))
	for _, sym := range cfg.Feed.Symbols {
		if p, ok := cfg.Feed.SeedPrices[sym]; ok {
			seeds[sym] = p
		}
	}
	return feed.NewSimulatedFeed(seeds, cfg.Feed.Volatility, cfg.Feed.Interval, nil, logger)
}

func newGate(cfg *config.Config, logger *slog.Logger) (engine.MarketGate, error) {
	if !cfg.Trading.EnforceMarketHours {
		return engine.AlwaysOpen{}, nil
	}
	if cfg.Trading.MarketCalendar == "alpaca" {
		return feed.NewAlpacaClock(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, time.Minute, logger), nil
	}
	cal, err := util.NewTradingCalendar(util.CalendarConfig{
		Timezone: cfg.Trading.Timezone,
		Open:     cfg.Trading.Open,
		Close:    cfg.Trading.Close,
		Holidays: cfg.Trading.Holidays,
		Enforce:  true,
	})
	if err != nil {
		return nil, err
	}
	return cal, nil
}

func grpcAddr(cfg *config.Config) string {
	if cfg.Server.GRPCPort <= 0 {
		return ""
	}
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
}
