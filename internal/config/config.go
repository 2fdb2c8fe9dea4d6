package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when PAPERTRADE_CONFIG is not set.
const DefaultPath = "config/papertrade.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the papertrade server.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Feed    FeedConfig    `yaml:"feed"`
	Trading TradingConfig `yaml:"trading"`
}

// Storage selects and configures the ledger backend.
type Storage struct {
	Driver      string `yaml:"driver"` // memory, sqlite or postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url"`
	ArchiveDir  string `yaml:"archive_dir"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FeedConfig selects the price source and the watched symbols.
type FeedConfig struct {
	Source          string                     `yaml:"source"` // simulated or alpaca
	Interval        time.Duration              `yaml:"interval"`
	Symbols         []string                   `yaml:"symbols"`
	SeedPrices      map[string]decimal.Decimal `yaml:"seed_prices"`
	Volatility      float64                    `yaml:"volatility"` // max fractional move per tick
	RateLimitPerMin int                        `yaml:"rate_limit_per_min"`
}

// TradingConfig defines account and market-hours parameters.
type TradingConfig struct {
	StartingBalance    decimal.Decimal `yaml:"starting_balance"`
	EnforceMarketHours bool            `yaml:"enforce_market_hours"`
	MarketCalendar     string          `yaml:"market_calendar"` // local or alpaca
	Timezone           string          `yaml:"timezone"`
	Open               string          `yaml:"open"`
	Close              string          `yaml:"close"`
	Holidays           []string        `yaml:"holidays"`
	MaxOrderQuantity   int64           `yaml:"max_order_quantity"` // 0 = unlimited
	MaxOrderNotional   decimal.Decimal `yaml:"max_order_notional"` // 0 = unlimited
}

// DefaultSeedPrices is the built-in watchlist for the simulated feed.
func DefaultSeedPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"NIFTY 50":   decimal.NewFromInt(22000),
		"BANKNIFTY":  decimal.NewFromInt(47000),
		"RELIANCE":   decimal.NewFromInt(2900),
		"TCS":        decimal.NewFromInt(4000),
		"HDFCBANK":   decimal.NewFromInt(1450),
		"INFY":       decimal.NewFromInt(1600),
		"SBIN":       decimal.NewFromInt(750),
		"ITC":        decimal.NewFromInt(430),
		"ADANIENT":   decimal.NewFromInt(3200),
		"TATAMOTORS": decimal.NewFromInt(980),
		"BAJFINANCE": decimal.NewFromInt(6500),
		"MARUTI":     decimal.NewFromInt(12000),
	}
}

// Default returns a configuration that runs entirely in memory against the
// simulated feed.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PathFromEnv returns PAPERTRADE_CONFIG or DefaultPath.
func PathFromEnv() string {
	if v := os.Getenv("PAPERTRADE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PAPERTRADE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("PAPERTRADE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PAPERTRADE_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("PAPERTRADE_FEED_SOURCE"); v != "" {
		cfg.Feed.Source = v
	}
	if v := os.Getenv("PAPERTRADE_ENFORCE_MARKET_HOURS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PAPERTRADE_ENFORCE_MARKET_HOURS: %w", err)
		}
		cfg.Trading.EnforceMarketHours = b
	}

	// Standard Alpaca env vars (highest priority, canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/papertrade.db"
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = "data/archive"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}

	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Alpaca.DataURL == "" {
		cfg.Alpaca.DataURL = "https://data.alpaca.markets"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Feed.Source == "" {
		cfg.Feed.Source = "simulated"
	}
	if cfg.Feed.Interval <= 0 {
		cfg.Feed.Interval = 3 * time.Second
	}
	if cfg.Feed.Volatility <= 0 {
		cfg.Feed.Volatility = 0.015
	}
	if cfg.Feed.RateLimitPerMin == 0 {
		cfg.Feed.RateLimitPerMin = 200
	}
	if len(cfg.Feed.SeedPrices) == 0 && cfg.Feed.Source == "simulated" {
		cfg.Feed.SeedPrices = DefaultSeedPrices()
	}
	if len(cfg.Feed.SeedPrices) > 0 {
		seeds := make(map[string]decimal.Decimal, len(cfg.Feed.SeedPrices))
		for sym, p := range cfg.Feed.SeedPrices {
			seeds[strings.ToUpper(strings.TrimSpace(sym))] = p
		}
		cfg.Feed.SeedPrices = seeds
	}
	if len(cfg.Feed.Symbols) == 0 {
		for sym := range cfg.Feed.SeedPrices {
			cfg.Feed.Symbols = append(cfg.Feed.Symbols, sym)
		}
	}
	for i, sym := range cfg.Feed.Symbols {
		cfg.Feed.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}

	if cfg.Trading.StartingBalance.IsZero() {
		cfg.Trading.StartingBalance = decimal.NewFromInt(1_000_000)
	}
	if cfg.Trading.MarketCalendar == "" {
		cfg.Trading.MarketCalendar = "local"
	}
	if cfg.Trading.Timezone == "" {
		cfg.Trading.Timezone = "Asia/Kolkata"
	}
	if cfg.Trading.Open == "" {
		cfg.Trading.Open = "09:15"
	}
	if cfg.Trading.Close == "" {
		cfg.Trading.Close = "15:30"
	}
}

// Validate reports configuration values that cannot be served.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, errors.New("storage.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Feed.Source {
	case "simulated":
		if len(c.Feed.SeedPrices) == 0 {
			errs = append(errs, errors.New("feed.seed_prices is required for the simulated feed"))
		}
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca.api_key and alpaca.api_secret are required for the alpaca feed"))
		}
		if len(c.Feed.Symbols) == 0 {
			errs = append(errs, errors.New("feed.symbols is required for the alpaca feed"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown feed.source %q", c.Feed.Source))
	}

	switch c.Trading.MarketCalendar {
	case "local":
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("alpaca credentials are required for the alpaca market calendar"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown trading.market_calendar %q", c.Trading.MarketCalendar))
	}

	if c.Trading.MaxOrderQuantity < 0 || c.Trading.MaxOrderNotional.IsNegative() {
		errs = append(errs, errors.New("trading order limits must not be negative"))
	}
	if c.Trading.StartingBalance.IsNegative() {
		errs = append(errs, errors.New("trading.starting_balance must not be negative"))
	}
	return errors.Join(errs...)
}
