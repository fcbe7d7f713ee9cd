package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"papertrade/internal/rules"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the papertrade server.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration for the command-layer API.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
// Leave the key empty to run on the built-in static quote source.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines simulator market parameters.
type TradingConfig struct {
	Market          string          `yaml:"market"`           // "cn" or "us"
	InitialBalance  decimal.Decimal `yaml:"initial_balance"`  // starting cash per account
	LimitBandPct    decimal.Decimal `yaml:"limit_band_pct"`   // daily band, fraction of prev close
	LotSize         int64           `yaml:"lot_size"`         // order quantity granularity
	CommissionRate  decimal.Decimal `yaml:"commission_rate"`  // fraction of notional
	MinCommission   decimal.Decimal `yaml:"min_commission"`   // per-order commission floor
	StampTaxRate    decimal.Decimal `yaml:"stamp_tax_rate"`   // sells only
	TransferFeeRate decimal.Decimal `yaml:"transfer_fee_rate"`
	MinTransferFee  decimal.Decimal `yaml:"min_transfer_fee"`
}

// FeeSchedule converts the configured rates into the schedule applied by
// the trading engine.
func (t TradingConfig) FeeSchedule() rules.FeeSchedule {
	return rules.FeeSchedule{
		CommissionRate:  t.CommissionRate,
		MinCommission:   t.MinCommission,
		StampTaxRate:    t.StampTaxRate,
		TransferFeeRate: t.TransferFeeRate,
		MinTransferFee:  t.MinTransferFee,
	}
}

// MonitorConfig holds parameters for the background services.
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`          // order-monitor tick period
	MaxWorkers      int           `yaml:"max_workers"`       // concurrent per-symbol fetches
	QuoteTTL        time.Duration `yaml:"quote_ttl"`         // quote cache lifetime
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	MaintenanceAt   time.Duration `yaml:"maintenance_at"` // offset from exchange-local midnight
	OrderTTL        time.Duration `yaml:"order_ttl"`      // pending orders expire after this; 0 keeps them
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when a field is absent from the
// YAML file.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/papertrade.db",
		},
		Server: Server{
			Host: "127.0.0.1",
			Port: 8460,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Trading: TradingConfig{
			Market:         "cn",
			InitialBalance: decimal.NewFromInt(100000),
			LimitBandPct:   decimal.RequireFromString("0.10"),
			LotSize:        1,
		},
		Monitor: MonitorConfig{
			Interval:        30 * time.Second,
			MaxWorkers:      4,
			QuoteTTL:        30 * time.Second,
			RateLimitPerMin: 200,
			MaintenanceAt:   9 * time.Hour,
		},
	}
}

// Load reads the YAML configuration file at the given path, parses it over
// the defaults, applies environment variable overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Trading.Market != "cn" && c.Trading.Market != "us" {
		return fmt.Errorf("trading.market must be cn or us, got %q", c.Trading.Market)
	}
	if c.Trading.InitialBalance.IsNegative() {
		return fmt.Errorf("trading.initial_balance must not be negative")
	}
	if c.Trading.LimitBandPct.IsNegative() {
		return fmt.Errorf("trading.limit_band_pct must not be negative")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Canonical Alpaca env var names take priority over the generic ones.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
