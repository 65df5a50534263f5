package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"fundledger/internal/domain/model"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DBConfig struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	Name     string `toml:"name" yaml:"name"`
	User     string `toml:"user" yaml:"user"`
	Password string `toml:"password" yaml:"password"`
	SSLMode  string `toml:"sslmode" yaml:"sslmode"`
	MinConns int    `toml:"min_conns" yaml:"min_conns"`
	MaxConns int    `toml:"max_conns" yaml:"max_conns"`
	// DSN overrides the discrete fields when set.
	DSN string `toml:"dsn" yaml:"dsn"`
}

type FundEntry struct {
	Code      string `toml:"code" yaml:"code"`
	Name      string `toml:"name" yaml:"name"`
	Type      string `toml:"type" yaml:"type"`
	RiskLevel string `toml:"risk_level" yaml:"risk_level"`
}

type QuoteEntry struct {
	Code      string `toml:"code" yaml:"code"`
	Price     string `toml:"price" yaml:"price"`
	PrevPrice string `toml:"prev_price" yaml:"prev_price"`
}

type Config struct {
	App struct {
		Currency      string `toml:"currency" yaml:"currency"`
		PrintEveryMin int    `toml:"print_every_min" yaml:"print_every_min"`
	} `toml:"app" yaml:"app"`

	Ledger struct {
		BuyFeeRate     string `toml:"buy_fee_rate" yaml:"buy_fee_rate"`
		SellFeeRate    string `toml:"sell_fee_rate" yaml:"sell_fee_rate"`
		MaxAttempts    int    `toml:"max_attempts" yaml:"max_attempts"`
		QuoteTimeoutMs int    `toml:"quote_timeout_ms" yaml:"quote_timeout_ms"`
		MaxQuoteAgeMin int    `toml:"max_quote_age_min" yaml:"max_quote_age_min"`
	} `toml:"ledger" yaml:"ledger"`

	Log struct {
		Level      string `toml:"level" yaml:"level"`
		File       string `toml:"file" yaml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
		Compress   bool   `toml:"compress" yaml:"compress"`
	} `toml:"log" yaml:"log"`

	Storage struct {
		Driver string `toml:"driver" yaml:"driver"`
		SQLite struct {
			Path string `toml:"path" yaml:"path"`
		} `toml:"sqlite" yaml:"sqlite"`
		Postgres DBConfig `toml:"postgres" yaml:"postgres"`
	} `toml:"storage" yaml:"storage"`

	Redis struct {
		Enabled      bool   `toml:"enabled" yaml:"enabled"`
		Addr         string `toml:"addr" yaml:"addr"`
		Password     string `toml:"password" yaml:"password"`
		DB           int    `toml:"db" yaml:"db"`
		Prefix       string `toml:"prefix" yaml:"prefix"`
		TTLSeconds   int    `toml:"ttl_seconds" yaml:"ttl_seconds"`
		EventStream  string `toml:"event_stream" yaml:"event_stream"`
		EventChannel string `toml:"event_channel" yaml:"event_channel"`
		// QuoteBook serves quotes from redis instead of process memory.
		QuoteBook bool `toml:"quote_book" yaml:"quote_book"`
	} `toml:"redis" yaml:"redis"`

	PriceFeed struct {
		Enabled         bool     `toml:"enabled" yaml:"enabled"`
		Source          string   `toml:"source" yaml:"source"`
		WsURL           string   `toml:"ws_url" yaml:"ws_url"`
		Funds           []string `toml:"funds" yaml:"funds"`
		PingIntervalSec int      `toml:"ping_interval_sec" yaml:"ping_interval_sec"`
	} `toml:"pricefeed" yaml:"pricefeed"`

	Catalog struct {
		Funds []FundEntry `toml:"funds" yaml:"funds"`
	} `toml:"catalog" yaml:"catalog"`

	Quotes []QuoteEntry `toml:"quotes" yaml:"quotes"`
}

// Load 读取配置文件：.yaml/.yml 用 yaml，其余按 toml 解析。${VAR} 会被环境变量替换。
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied, for runs without a file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.App.Currency == "" {
		cfg.App.Currency = "CNY"
	}
	if cfg.App.PrintEveryMin <= 0 {
		cfg.App.PrintEveryMin = 5
	}
	if cfg.Ledger.BuyFeeRate == "" {
		cfg.Ledger.BuyFeeRate = "0.0015"
	}
	if cfg.Ledger.SellFeeRate == "" {
		cfg.Ledger.SellFeeRate = "0.005"
	}
	if cfg.Ledger.MaxAttempts <= 0 {
		cfg.Ledger.MaxAttempts = 3
	}
	if cfg.Ledger.QuoteTimeoutMs <= 0 {
		cfg.Ledger.QuoteTimeoutMs = 3000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 7
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 30
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "fundledger.db"
	}
	pg := &cfg.Storage.Postgres
	if pg.Host == "" {
		pg.Host = "localhost"
	}
	if pg.Port == 0 {
		pg.Port = 5432
	}
	if pg.MinConns <= 0 {
		pg.MinConns = 1
	}
	if pg.MaxConns <= 0 {
		pg.MaxConns = 10
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "fundledger"
	}
	if cfg.PriceFeed.Source == "" {
		cfg.PriceFeed.Source = "nav_ws"
	}
	if cfg.PriceFeed.PingIntervalSec <= 0 {
		cfg.PriceFeed.PingIntervalSec = 20
	}
}

func validate(cfg *Config) error {
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch cfg.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		pg := cfg.Storage.Postgres
		if pg.DSN == "" && (pg.Name == "" || pg.User == "") {
			return errors.New("storage.postgres needs dsn or name and user")
		}
		if pg.MinConns > pg.MaxConns {
			return fmt.Errorf("storage.postgres.min_conns %d exceeds max_conns %d", pg.MinConns, pg.MaxConns)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}

	if _, err := cfg.FeeSchedule(); err != nil {
		return err
	}

	for i := range cfg.Catalog.Funds {
		f := &cfg.Catalog.Funds[i]
		f.Code = normalizeCode(f.Code)
		if f.Code == "" {
			return fmt.Errorf("catalog.funds[%d].code is empty", i)
		}
	}
	for i := range cfg.Quotes {
		q := &cfg.Quotes[i]
		q.Code = normalizeCode(q.Code)
		if q.Code == "" {
			return fmt.Errorf("quotes[%d].code is empty", i)
		}
		p, err := decimal.NewFromString(q.Price)
		if err != nil || !p.IsPositive() {
			return fmt.Errorf("quotes[%d].price %q must be a positive decimal", i, q.Price)
		}
		if q.PrevPrice != "" {
			if _, err := decimal.NewFromString(q.PrevPrice); err != nil {
				return fmt.Errorf("quotes[%d].prev_price %q: %w", i, q.PrevPrice, err)
			}
		}
	}

	cfg.PriceFeed.Funds = normalizeCodes(cfg.PriceFeed.Funds)
	if cfg.PriceFeed.Enabled {
		if strings.TrimSpace(cfg.PriceFeed.WsURL) == "" {
			return errors.New("pricefeed.ws_url empty but enabled")
		}
		if len(cfg.PriceFeed.Funds) == 0 {
			return errors.New("pricefeed.funds is empty")
		}
	}
	if cfg.Redis.QuoteBook && !cfg.Redis.Enabled {
		return errors.New("redis.quote_book requires redis.enabled")
	}
	return nil
}

// FeeSchedule parses the configured fee rates.
func (c *Config) FeeSchedule() (model.FeeSchedule, error) {
	buy, err := parseRate("ledger.buy_fee_rate", c.Ledger.BuyFeeRate)
	if err != nil {
		return model.FeeSchedule{}, err
	}
	sell, err := parseRate("ledger.sell_fee_rate", c.Ledger.SellFeeRate)
	if err != nil {
		return model.FeeSchedule{}, err
	}
	return model.FeeSchedule{BuyRate: buy, SellRate: sell}, nil
}

func (c *Config) QuoteTimeout() time.Duration {
	return time.Duration(c.Ledger.QuoteTimeoutMs) * time.Millisecond
}

// MaxQuoteAge returns 0 when the staleness check is disabled.
func (c *Config) MaxQuoteAge() time.Duration {
	if c.Ledger.MaxQuoteAgeMin <= 0 {
		return 0
	}
	return time.Duration(c.Ledger.MaxQuoteAgeMin) * time.Minute
}

// Funds returns the catalog entries as domain funds.
func (c *Config) Funds() []model.Fund {
	out := make([]model.Fund, 0, len(c.Catalog.Funds))
	for _, f := range c.Catalog.Funds {
		out = append(out, model.Fund{Code: f.Code, Name: f.Name, Type: f.Type, RiskLevel: f.RiskLevel})
	}
	return out
}

// SeedQuotes returns the configured quotes stamped with asOf.
func (c *Config) SeedQuotes(asOf time.Time) []model.Quote {
	out := make([]model.Quote, 0, len(c.Quotes))
	for _, q := range c.Quotes {
		quote := model.Quote{
			FundCode: q.Code,
			Price:    decimal.RequireFromString(q.Price),
			AsOf:     asOf,
		}
		if q.PrevPrice != "" {
			quote.PrevPrice = decimal.RequireFromString(q.PrevPrice)
		}
		out = append(out, quote)
	}
	return out
}

func parseRate(name, s string) (decimal.Decimal, error) {
	r, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %q: %w", name, s, err)
	}
	if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%s %s must be in [0, 1)", name, r)
	}
	return r, nil
}

func normalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func normalizeCodes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := normalizeCode(s)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
