package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Alias1177/backtester/internal/marketdata"
	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/trading/backtest"
	"github.com/Alias1177/backtester/internal/trading/fees"
	"github.com/Alias1177/backtester/internal/trading/pipeline"
	"github.com/Alias1177/backtester/internal/trading/risk"
	"github.com/Alias1177/backtester/internal/trading/signal"
	"github.com/Alias1177/backtester/internal/trading/walkforward"
)

// Config holds all application configuration
type Config struct {
	Symbols     []string          `yaml:"symbols"`
	Interval    string            `yaml:"interval"`
	Start       string            `yaml:"start"` // YYYY-MM-DD, optional
	End         string            `yaml:"end"`
	Bars        int               `yaml:"bars"`
	LogLevel    string            `yaml:"log_level"`
	MetricsAddr string            `yaml:"metrics_addr"`
	Data        DataConfig        `yaml:"data"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	WalkForward WalkForwardConfig `yaml:"walkforward"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Telegram    TelegramConfig    `yaml:"telegram"`
}

// DataConfig selects the market data provider.
type DataConfig struct {
	Provider       string `yaml:"provider"` // twelvedata or csv
	CSVPath        string `yaml:"csv_path"`
	TwelveAPIKey   string `yaml:"twelve_api_key"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds
	RequestsPerSec int    `yaml:"requests_per_sec"`
}

// BacktestConfig is the ledger and pipeline part of a run.
type BacktestConfig struct {
	InitCash       float64      `yaml:"init_cash"`
	SignalLag      int          `yaml:"signal_lag"`
	PeriodsPerYear float64      `yaml:"periods_per_year"`
	Direction      string       `yaml:"direction"`
	Primary        string       `yaml:"primary"` // entry or exit
	Fees           FeesConfig   `yaml:"fees"`
	Sizing         SizingConfig `yaml:"sizing"`
}

// FeesConfig names a preset or spells a model out. An explicit Kind wins.
type FeesConfig struct {
	Preset       string  `yaml:"preset"`
	Kind         string  `yaml:"kind"`
	Proportional float64 `yaml:"proportional"`
	Fixed        float64 `yaml:"fixed"`
	Slippage     float64 `yaml:"slippage"`
}

type SizingConfig struct {
	Kind        string  `yaml:"kind"`
	Value       float64 `yaml:"value"`
	MinSize     float64 `yaml:"min_size"`
	Granularity float64 `yaml:"granularity"`
}

type StrategyConfig struct {
	Name   string             `yaml:"name"`
	Params map[string]float64 `yaml:"params"`
}

// WalkForwardConfig is the optimizer geometry plus the parameter grid.
type WalkForwardConfig struct {
	Train              int           `yaml:"train"`
	Test               int           `yaml:"test"`
	Step               int           `yaml:"step"`
	AllowOverlap       bool          `yaml:"allow_overlap"`
	Workers            int           `yaml:"workers"`
	UnitTimeout        time.Duration `yaml:"unit_timeout"`
	StabilityThreshold float64       `yaml:"stability_threshold"`
	Grid               []AxisConfig  `yaml:"grid"`
}

// AxisConfig lists Values or spans From..To by Step.
type AxisConfig struct {
	Name   string    `yaml:"name"`
	From   float64   `yaml:"from"`
	To     float64   `yaml:"to"`
	Step   float64   `yaml:"step"`
	Values []float64 `yaml:"values"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DatabaseConfig holds PostgreSQL connection parameters for result storage.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// Default mirrors the walk-forward study the tool was built for: two years
// of daily bars to train, a quarter to test, EMA crossover grid.
func Default() Config {
	return Config{
		Symbols:  []string{"NIFTYBEES"},
		Interval: "1day",
		LogLevel: "info",
		Data: DataConfig{
			Provider:       "twelvedata",
			RequestTimeout: 30,
			RequestsPerSec: 5,
		},
		Backtest: BacktestConfig{
			InitCash:  100000,
			SignalLag: 1,
			Direction: "longonly",
			Primary:   "exit",
			Fees:      FeesConfig{Preset: "delivery"},
			Sizing:    SizingConfig{Kind: "percent", Value: 0.75, MinSize: 1, Granularity: 1},
		},
		Strategy: StrategyConfig{Name: "ema_cross"},
		WalkForward: WalkForwardConfig{
			Train: 504,
			Test:  63,
			Step:  63,
			// rolling study: consecutive training windows share bars
			AllowOverlap: true,
			Grid: []AxisConfig{
				{Name: "fast", From: 5, To: 24, Step: 1},
				{Name: "slow", From: 20, To: 49, Step: 1},
			},
		},
		Redis: RedisConfig{TTL: 12 * time.Hour},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			SSLMode: "disable",
		},
	}
}

// Load reads .env, then the YAML file at path (optional), then applies
// environment overrides. Callers apply their own overrides and then call
// Validate.
func Load(path string) (*Config, error) {
	// Load environment variables from .env file if present
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return &cfg, nil
}

// Decode reads YAML into cfg, rejecting unknown keys. An empty document
// leaves cfg untouched.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if symbols := getEnvWithDefault("SYMBOL", ""); symbols != "" {
		c.Symbols = splitList(symbols)
	}
	c.Interval = getEnvWithDefault("INTERVAL", c.Interval)
	c.LogLevel = getEnvWithDefault("LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = getEnvWithDefault("METRICS_ADDR", c.MetricsAddr)

	c.Data.Provider = getEnvWithDefault("DATA_PROVIDER", c.Data.Provider)
	c.Data.CSVPath = getEnvWithDefault("CSV_PATH", c.Data.CSVPath)
	c.Data.TwelveAPIKey = getEnvWithDefault("TWELVE_API_KEY", c.Data.TwelveAPIKey)
	c.Data.RequestTimeout = getEnvIntWithDefault("REQUEST_TIMEOUT", c.Data.RequestTimeout)

	c.Backtest.InitCash = getEnvFloatWithDefault("INIT_CASH", c.Backtest.InitCash)
	c.Backtest.SignalLag = getEnvIntWithDefault("SIGNAL_LAG", c.Backtest.SignalLag)
	c.Backtest.Fees.Preset = getEnvWithDefault("FEES_PRESET", c.Backtest.Fees.Preset)
	c.WalkForward.Workers = getEnvIntWithDefault("WORKERS", c.WalkForward.Workers)
	c.WalkForward.AllowOverlap = getEnvBoolWithDefault("ALLOW_OVERLAP", c.WalkForward.AllowOverlap)

	c.Redis.Addr = getEnvWithDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvWithDefault("REDIS_PASSWORD", c.Redis.Password)

	c.Database.Enabled = getEnvBoolWithDefault("DB_ENABLED", c.Database.Enabled)
	c.Database.Host = getEnvWithDefault("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvWithDefault("DB_PORT", c.Database.Port)
	c.Database.User = getEnvWithDefault("DB_USER", c.Database.User)
	c.Database.Password = getEnvWithDefault("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnvWithDefault("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnvWithDefault("DB_SSLMODE", c.Database.SSLMode)

	c.Telegram.Token = getEnvWithDefault("TELEGRAM_BOT_TOKEN", c.Telegram.Token)
	c.Telegram.ChatID = int64(getEnvIntWithDefault("TELEGRAM_CHAT_ID", int(c.Telegram.ChatID)))
}

// Validate checks every section and returns a *model.ConfigError naming
// the first bad field.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return model.NewConfigError("symbols", "at least one symbol is required")
	}
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			return model.NewConfigError("symbols", "empty symbol")
		}
	}
	if c.Interval == "" {
		return model.NewConfigError("interval", "must not be empty")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return model.NewConfigError("log_level", "%v", err)
	}
	if _, err := c.Request(); err != nil {
		return err
	}

	switch c.Data.Provider {
	case "csv":
		if c.Data.CSVPath == "" {
			return model.NewConfigError("data.csv_path", "required for the csv provider")
		}
	case "twelvedata":
		if c.Data.TwelveAPIKey == "" {
			return model.NewConfigError("data.twelve_api_key", "required for the twelvedata provider (or set TWELVE_API_KEY)")
		}
	default:
		return model.NewConfigError("data.provider", "unknown provider %q", c.Data.Provider)
	}

	ledger, err := c.Ledger()
	if err != nil {
		return err
	}
	if err := ledger.Validate(); err != nil {
		return err
	}
	if err := ledger.Sizing.Validate(); err != nil {
		return err
	}
	if _, err := c.PipelineOptions(); err != nil {
		return err
	}
	if c.Strategy.Name == "" {
		return model.NewConfigError("strategy.name", "must not be empty")
	}

	wf := c.WalkForward
	if _, err := walkforward.BuildWindows(wf.Train+wf.Test, wf.Train, wf.Test, wf.Step, wf.AllowOverlap); err != nil {
		return err
	}
	if _, err := c.Grid(); err != nil {
		return err
	}

	if c.Database.Enabled && (c.Database.Host == "" || c.Database.DBName == "") {
		return model.NewConfigError("database", "host and dbname are required when enabled")
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return model.NewConfigError("telegram.chat_id", "required when a bot token is set")
	}
	return nil
}

// Request is the market data request for symbol.
func (c *Config) Request() (marketdata.Request, error) {
	req := marketdata.Request{Interval: c.Interval, Bars: c.Bars}
	if len(c.Symbols) > 0 {
		req.Symbol = c.Symbols[0]
	}
	var err error
	if c.Start != "" {
		if req.Start, err = time.Parse(time.DateOnly, c.Start); err != nil {
			return req, model.NewConfigError("start", "want YYYY-MM-DD, got %q", c.Start)
		}
	}
	if c.End != "" {
		if req.End, err = time.Parse(time.DateOnly, c.End); err != nil {
			return req, model.NewConfigError("end", "want YYYY-MM-DD, got %q", c.End)
		}
	}
	if c.Bars < 0 {
		return req, model.NewConfigError("bars", "must be >= 0, got %d", c.Bars)
	}
	return req, nil
}

// FeeModel resolves the fees section.
func (c *Config) FeeModel() (fees.Model, error) {
	f := c.Backtest.Fees
	if f.Kind == "" {
		if f.Preset == "" {
			return fees.Zero(), nil
		}
		return fees.Preset(f.Preset)
	}
	kind, err := fees.ParseKind(f.Kind)
	if err != nil {
		return fees.Model{}, err
	}
	m := fees.Model{Kind: kind, Proportional: f.Proportional, Fixed: f.Fixed, Slippage: f.Slippage}
	return m, m.Validate()
}

// Ledger builds the engine configuration.
func (c *Config) Ledger() (backtest.Config, error) {
	fm, err := c.FeeModel()
	if err != nil {
		return backtest.Config{}, err
	}
	kind, err := model.ParseSizeKind(c.Backtest.Sizing.Kind)
	if err != nil {
		return backtest.Config{}, err
	}
	direction, err := model.ParseDirection(c.Backtest.Direction)
	if err != nil {
		return backtest.Config{}, err
	}
	return backtest.Config{
		InitCash:  c.Backtest.InitCash,
		Fees:      fm,
		Direction: direction,
		Sizing: risk.Sizing{
			Kind:        kind,
			Value:       c.Backtest.Sizing.Value,
			MinSize:     c.Backtest.Sizing.MinSize,
			Granularity: c.Backtest.Sizing.Granularity,
		},
	}, nil
}

// PipelineOptions builds the pipeline settings.
func (c *Config) PipelineOptions() (pipeline.Options, error) {
	opts := pipeline.Options{Lag: c.Backtest.SignalLag, PeriodsPerYear: c.Backtest.PeriodsPerYear}
	switch strings.ToLower(c.Backtest.Primary) {
	case "", "exit":
		opts.Primary = signal.Exit
	case "entry":
		opts.Primary = signal.Entry
	default:
		return opts, model.NewConfigError("backtest.primary", "want entry or exit, got %q", c.Backtest.Primary)
	}
	if opts.Lag < 1 {
		return opts, model.NewConfigError("signal_lag", "must be at least 1 bar, got %d", opts.Lag)
	}
	return opts, nil
}

// Optimizer builds the walk-forward settings.
func (c *Config) Optimizer() walkforward.Config {
	wf := c.WalkForward
	return walkforward.Config{
		Train:              wf.Train,
		Test:               wf.Test,
		Step:               wf.Step,
		AllowOverlap:       wf.AllowOverlap,
		Workers:            wf.Workers,
		UnitTimeout:        wf.UnitTimeout,
		StabilityThreshold: wf.StabilityThreshold,
	}
}

// Grid builds the walk-forward parameter grid.
func (c *Config) Grid() (walkforward.Grid, error) {
	var g walkforward.Grid
	for _, a := range c.WalkForward.Grid {
		if len(a.Values) > 0 {
			g.Axes = append(g.Axes, walkforward.Axis{Name: a.Name, Values: a.Values})
			continue
		}
		axis, err := walkforward.Range(a.Name, a.From, a.To, a.Step)
		if err != nil {
			return g, err
		}
		g.Axes = append(g.Axes, axis)
	}
	if len(g.Axes) == 0 {
		return g, model.NewConfigError("walkforward.grid", "no parameter axes")
	}
	return g, nil
}

// DSN is the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
