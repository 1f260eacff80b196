package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Alias1177/backtester/internal/analysis/market"
	"github.com/Alias1177/backtester/internal/api/twelvedata"
	"github.com/Alias1177/backtester/internal/config"
	"github.com/Alias1177/backtester/internal/marketdata"
	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/notify"
	"github.com/Alias1177/backtester/internal/strategy"
	"github.com/Alias1177/backtester/internal/trading/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var cfgErr *model.ConfigError
		var dataErr *model.DataError
		switch {
		case errors.As(err, &cfgErr):
			log.Error().Str("field", cfgErr.Field).Msg(cfgErr.Reason)
		case errors.As(err, &dataErr):
			log.Error().Str("field", dataErr.Field).Int("bar", dataErr.Index).Msg(dataErr.Reason)
		default:
			log.Error().Err(err).Msg("Command failed")
		}
		stop()
		os.Exit(1)
	}
}

// app carries the flags shared by every command and the configuration they
// resolve to.
type app struct {
	configPath string
	logLevel   string
	csvPath    string
	symbols    []string
	strategy   string
	params     []string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "backtest",
		Short:         "Bar-by-bar portfolio simulator and walk-forward optimizer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level (debug|info|warn|error), overrides LOG_LEVEL")
	flags.StringVar(&a.csvPath, "csv", "", "Read history from a CSV file or a directory of <symbol>.csv files")
	flags.StringSliceVarP(&a.symbols, "symbol", "s", nil, "Symbols to load, overrides SYMBOL")
	flags.StringVar(&a.strategy, "strategy", "", "Strategy name, overrides the configuration")
	flags.StringArrayVarP(&a.params, "param", "p", nil, "Strategy parameter as name=value, repeatable")

	root.AddCommand(
		newRunCmd(a),
		newCostsCmd(a),
		newWalkForwardCmd(a),
		newRotateCmd(a),
		newHoldCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.csvPath != "" {
		cfg.Data.Provider = "csv"
		cfg.Data.CSVPath = a.csvPath
	}
	if len(a.symbols) > 0 {
		cfg.Symbols = a.symbols
	}
	if a.strategy != "" {
		cfg.Strategy.Name = a.strategy
	}
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// setupLogger writes human-readable lines to a terminal and JSON otherwise.
func setupLogger(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return model.NewConfigError("log_level", "%v", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

// strategyParams merges --param flags over the configured parameters.
func (a *app) strategyParams() (strategy.Params, error) {
	p := make(strategy.Params, len(a.cfg.Strategy.Params)+len(a.params))
	for k, v := range a.cfg.Strategy.Params {
		p[k] = v
	}
	for _, kv := range a.params {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, model.NewConfigError("strategy.params", "want name=value, got %q", kv)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, model.NewConfigError("strategy.params."+name, "not a number: %q", raw)
		}
		p[strings.TrimSpace(name)] = v
	}
	return p, nil
}

func (a *app) runner() (*pipeline.Runner, error) {
	ledger, err := a.cfg.Ledger()
	if err != nil {
		return nil, err
	}
	opts, err := a.cfg.PipelineOptions()
	if err != nil {
		return nil, err
	}
	return pipeline.NewRunner(ledger, opts)
}

// provider builds the configured market data source, behind the Redis
// cache when one is reachable. The returned func releases it.
func (a *app) provider(ctx context.Context) (marketdata.Provider, func(), error) {
	var p marketdata.Provider
	switch a.cfg.Data.Provider {
	case "csv":
		p = marketdata.NewCSVFile(a.cfg.Data.CSVPath)
	case "twelvedata":
		p = twelvedata.NewClient(twelvedata.ClientOptions{
			APIKey:         a.cfg.Data.TwelveAPIKey,
			RequestTimeout: time.Duration(a.cfg.Data.RequestTimeout) * time.Second,
			RequestsPerSec: a.cfg.Data.RequestsPerSec,
		})
	default:
		return nil, nil, model.NewConfigError("data.provider", "unknown provider %q", a.cfg.Data.Provider)
	}

	if a.cfg.Redis.Addr == "" {
		return p, func() {}, nil
	}
	rdb, err := marketdata.NewRedisClient(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, history cache disabled")
		return p, func() {}, nil
	}
	return marketdata.NewCache(rdb, p, a.cfg.Redis.TTL), func() { rdb.Close() }, nil
}

// load fetches every configured symbol.
func (a *app) load(ctx context.Context) ([]model.Series, error) {
	p, release, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := a.cfg.Request()
	if err != nil {
		return nil, err
	}
	series, err := marketdata.Load(ctx, p, req, a.cfg.Symbols...)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	for _, s := range series {
		log.Info().Str("symbol", s.Symbol).Int("bars", s.Len()).Msg("History loaded")
		anomalies := market.DetectAnomalies(s)
		if len(anomalies) == 0 {
			continue
		}
		event := log.Warn().Str("symbol", s.Symbol).Int("anomalies", len(anomalies))
		for kind, n := range market.CountByKind(anomalies) {
			event = event.Int(kind, n)
		}
		event.Time("first", anomalies[0].Time).Msg("History has unusual bars, check the data source")
	}
	return series, nil
}

// notifier is nil when no bot token is configured.
func (a *app) notifier() *notify.Telegram {
	if a.cfg.Telegram.Token == "" {
		return nil
	}
	tg, err := notify.NewTelegram(a.cfg.Telegram.Token, a.cfg.Telegram.ChatID)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram disabled")
		return nil
	}
	return tg
}
