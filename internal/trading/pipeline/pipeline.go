// Package pipeline chains a strategy, the signal normalizer, the ledger
// engine and the analyzer into one call.
package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/strategy"
	"github.com/Alias1177/backtester/internal/trading/backtest"
	"github.com/Alias1177/backtester/internal/trading/signal"
)

// Options are the pipeline settings that are not part of the ledger
// configuration.
type Options struct {
	// Lag is the number of bars between an indicator value and the first
	// decision allowed to use it.
	Lag int
	// PeriodsPerYear annualises Sharpe and Sortino; 0 infers it from the bars.
	PeriodsPerYear float64
	// Primary wins when an entry and an exit candidate fall on the same bar.
	Primary signal.Side
}

// Outcome is everything one pipeline run produced.
type Outcome struct {
	Result  *backtest.Result
	Summary model.Summary
	Events  signal.Events
	Params  strategy.Params
}

// Runner executes strategies against one ledger configuration.
type Runner struct {
	cfg    backtest.Config
	opts   Options
	logger zerolog.Logger
}

// NewRunner validates the configuration up front so that no run can fail on
// it later.
func NewRunner(cfg backtest.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Lag < 1 {
		return nil, model.NewConfigError("signal_lag", "must be at least 1 bar, got %d", opts.Lag)
	}
	if opts.PeriodsPerYear < 0 || math.IsNaN(opts.PeriodsPerYear) {
		return nil, model.NewConfigError("periods_per_year", "must be >= 0, got %v", opts.PeriodsPerYear)
	}
	return &Runner{
		cfg:    cfg,
		opts:   opts,
		logger: log.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Config returns the ledger configuration of the runner.
func (r *Runner) Config() backtest.Config {
	return r.cfg
}

// WithConfig returns a runner sharing the options with another ledger
// configuration.
func (r *Runner) WithConfig(cfg backtest.Config) (*Runner, error) {
	return NewRunner(cfg, r.opts)
}

func (r *Runner) env() strategy.Env {
	return strategy.Env{Lag: r.opts.Lag, InitCash: r.cfg.InitCash}
}

// RunSignals runs a single-instrument strategy over s. Candidates are
// normalized into alternating events unless the strategy accumulates, in
// which case the engine sees them raw.
func (r *Runner) RunSignals(ctx context.Context, s model.Series, strat strategy.Signaler, p strategy.Params) (*Outcome, error) {
	params := p.Merge(strat.Defaults())
	sig, err := strat.Signals(s, params, r.env())
	if err != nil {
		return nil, fmt.Errorf("%s signals: %w", strat.Name(), err)
	}

	cfg := r.cfg
	var events signal.Events
	if sig.Accumulate {
		cfg.Accumulate = true
		events = signal.Events{Entries: sig.Entries, Exits: sig.Exits}
	} else {
		events, err = signal.Normalize(sig.Entries, sig.Exits, r.opts.Primary)
		if err != nil {
			return nil, fmt.Errorf("normalize %s signals: %w", strat.Name(), err)
		}
	}
	if sig.Sizes != nil {
		cfg.Sizing.Kind = sig.SizeKind
	}

	engine, err := backtest.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	res, err := engine.FromSignals(ctx, s, backtest.SignalInput{
		Entries: events.Entries,
		Exits:   events.Exits,
		Sizes:   sig.Sizes,
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Result:  res,
		Summary: backtest.Analyze(res, r.opts.PeriodsPerYear),
		Events:  events,
		Params:  params,
	}, nil
}

// RunAllocation runs a panel strategy over aligned series with shared cash.
func (r *Runner) RunAllocation(ctx context.Context, series []model.Series, alloc strategy.Allocator, p strategy.Params) (*Outcome, error) {
	params := p.Merge(alloc.Defaults())
	panel, err := backtest.NewPanel(alloc.Execution(), series...)
	if err != nil {
		return nil, err
	}
	orders, err := alloc.Orders(panel, params, r.env())
	if err != nil {
		return nil, fmt.Errorf("%s orders: %w", alloc.Name(), err)
	}

	cfg := r.cfg
	cfg.CashSharing = true
	engine, err := backtest.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	res, err := engine.FromOrders(ctx, panel, orders)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().
		Str("strategy", alloc.Name()).
		Int("orders", len(orders)).
		Int("instruments", len(panel.Instruments)).
		Msg("Allocation run finished")
	return &Outcome{
		Result:  res,
		Summary: backtest.Analyze(res, r.opts.PeriodsPerYear),
		Params:  params,
	}, nil
}

// Benchmark buys and holds the series, splitting one cash pool evenly when
// there is more than one.
func (r *Runner) Benchmark(ctx context.Context, series ...model.Series) (*Outcome, error) {
	panel, err := backtest.NewPanel(backtest.ExecClose, series...)
	if err != nil {
		return nil, err
	}
	cfg := r.cfg
	cfg.CashSharing = len(series) > 1
	engine, err := backtest.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	res, err := engine.Hold(ctx, panel)
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: res, Summary: backtest.Analyze(res, r.opts.PeriodsPerYear)}, nil
}

// SignalEvaluator scores parameter sets of one strategy; the walk-forward
// optimizer calls it once per window and grid point.
type SignalEvaluator struct {
	runner *Runner
	strat  strategy.Signaler
}

// Evaluator binds strat to the runner.
func (r *Runner) Evaluator(strat strategy.Signaler) *SignalEvaluator {
	return &SignalEvaluator{runner: r, strat: strat}
}

// Evaluate runs the strategy on s with p and returns the summary.
func (e *SignalEvaluator) Evaluate(ctx context.Context, s model.Series, p strategy.Params) (model.Summary, error) {
	out, err := e.runner.RunSignals(ctx, s, e.strat, p)
	if err != nil {
		return model.Summary{}, err
	}
	return out.Summary, nil
}
