package walkforward

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/backtester/internal/analysis/market"
	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/strategy"
)

// DefaultStabilityThreshold is the largest standard deviation of a chosen
// parameter across windows that still counts as stable.
const DefaultStabilityThreshold = 5.0

// Evaluator scores one parameter set on one slice of history. It must not
// keep state between calls; the optimizer calls it from many goroutines.
type Evaluator interface {
	Evaluate(ctx context.Context, s model.Series, p strategy.Params) (model.Summary, error)
}

// Config controls window geometry and the worker pool.
type Config struct {
	Train        int           `yaml:"train"`
	Test         int           `yaml:"test"`
	Step         int           `yaml:"step"`
	AllowOverlap bool          `yaml:"allow_overlap"`
	Workers      int           `yaml:"workers"`
	UnitTimeout  time.Duration `yaml:"unit_timeout"`
	// StabilityThreshold defaults to DefaultStabilityThreshold.
	StabilityThreshold float64 `yaml:"stability_threshold"`
}

// Optimizer runs the walk-forward loop for one strategy and grid.
type Optimizer struct {
	cfg      Config
	eval     Evaluator
	strategy string
	points   []strategy.Params
	metrics  *Metrics
	logger   zerolog.Logger
	failures zerolog.Logger
}

// Option customises an Optimizer.
type Option func(*Optimizer)

// WithMetrics reports unit and window counts to m.
func WithMetrics(m *Metrics) Option {
	return func(o *Optimizer) { o.metrics = m }
}

// NewOptimizer validates cfg and prepares an optimizer over points, which
// are tried in order; ties in the in-sample score go to the earlier point.
func NewOptimizer(cfg Config, eval Evaluator, strategyName string, points []strategy.Params, opts ...Option) (*Optimizer, error) {
	if eval == nil {
		return nil, errors.New("walkforward: nil evaluator")
	}
	if len(points) == 0 {
		return nil, model.NewConfigError("walkforward.grid", "no parameter combinations to evaluate")
	}
	if _, err := BuildWindows(cfg.Train+cfg.Test, cfg.Train, cfg.Test, cfg.Step, cfg.AllowOverlap); err != nil {
		return nil, err
	}
	if cfg.UnitTimeout < 0 {
		return nil, model.NewConfigError("walkforward.unit_timeout", "must be >= 0, got %s", cfg.UnitTimeout)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = DefaultStabilityThreshold
	}

	logger := log.With().Str("component", "walkforward").Str("strategy", strategyName).Logger()
	o := &Optimizer{
		cfg:      cfg,
		eval:     eval,
		strategy: strategyName,
		points:   points,
		logger:   logger,
		failures: logger.Sample(&zerolog.BurstSampler{Burst: 10, Period: time.Second}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type unit struct {
	index  int
	window int
	point  int
	phase  string
	slice  model.Series
}

type unitResult struct {
	unit
	summary model.Summary
	outcome string
	err     error
}

// Run evaluates every grid point on each window's training slice, picks
// the point with the best finite in-sample Sharpe ratio and evaluates it
// once on the window's test slice. Test bars never reach the selection.
//
// Cancelling ctx stops dispatching new units; the report then holds what
// finished and is flagged Partial.
func (o *Optimizer) Run(ctx context.Context, s model.Series) (*model.Report, error) {
	windows, err := BuildWindows(s.Len(), o.cfg.Train, o.cfg.Test, o.cfg.Step, o.cfg.AllowOverlap)
	if err != nil {
		return nil, err
	}

	report := &model.Report{
		RunID:     uuid.New(),
		Symbol:    s.Symbol,
		Strategy:  o.strategy,
		CreatedAt: time.Now().UTC(),
	}
	logger := o.logger.With().Str("run_id", report.RunID.String()).Logger()
	logger.Info().
		Int("bars", s.Len()).
		Int("windows", len(windows)).
		Int("grid", len(o.points)).
		Int("workers", o.cfg.Workers).
		Msg("Walk-forward started")

	rows := make([]model.WindowResult, len(windows))
	for i, w := range windows {
		rows[i] = model.WindowResult{
			Window:    w,
			TrainFrom: s.Bars[w.TrainStart].Time,
			TrainTo:   s.Bars[w.TrainEnd-1].Time,
			TestFrom:  s.Bars[w.TestStart].Time,
			TestTo:    s.Bars[w.TestEnd-1].Time,
		}
		// reporting only, selection never sees it
		rows[i].Regime = market.ClassifyRegime(s.Slice(w.TestStart, w.TestEnd)).Type
	}

	// in-sample phase
	units := make([]unit, 0, len(windows)*len(o.points))
	for _, w := range windows {
		train := s.Slice(w.TrainStart, w.TrainEnd)
		for p := range o.points {
			units = append(units, unit{index: len(units), window: w.Index, point: p, phase: phaseInSample, slice: train})
		}
	}
	inSample := o.runUnits(ctx, units)
	o.tally(report, inSample)

	best := make([]int, len(windows))
	for i := range best {
		best[i] = -1
	}
	for _, r := range inSample {
		if r.outcome != outcomeOK {
			continue
		}
		row := &rows[r.window]
		row.Evaluated++
		sharpe := r.summary.SharpeRatio
		if math.IsNaN(sharpe) || math.IsInf(sharpe, 0) {
			continue
		}
		if best[r.window] < 0 || sharpe > row.InSample.SharpeRatio {
			best[r.window] = r.point
			row.InSample = r.summary
		}
	}

	// out-of-sample phase, one unit per window that found a winner
	units = units[:0]
	for i, w := range windows {
		row := &rows[i]
		if best[i] < 0 {
			row.Skipped = true
			row.SkipReason = model.ErrOptimizationDegenerate.Error()
			if row.Evaluated < len(o.points) && ctx.Err() != nil {
				row.SkipReason = "cancelled before a finite score was found"
			}
			logger.Warn().
				Int("window", w.Index).
				Int("evaluated", row.Evaluated).
				Str("reason", row.SkipReason).
				Msg("Skipping walk-forward window")
			continue
		}
		row.Params = o.points[best[i]].Merge(nil)
		units = append(units, unit{index: len(units), window: i, point: best[i], phase: phaseOutOfSample, slice: s.Slice(w.TestStart, w.TestEnd)})
	}
	outOfSample := o.runUnits(ctx, units)
	o.tally(report, outOfSample)

	for _, r := range outOfSample {
		row := &rows[r.window]
		if r.outcome != outcomeOK {
			row.Skipped = true
			row.SkipReason = fmt.Sprintf("out-of-sample run %s: %v", r.outcome, r.err)
			continue
		}
		row.OutOfSample = r.summary
	}

	for _, row := range rows {
		if row.Skipped {
			report.SkippedWindows++
			o.metrics.observeWindow("skipped")
		} else {
			o.metrics.observeWindow("accepted")
		}
	}
	report.Windows = rows
	report.Partial = report.CancelledUnits > 0
	aggregate(report, o.cfg.StabilityThreshold)

	event := logger.Info()
	if report.Partial {
		event = logger.Warn()
	}
	event.
		Int("accepted", len(windows)-report.SkippedWindows).
		Int("skipped", report.SkippedWindows).
		Int("cancelled_units", report.CancelledUnits).
		Int("failed_units", report.FailedUnits).
		Float64("efficiency", report.Efficiency).
		Float64("oos_win_rate", report.OOSWinRate).
		Bool("partial", report.Partial).
		Msg("Walk-forward finished")
	return report, nil
}

// runUnits fans units out to the worker pool and collects the results over
// a channel. Units never dispatched because ctx ended come back cancelled.
func (o *Optimizer) runUnits(ctx context.Context, units []unit) []unitResult {
	results := make([]unitResult, len(units))
	if len(units) == 0 {
		return results
	}

	jobs := make(chan unit)
	out := make(chan unitResult)
	workers := min(o.cfg.Workers, len(units))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				out <- o.runUnit(ctx, u)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, u := range units {
			select {
			case <-ctx.Done():
				return
			case jobs <- u:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	done := make([]bool, len(units))
	for r := range out {
		results[r.index] = r
		done[r.index] = true
	}
	for i, u := range units {
		if !done[i] {
			results[i] = unitResult{unit: u, outcome: outcomeCancelled, err: ctx.Err()}
			o.metrics.observeUnit(u.phase, outcomeCancelled, 0)
		}
	}
	return results
}

func (o *Optimizer) runUnit(ctx context.Context, u unit) unitResult {
	uctx := ctx
	if o.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(ctx, o.cfg.UnitTimeout)
		defer cancel()
	}

	start := time.Now()
	summary, err := o.eval.Evaluate(uctx, u.slice, o.points[u.point])
	res := unitResult{unit: u, summary: summary, outcome: outcomeOK, err: err}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.outcome = outcomeCancelled
	default:
		res.outcome = outcomeFailed
		o.failures.Error().
			Err(err).
			Str("phase", u.phase).
			Int("window", u.window).
			Str("params", o.points[u.point].Key()).
			Msg("Walk-forward unit failed")
	}
	o.metrics.observeUnit(u.phase, res.outcome, time.Since(start))
	return res
}

func (o *Optimizer) tally(report *model.Report, results []unitResult) {
	for _, r := range results {
		switch r.outcome {
		case outcomeOK:
			report.CompletedUnits++
		case outcomeFailed:
			report.FailedUnits++
		default:
			report.CancelledUnits++
		}
	}
}

// aggregate fills the summary fields of report from its accepted windows.
func aggregate(report *model.Report, threshold float64) {
	accepted := report.Accepted()
	if len(accepted) == 0 {
		return
	}

	var isSum, oosSum float64
	wins := 0
	values := make(map[string][]float64)
	regimeSum := make(map[string]float64)
	regimeCount := make(map[string]int)
	for _, w := range accepted {
		isSum += w.InSample.TotalReturn
		oosSum += w.OutOfSample.TotalReturn
		if w.OutOfSample.TotalReturn > 0 {
			wins++
		}
		for k, v := range w.Params {
			values[k] = append(values[k], v)
		}
		regimeSum[string(w.Regime)] += w.OutOfSample.TotalReturn
		regimeCount[string(w.Regime)]++
	}
	n := float64(len(accepted))
	report.AvgISReturn = isSum / n
	report.AvgOOSReturn = oosSum / n
	report.OOSWinRate = float64(wins) / n
	report.Efficiency = Efficiency(report.AvgOOSReturn, report.AvgISReturn)
	report.RegimeReturns = make(map[string]float64, len(regimeSum))
	for k, sum := range regimeSum {
		report.RegimeReturns[k] = sum / float64(regimeCount[k])
	}

	report.ParamStdDev = make(map[string]float64, len(values))
	report.ParamMin = make(map[string]float64, len(values))
	report.ParamMax = make(map[string]float64, len(values))
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	stable := true
	for _, k := range names {
		vs := values[k]
		sd := sampleStdDev(vs)
		report.ParamStdDev[k] = sd
		lo, hi := vs[0], vs[0]
		for _, v := range vs[1:] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		report.ParamMin[k] = lo
		report.ParamMax[k] = hi
		if !(sd < threshold) {
			stable = false
		}
	}
	report.ParamsStable = stable
}

// Efficiency is the walk-forward efficiency: mean out-of-sample return over
// mean in-sample return, 0 when the in-sample mean is 0.
func Efficiency(avgOOS, avgIS float64) float64 {
	if avgIS == 0 {
		return 0
	}
	return avgOOS / avgIS
}

// sampleStdDev is NaN below two values.
func sampleStdDev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(values)-1))
}
