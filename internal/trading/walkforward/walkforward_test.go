package walkforward

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/strategy"
	"github.com/Alias1177/backtester/internal/trading/backtest"
	"github.com/Alias1177/backtester/internal/trading/fees"
	"github.com/Alias1177/backtester/internal/trading/pipeline"
	"github.com/Alias1177/backtester/internal/trading/risk"
	"github.com/Alias1177/backtester/internal/trading/signal"
)

type evalFunc func(ctx context.Context, s model.Series, p strategy.Params) (model.Summary, error)

func (f evalFunc) Evaluate(ctx context.Context, s model.Series, p strategy.Params) (model.Summary, error) {
	return f(ctx, s, p)
}

func series(t *testing.T, closes ...float64) model.Series {
	t.Helper()
	start := time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC)
	bars := make([]model.Bar, len(closes))
	for i, c := range closes {
		bars[i] = model.Bar{Time: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c}
	}
	s, err := model.NewSeries("WF", "1day", bars)
	require.NoError(t, err)
	return s
}

func flat(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func points(values ...float64) []strategy.Params {
	out := make([]strategy.Params, len(values))
	for i, v := range values {
		out[i] = strategy.Params{"fast": v}
	}
	return out
}

func TestBuildWindows_ScenarioD(t *testing.T) {
	windows, err := BuildWindows(20, 10, 5, 5, true)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, model.Window{Index: 0, TrainStart: 0, TrainEnd: 10, TestStart: 10, TestEnd: 15}, windows[0])
	assert.Equal(t, model.Window{Index: 1, TrainStart: 5, TrainEnd: 15, TestStart: 15, TestEnd: 20}, windows[1])

	windows, err = BuildWindows(100, 20, 10, 20, false)
	require.NoError(t, err)
	require.Len(t, windows, 4)
	for _, w := range windows {
		assert.Equal(t, w.TrainEnd, w.TestStart)
		assert.LessOrEqual(t, w.TestEnd, 100)
	}
}

func TestBuildWindows_Errors(t *testing.T) {
	tests := []struct {
		name                 string
		n, train, test, step int
		overlap              bool
		field                string
	}{
		{name: "zero train", n: 20, train: 0, test: 5, step: 5, field: "walkforward.train"},
		{name: "zero test", n: 20, train: 10, test: 0, step: 5, field: "walkforward.test"},
		{name: "zero step", n: 20, train: 10, test: 5, step: 0, overlap: true, field: "walkforward.step"},
		{name: "overlap not allowed", n: 20, train: 10, test: 5, step: 5, field: "walkforward.step"},
		{name: "too short", n: 14, train: 10, test: 5, step: 10, field: "walkforward.train"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildWindows(tt.n, tt.train, tt.test, tt.step, tt.overlap)
			var cfgErr *model.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestGrid_Points(t *testing.T) {
	fast, err := Range("fast", 5, 7, 1)
	require.NoError(t, err)
	slow, err := Range("slow", 6, 8, 2)
	require.NoError(t, err)
	g := Grid{Axes: []Axis{fast, slow}}
	assert.Equal(t, 6, g.Size())

	check := func(p strategy.Params) error {
		if p["fast"] >= p["slow"] {
			return errors.New("fast must be below slow")
		}
		return nil
	}
	got, err := g.Points(strategy.Params{"lag": 1}, check)
	require.NoError(t, err)
	want := []strategy.Params{
		{"fast": 5, "slow": 6, "lag": 1},
		{"fast": 5, "slow": 8, "lag": 1},
		{"fast": 6, "slow": 8, "lag": 1},
		{"fast": 7, "slow": 8, "lag": 1},
	}
	assert.Equal(t, want, got)

	_, err = g.Points(nil, func(strategy.Params) error { return errors.New("never") })
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "walkforward.grid", cfgErr.Field)

	_, err = Grid{Axes: []Axis{fast, fast}}.Points(nil, nil)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "walkforward.grid.fast", cfgErr.Field)

	_, err = Range("slow", 10, 5, 1)
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewOptimizer_Validates(t *testing.T) {
	eval := evalFunc(func(context.Context, model.Series, strategy.Params) (model.Summary, error) {
		return model.Summary{}, nil
	})
	_, err := NewOptimizer(Config{Train: 10, Test: 5, Step: 5}, eval, "x", nil)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "walkforward.grid", cfgErr.Field)

	_, err = NewOptimizer(Config{Train: 10, Test: 5, Step: 5}, eval, "x", points(1))
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "walkforward.step", cfgErr.Field)

	_, err = NewOptimizer(Config{Train: 10, Test: 5, Step: 10, UnitTimeout: -time.Second}, eval, "x", points(1))
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "walkforward.unit_timeout", cfgErr.Field)

	_, err = NewOptimizer(Config{Train: 10, Test: 5, Step: 10}, nil, "x", points(1))
	require.Error(t, err)
}

func TestRun_SelectsBestInSample(t *testing.T) {
	// the in-sample score peaks at fast=7; out-of-sample returns alternate
	eval := evalFunc(func(_ context.Context, s model.Series, p strategy.Params) (model.Summary, error) {
		f := p["fast"]
		if s.Len() == 10 {
			return model.Summary{SharpeRatio: -(f - 7) * (f - 7), TotalReturn: 0.2}, nil
		}
		ret := 0.1
		if s.Bars[0].Close >= 115 {
			ret = -0.05
		}
		return model.Summary{SharpeRatio: 1, TotalReturn: ret, MaxDrawdown: 0.02, TradeCount: 1}, nil
	})
	o, err := NewOptimizer(Config{Train: 10, Test: 5, Step: 5, AllowOverlap: true, Workers: 3}, eval, "ema_cross", points(5, 6, 7, 8))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), series(t, flat(20)...))
	require.NoError(t, err)
	require.Len(t, report.Windows, 2)
	for _, w := range report.Windows {
		assert.False(t, w.Skipped)
		assert.Equal(t, map[string]float64{"fast": 7}, w.Params)
		assert.Equal(t, 4, w.Evaluated)
		assert.Equal(t, 0.2, w.InSample.TotalReturn)
	}
	assert.Equal(t, 0.1, report.Windows[0].OutOfSample.TotalReturn)
	assert.Equal(t, -0.05, report.Windows[1].OutOfSample.TotalReturn)

	assert.Equal(t, "WF", report.Symbol)
	assert.Equal(t, "ema_cross", report.Strategy)
	assert.Equal(t, 10, report.CompletedUnits)
	assert.False(t, report.Partial)
	assert.InDelta(t, 0.2, report.AvgISReturn, 1e-12)
	assert.InDelta(t, 0.025, report.AvgOOSReturn, 1e-12)
	assert.InDelta(t, 0.125, report.Efficiency, 1e-12)
	assert.InDelta(t, 0.5, report.OOSWinRate, 1e-12)
	assert.Zero(t, report.ParamStdDev["fast"])
	assert.True(t, report.ParamsStable)
	assert.Equal(t, "moderate", report.Verdict())
	// five test bars are too few to classify
	assert.Equal(t, model.RegimeUnknown, report.Windows[0].Regime)
	assert.InDelta(t, 0.025, report.RegimeReturns["unknown"], 1e-12)

	text := FormatReport(report)
	assert.Contains(t, text, "fast=7")
	assert.Contains(t, text, "OOS return in unknown windows: 2.50%")
	assert.Contains(t, text, "Verdict: moderate")
}

func TestRun_TiesGoToFirstPoint(t *testing.T) {
	eval := evalFunc(func(context.Context, model.Series, strategy.Params) (model.Summary, error) {
		return model.Summary{SharpeRatio: 1.5}, nil
	})
	o, err := NewOptimizer(Config{Train: 10, Test: 5, Step: 10, Workers: 4}, eval, "x", points(9, 3, 5))
	require.NoError(t, err)
	report, err := o.Run(context.Background(), series(t, flat(30)...))
	require.NoError(t, err)
	for _, w := range report.Windows {
		assert.Equal(t, 9.0, w.Params["fast"])
	}
}

func TestRun_DegenerateWindowSkipped(t *testing.T) {
	eval := evalFunc(func(_ context.Context, s model.Series, p strategy.Params) (model.Summary, error) {
		if s.Bars[0].Close == 100 {
			return model.Summary{SharpeRatio: math.NaN()}, nil
		}
		return model.Summary{SharpeRatio: p["fast"], TotalReturn: 0.1}, nil
	})
	o, err := NewOptimizer(Config{Train: 10, Test: 5, Step: 10}, eval, "x", points(1, 2))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), series(t, flat(30)...))
	require.NoError(t, err)
	require.Len(t, report.Windows, 2)
	assert.True(t, report.Windows[0].Skipped)
	assert.Equal(t, model.ErrOptimizationDegenerate.Error(), report.Windows[0].SkipReason)
	assert.Equal(t, 2, report.Windows[0].Evaluated)
	assert.False(t, report.Windows[1].Skipped)
	assert.Equal(t, 2.0, report.Windows[1].Params["fast"])
	assert.Equal(t, 1, report.SkippedWindows)
	assert.Len(t, report.Accepted(), 1)
	assert.False(t, report.ParamsStable, "one window cannot show stability")
	assert.True(t, math.IsNaN(report.ParamStdDev["fast"]))
	assert.Contains(t, FormatReport(report), "skipped")
}

func TestRun_FailedUnitsDoNotWin(t *testing.T) {
	eval := evalFunc(func(_ context.Context, _ model.Series, p strategy.Params) (model.Summary, error) {
		if p["fast"] == 3 {
			return model.Summary{}, errors.New("boom")
		}
		return model.Summary{SharpeRatio: p["fast"]}, nil
	})
	o, err := NewOptimizer(Config{Train: 10, Test: 5, Step: 10}, eval, "x", points(1, 3, 2))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), series(t, flat(30)...))
	require.NoError(t, err)
	assert.Equal(t, 2, report.FailedUnits)
	for _, w := range report.Windows {
		assert.Equal(t, 2.0, w.Params["fast"])
		assert.Equal(t, 2, w.Evaluated)
	}
}

func TestRun_CancelledIsPartial(t *testing.T) {
	eval := evalFunc(func(ctx context.Context, _ model.Series, _ strategy.Params) (model.Summary, error) {
		if err := ctx.Err(); err != nil {
			return model.Summary{}, err
		}
		return model.Summary{SharpeRatio: 1}, nil
	})
	o, err := NewOptimizer(Config{Train: 10, Test: 5, Step: 10, Workers: 2}, eval, "x", points(1, 2, 3))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := o.Run(ctx, series(t, flat(30)...))
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, 6, report.CancelledUnits)
	assert.Zero(t, report.CompletedUnits)
	assert.Equal(t, 2, report.SkippedWindows)
	assert.Contains(t, FormatReport(report), "No window")
}

func TestRun_UnitTimeout(t *testing.T) {
	eval := evalFunc(func(ctx context.Context, _ model.Series, p strategy.Params) (model.Summary, error) {
		if p["fast"] == 1 {
			<-ctx.Done()
			return model.Summary{}, ctx.Err()
		}
		return model.Summary{SharpeRatio: 0.5, TotalReturn: 0.1}, nil
	})
	o, err := NewOptimizer(Config{Train: 10, Test: 5, Step: 10, UnitTimeout: 20 * time.Millisecond}, eval, "x", points(1, 2))
	require.NoError(t, err)

	report, err := o.Run(context.Background(), series(t, flat(30)...))
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, 2, report.CancelledUnits)
	for _, w := range report.Windows {
		assert.False(t, w.Skipped)
		assert.Equal(t, 2.0, w.Params["fast"])
	}
}

func TestRun_TrainSlicesNeverSeeTestBars(t *testing.T) {
	var mu sync.Mutex
	var seen []model.Series
	eval := evalFunc(func(_ context.Context, s model.Series, _ strategy.Params) (model.Summary, error) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
		return model.Summary{SharpeRatio: 1}, nil
	})
	o, err := NewOptimizer(Config{Train: 10, Test: 5, Step: 5, AllowOverlap: true}, eval, "x", points(1, 2))
	require.NoError(t, err)
	s := series(t, flat(20)...)
	report, err := o.Run(context.Background(), s)
	require.NoError(t, err)

	train, test := 0, 0
	for _, slice := range seen {
		switch slice.Len() {
		case 10:
			train++
		case 5:
			test++
		default:
			t.Fatalf("unexpected slice of %d bars", slice.Len())
		}
	}
	assert.Equal(t, 4, train)
	assert.Equal(t, 2, test)
	for _, w := range report.Windows {
		assert.True(t, w.TrainTo.Before(w.TestFrom))
	}
}

// The parameters chosen for each window must not change when bars after the
// last training bar change.
func TestRun_NoLookahead(t *testing.T) {
	runner, err := pipeline.NewRunner(backtest.Config{
		InitCash: 10000,
		Fees:     fees.Proportional(0.001, 0),
		Sizing:   risk.Sizing{Kind: model.SizePercent, Value: 1},
	}, pipeline.Options{Lag: 1, Primary: signal.Exit})
	require.NoError(t, err)
	strat, err := strategy.NewSignaler("ema_cross")
	require.NoError(t, err)

	g := Grid{Axes: []Axis{{Name: "fast", Values: []float64{2, 3, 4}}, {Name: "slow", Values: []float64{6, 9}}}}
	pts, err := g.Points(nil, strat.Check)
	require.NoError(t, err)

	closes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/6) + float64(i)/10
	}
	o, err := NewOptimizer(Config{Train: 40, Test: 20, Step: 20, AllowOverlap: true}, runner.Evaluator(strat), "ema_cross", pts)
	require.NoError(t, err)

	before, err := o.Run(context.Background(), series(t, closes...))
	require.NoError(t, err)
	require.Len(t, before.Windows, 4)

	// bars from 100 on are test-only for the last window
	mutated := append([]float64(nil), closes...)
	for i := 100; i < len(mutated); i++ {
		mutated[i] = 50 + float64(i%7)*13
	}
	after, err := o.Run(context.Background(), series(t, mutated...))
	require.NoError(t, err)

	require.Len(t, after.Windows, len(before.Windows))
	for i := range before.Windows {
		assert.Equal(t, before.Windows[i].Params, after.Windows[i].Params, "window %d", i)
		assert.Equal(t, before.Windows[i].InSample.SharpeRatio, after.Windows[i].InSample.SharpeRatio, "window %d", i)
	}
}

func TestEfficiency(t *testing.T) {
	assert.Zero(t, Efficiency(0.1, 0))
	assert.InDelta(t, 0.5, Efficiency(0.05, 0.1), 1e-12)
	assert.InDelta(t, -1, Efficiency(-0.1, 0.1), 1e-12)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	eval := evalFunc(func(_ context.Context, s model.Series, p strategy.Params) (model.Summary, error) {
		if s.Bars[0].Close == 100 {
			return model.Summary{SharpeRatio: math.NaN()}, nil
		}
		return model.Summary{SharpeRatio: p["fast"]}, nil
	})
	o, err := NewOptimizer(Config{Train: 10, Test: 5, Step: 10}, eval, "x", points(1, 2, 3), WithMetrics(m))
	require.NoError(t, err)
	_, err = o.Run(context.Background(), series(t, flat(30)...))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			key := mf.GetName()
			for _, l := range metric.GetLabel() {
				key += "|" + l.GetValue()
			}
			counts[key] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 6.0, counts["backtester_walkforward_units_total|ok|in_sample"])
	assert.Equal(t, 1.0, counts["backtester_walkforward_units_total|ok|out_of_sample"])
	assert.Equal(t, 1.0, counts["backtester_walkforward_windows_total|accepted"])
	assert.Equal(t, 1.0, counts["backtester_walkforward_windows_total|skipped"])
}
