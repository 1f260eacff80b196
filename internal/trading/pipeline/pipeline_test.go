package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/strategy"
	"github.com/Alias1177/backtester/internal/trading/backtest"
	"github.com/Alias1177/backtester/internal/trading/fees"
	"github.com/Alias1177/backtester/internal/trading/risk"
	"github.com/Alias1177/backtester/internal/trading/signal"
)

func series(t *testing.T, symbol string, closes ...float64) model.Series {
	t.Helper()
	start := time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]model.Bar, len(closes))
	for i, c := range closes {
		bars[i] = model.Bar{Time: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c}
	}
	s, err := model.NewSeries(symbol, "1day", bars)
	require.NoError(t, err)
	return s
}

// vShape falls for n bars and then rises for n bars.
func vShape(n int) []float64 {
	out := make([]float64, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, 100-float64(i))
	}
	for i := 0; i < n; i++ {
		out = append(out, 100-float64(n)+2*float64(i))
	}
	return out
}

func newRunner(t *testing.T, fm fees.Model) *Runner {
	t.Helper()
	r, err := NewRunner(backtest.Config{
		InitCash: 10000,
		Fees:     fm,
		Sizing:   risk.Sizing{Kind: model.SizePercent, Value: 1},
	}, Options{Lag: 1, Primary: signal.Exit})
	require.NoError(t, err)
	return r
}

func TestNewRunner_Validates(t *testing.T) {
	tests := []struct {
		name  string
		cfg   backtest.Config
		opts  Options
		field string
	}{
		{name: "lag zero", cfg: backtest.Config{InitCash: 1}, opts: Options{}, field: "signal_lag"},
		{name: "negative periods", cfg: backtest.Config{InitCash: 1}, opts: Options{Lag: 1, PeriodsPerYear: -1}, field: "periods_per_year"},
		{name: "bad cash", cfg: backtest.Config{}, opts: Options{Lag: 1}, field: "init_cash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.cfg, tt.opts)
			var cfgErr *model.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestRunSignals_EMACross(t *testing.T) {
	r := newRunner(t, fees.Zero())
	s := series(t, "V", vShape(40)...)
	strat, err := strategy.NewSignaler("ema_cross")
	require.NoError(t, err)

	out, err := r.RunSignals(context.Background(), s, strat, strategy.Params{"fast": 3, "slow": 8})
	require.NoError(t, err)

	entries, exits := out.Events.Count()
	assert.GreaterOrEqual(t, entries, 1)
	assert.LessOrEqual(t, exits, entries)
	assert.Greater(t, out.Summary.TotalReturn, 0.0, "the long leg rides the rise")
	assert.Equal(t, strategy.Params{"fast": 3, "slow": 8}, out.Params)
	assert.Equal(t, s.Len(), out.Summary.Bars)
}

func TestRunSignals_Accumulation(t *testing.T) {
	r := newRunner(t, fees.Zero())
	s := series(t, "ACC", vShape(40)...)
	strat, err := strategy.NewSignaler("rsi_accumulation")
	require.NoError(t, err)

	out, err := r.RunSignals(context.Background(), s, strat, nil)
	require.NoError(t, err)

	buys := 0
	for _, f := range out.Result.Fills {
		if f.Quantity > 0 {
			buys++
		}
	}
	assert.Greater(t, buys, 1, "slabs accumulate")
	assert.Zero(t, out.Result.Holdings["ACC"][s.Len()-1], "overbought exit sells everything")
	for _, c := range out.Result.Cash {
		assert.GreaterOrEqual(t, c, -1e-9)
	}
}

func TestRunAllocation_Weights(t *testing.T) {
	r := newRunner(t, fees.Zero())
	a := series(t, "NIFTY", 100, 110, 120)
	g := series(t, "GOLD", 50, 50, 40)
	alloc, err := strategy.NewAllocator("weights")
	require.NoError(t, err)

	out, err := r.RunAllocation(context.Background(), []model.Series{a, g}, alloc, strategy.Params{"NIFTY": 0.6, "GOLD": 0.4})
	require.NoError(t, err)
	assert.InDelta(t, 60.0, out.Result.Holdings["NIFTY"][0], 1e-9)
	assert.InDelta(t, 80.0, out.Result.Holdings["GOLD"][0], 1e-9)
	assert.InDelta(t, 60*120+80*40, out.Result.Equity[2], 1e-6)

	_, err = r.RunAllocation(context.Background(), []model.Series{a, g}, alloc, strategy.Params{"NIFTY": 0.8, "GOLD": 0.4})
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "strategy.params", cfgErr.Field)
}

func TestBenchmark(t *testing.T) {
	r := newRunner(t, fees.Zero())
	out, err := r.Benchmark(context.Background(), series(t, "X", 10, 12, 15))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.Summary.TotalReturn, 1e-12)
	assert.Equal(t, 0, out.Summary.TradeCount)
	assert.Equal(t, 1, out.Summary.OpenTrades)
}

func TestCostStudy(t *testing.T) {
	r := newRunner(t, fees.Zero())
	s := series(t, "V", vShape(40)...)
	strat, err := strategy.NewSignaler("ema_cross")
	require.NoError(t, err)

	rows, err := r.CostStudy(context.Background(), s, strat, strategy.Params{"fast": 3, "slow": 8}, []string{"delivery", "flat"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "zero", rows[0].Preset)
	assert.Zero(t, rows[0].Drag)
	assert.Equal(t, "delivery", rows[1].Preset)
	assert.Greater(t, rows[1].Drag, 0.0)
	assert.Greater(t, rows[1].Summary.TotalFees, 0.0)

	table := FormatCostStudy(rows)
	assert.Contains(t, table, "delivery")

	_, err = r.CostStudy(context.Background(), s, strat, nil, []string{"broker-x"})
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "fees.preset", cfgErr.Field)
}

func TestEvaluator(t *testing.T) {
	r := newRunner(t, fees.Proportional(0.001, 0))
	s := series(t, "V", vShape(40)...)
	strat, err := strategy.NewSignaler("ema_cross")
	require.NoError(t, err)
	p := strategy.Params{"fast": 4, "slow": 9}

	want, err := r.RunSignals(context.Background(), s, strat, p)
	require.NoError(t, err)
	got, err := r.Evaluator(strat).Evaluate(context.Background(), s, p)
	require.NoError(t, err)
	assert.Equal(t, want.Summary.TotalReturn, got.TotalReturn)
	assert.Equal(t, want.Summary.TradeCount, got.TradeCount)
}
