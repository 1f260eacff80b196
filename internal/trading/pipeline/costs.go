package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/strategy"
	"github.com/Alias1177/backtester/internal/trading/backtest"
	"github.com/Alias1177/backtester/internal/trading/fees"
)

// CostRow is one fee model of a cost study.
type CostRow struct {
	Preset  string
	Fees    fees.Model
	Summary model.Summary
	// Drag is the total return lost against the zero-fee run.
	Drag float64
}

// CostStudy reruns one strategy under every named fee preset. The zero
// model is always included as the reference.
func (r *Runner) CostStudy(ctx context.Context, s model.Series, strat strategy.Signaler, p strategy.Params, presets []string) ([]CostRow, error) {
	if len(presets) == 0 {
		presets = fees.PresetNames()
	}
	names := []string{"zero"}
	for _, name := range presets {
		if name != "zero" {
			names = append(names, name)
		}
	}

	rows := make([]CostRow, 0, len(names))
	var reference float64
	for i, name := range names {
		fm, err := fees.Preset(name)
		if err != nil {
			return nil, err
		}
		cfg := r.cfg
		cfg.Fees = fm
		runner, err := r.WithConfig(cfg)
		if err != nil {
			return nil, err
		}
		out, err := runner.RunSignals(ctx, s, strat, p)
		if err != nil {
			return nil, fmt.Errorf("cost study %s: %w", name, err)
		}
		if i == 0 {
			reference = out.Summary.TotalReturn
		}
		rows = append(rows, CostRow{
			Preset:  name,
			Fees:    fm,
			Summary: out.Summary,
			Drag:    reference - out.Summary.TotalReturn,
		})
	}
	return rows, nil
}

// FormatCostStudy renders the study as a table.
func FormatCostStudy(rows []CostRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %10s %8s %9s %8s %7s %8s %12s %9s\n",
		"preset", "return", "sharpe", "max dd", "win", "trades", "pf", "fees paid", "drag")
	for _, row := range rows {
		s := row.Summary
		fmt.Fprintf(&b, "%-10s %9.2f%% %8s %8.2f%% %8s %7d %8s %12.2f %8.2f%%\n",
			row.Preset,
			s.TotalReturn*100,
			backtest.FormatRatio(s.SharpeRatio),
			s.MaxDrawdown*100,
			formatRate(s.WinRate),
			s.TradeCount,
			backtest.FormatRatio(s.ProfitFactor),
			s.TotalFees,
			row.Drag*100,
		)
	}
	return b.String()
}

func formatRate(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", v*100)
}
