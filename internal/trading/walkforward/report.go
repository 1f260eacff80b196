package walkforward

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/strategy"
	"github.com/Alias1177/backtester/internal/trading/backtest"
)

// FormatReport renders the per-window table followed by the aggregates.
func FormatReport(r *model.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Walk-forward: %s on %s ===\n", r.Strategy, r.Symbol)
	fmt.Fprintf(&b, "Run: %s\n\n", r.RunID)

	fmt.Fprintf(&b, "%-4s %-10s %-10s %-24s %9s %9s %8s %9s %7s  %s\n",
		"win", "test from", "test to", "params", "is ret", "oos ret", "oos shp", "oos dd", "trades", "regime")
	for _, w := range r.Windows {
		if w.Skipped {
			fmt.Fprintf(&b, "%-4d %-10s %-10s skipped: %s\n",
				w.Index, w.TestFrom.Format("2006-01-02"), w.TestTo.Format("2006-01-02"), w.SkipReason)
			continue
		}
		fmt.Fprintf(&b, "%-4d %-10s %-10s %-24s %8.2f%% %8.2f%% %8s %8.2f%% %7d  %s\n",
			w.Index,
			w.TestFrom.Format("2006-01-02"),
			w.TestTo.Format("2006-01-02"),
			strategy.Params(w.Params).Key(),
			w.InSample.TotalReturn*100,
			w.OutOfSample.TotalReturn*100,
			backtest.FormatRatio(w.OutOfSample.SharpeRatio),
			w.OutOfSample.MaxDrawdown*100,
			w.OutOfSample.TradeCount,
			w.Regime,
		)
	}

	accepted := len(r.Windows) - r.SkippedWindows
	fmt.Fprintf(&b, "\nWindows: %d accepted, %d skipped\n", accepted, r.SkippedWindows)
	if accepted == 0 {
		b.WriteString("No window produced a usable in-sample score.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Avg in-sample return: %.2f%%\n", r.AvgISReturn*100)
	fmt.Fprintf(&b, "Avg out-of-sample return: %.2f%%\n", r.AvgOOSReturn*100)
	fmt.Fprintf(&b, "Walk-forward efficiency: %.2f%%\n", r.Efficiency*100)
	fmt.Fprintf(&b, "OOS win rate: %.2f%%\n", r.OOSWinRate*100)

	names := make([]string, 0, len(r.ParamStdDev))
	for k := range r.ParamStdDev {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		sd := "n/a"
		if !math.IsNaN(r.ParamStdDev[k]) {
			sd = fmt.Sprintf("%.2f", r.ParamStdDev[k])
		}
		fmt.Fprintf(&b, "Param %s: %g..%g, std %s\n", k, r.ParamMin[k], r.ParamMax[k], sd)
	}
	regimes := make([]string, 0, len(r.RegimeReturns))
	for k := range r.RegimeReturns {
		regimes = append(regimes, k)
	}
	sort.Strings(regimes)
	for _, k := range regimes {
		fmt.Fprintf(&b, "OOS return in %s windows: %.2f%%\n", k, r.RegimeReturns[k]*100)
	}
	if r.ParamsStable {
		b.WriteString("Parameters: stable\n")
	} else {
		b.WriteString("Parameters: unstable\n")
	}
	fmt.Fprintf(&b, "Verdict: %s\n", r.Verdict())
	if r.Partial {
		fmt.Fprintf(&b, "Partial run: %d units cancelled, %d failed\n", r.CancelledUnits, r.FailedUnits)
	}
	return b.String()
}
