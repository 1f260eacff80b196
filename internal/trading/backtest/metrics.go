package backtest

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Alias1177/backtester/internal/model"
)

const yearDuration = 365 * 24 * time.Hour

// Analyze computes the performance statistics of a completed run. A zero
// periodsPerYear is inferred from the bar spacing.
func Analyze(res *Result, periodsPerYear float64) model.Summary {
	var s model.Summary
	if res == nil || res.Len() == 0 {
		return s
	}
	if periodsPerYear <= 0 {
		periodsPerYear = PeriodsPerYear(res.Times)
	}
	n := res.Len()
	values := res.Values()

	s.Start = res.Times[0]
	s.End = res.Times[n-1]
	s.Bars = n
	s.PeriodsPerYear = periodsPerYear
	s.StartValue = res.InitCash
	s.EndValue = res.Equity[n-1]
	s.TotalReturn = TotalReturn(s.StartValue, s.EndValue)
	s.CAGR = CAGR(s.StartValue, s.EndValue, Years(res.Times))
	s.MaxDrawdown = MaxDrawdown(values)

	returns := Returns(values)
	s.SharpeRatio = Sharpe(returns, periodsPerYear)
	s.SortinoRatio = Sortino(returns, periodsPerYear)

	s.WinRate = WinRate(res.Trades)
	s.ProfitFactor = ProfitFactor(res.Trades)
	consecutiveWins, consecutiveLosses := 0, 0
	for _, t := range res.Trades {
		if t.Open {
			s.OpenTrades++
			continue
		}
		s.TradeCount++
		if t.PnL > 0 {
			s.WinningTrades++
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			s.LosingTrades++
			consecutiveLosses++
			consecutiveWins = 0
		}
		s.MaxConsecutive.Wins = max(s.MaxConsecutive.Wins, consecutiveWins)
		s.MaxConsecutive.Loses = max(s.MaxConsecutive.Loses, consecutiveLosses)
	}

	for i, f := range res.Fills {
		s.TotalFees += f.Fee()
		if i > 0 && f.Kind == model.FillOpen {
			prev := res.Fills[i-1]
			if prev.Kind == model.FillClose && prev.Bar == f.Bar && prev.Instrument == f.Instrument {
				continue // second leg of a reversal
			}
		}
		s.OrderCount++
	}
	s.ClippedOrders = res.Clipped
	s.SkippedOrders = res.Skipped
	return s
}

// Values is the equity curve preceded by the initial cash, so that costs
// paid on the first bar show up in returns and drawdown.
func (r *Result) Values() []float64 {
	out := make([]float64, 0, len(r.Equity)+1)
	out = append(out, r.InitCash)
	return append(out, r.Equity...)
}

// TotalReturn is v1/v0 - 1, or 0 when v0 is not positive.
func TotalReturn(v0, v1 float64) float64 {
	if v0 <= 0 {
		return 0
	}
	return v1/v0 - 1
}

// CAGR is the constant annual rate compounding v0 into v1 over years. It is
// 0 whenever an argument is not positive.
func CAGR(v0, v1, years float64) float64 {
	if v0 <= 0 || v1 <= 0 || years <= 0 {
		return 0
	}
	return math.Pow(v1/v0, 1/years) - 1
}

// Years is the calendar span of times in years.
func Years(times []time.Time) float64 {
	if len(times) < 2 {
		return 0
	}
	return float64(times[len(times)-1].Sub(times[0])) / float64(yearDuration)
}

// MaxDrawdown is the deepest decline from a running peak, as a fraction
// (always <= 0).
func MaxDrawdown(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	maxDrawdown := 0.0
	peak := values[0]
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := v/peak - 1; dd < maxDrawdown {
			maxDrawdown = dd
		}
	}
	return maxDrawdown
}

// Returns is the simple periodic return series of values.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			out[i-1] = 0
			continue
		}
		out[i-1] = values[i]/values[i-1] - 1
	}
	return out
}

// Sharpe is the annualised mean over standard deviation of returns. It is
// NaN when the deviation is zero or undefined.
func Sharpe(returns []float64, periodsPerYear float64) float64 {
	m := mean(returns)
	sd := stdDev(returns, m)
	if sd == 0 || math.IsNaN(sd) {
		return math.NaN()
	}
	return m / sd * math.Sqrt(periodsPerYear)
}

// Sortino is Sharpe with the deviation of negative returns only.
func Sortino(returns []float64, periodsPerYear float64) float64 {
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	sd := stdDev(downside, mean(downside))
	if sd == 0 || math.IsNaN(sd) {
		return math.NaN()
	}
	return mean(returns) / sd * math.Sqrt(periodsPerYear)
}

// WinRate is the share of closed trades with a positive P&L, NaN without
// closed trades.
func WinRate(trades []model.Trade) float64 {
	closed, wins := 0, 0
	for _, t := range trades {
		if t.Open {
			continue
		}
		closed++
		if t.PnL > 0 {
			wins++
		}
	}
	if closed == 0 {
		return math.NaN()
	}
	return float64(wins) / float64(closed)
}

// ProfitFactor is gross profit over gross loss of closed trades. It is +Inf
// when nothing was lost and NaN when there is nothing to compare.
func ProfitFactor(trades []model.Trade) float64 {
	var gains, losses float64
	for _, t := range trades {
		if t.Open {
			continue
		}
		if t.PnL > 0 {
			gains += t.PnL
		} else {
			losses -= t.PnL
		}
	}
	if losses == 0 {
		if gains == 0 {
			return math.NaN()
		}
		return math.Inf(1)
	}
	return gains / losses
}

// PeriodsPerYear infers the annualisation factor from the median spacing of
// times. Fewer than two bars default to daily trading bars.
func PeriodsPerYear(times []time.Time) float64 {
	if len(times) < 2 {
		return 252.0
	}
	gaps := make([]time.Duration, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		if d := times[i].Sub(times[i-1]); d > 0 {
			gaps = append(gaps, d)
		}
	}
	if len(gaps) == 0 {
		return 252.0
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	median := gaps[len(gaps)/2]
	if len(gaps)%2 == 0 {
		median = (gaps[len(gaps)/2-1] + gaps[len(gaps)/2]) / 2
	}
	return float64(yearDuration) / float64(median)
}

// FormatSummary renders s for terminal output.
func FormatSummary(title string, s model.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s ===\n", title)
	if s.Bars > 0 {
		fmt.Fprintf(&b, "Period: %s - %s (%d bars)\n", s.Start.Format("2006-01-02"), s.End.Format("2006-01-02"), s.Bars)
	}
	fmt.Fprintf(&b, "Start value: %.2f\n", s.StartValue)
	fmt.Fprintf(&b, "End value: %.2f\n", s.EndValue)
	fmt.Fprintf(&b, "Total return: %.2f%%\n", s.TotalReturn*100)
	fmt.Fprintf(&b, "CAGR: %.2f%%\n", s.CAGR*100)
	fmt.Fprintf(&b, "Sharpe ratio: %s\n", FormatRatio(s.SharpeRatio))
	fmt.Fprintf(&b, "Sortino ratio: %s\n", FormatRatio(s.SortinoRatio))
	fmt.Fprintf(&b, "Maximum drawdown: %.2f%%\n", s.MaxDrawdown*100)
	fmt.Fprintf(&b, "Trades: %d closed, %d open\n", s.TradeCount, s.OpenTrades)
	if math.IsNaN(s.WinRate) {
		b.WriteString("Win rate: n/a\n")
	} else {
		fmt.Fprintf(&b, "Win rate: %.2f%%\n", s.WinRate*100)
	}
	fmt.Fprintf(&b, "Profit factor: %s\n", FormatRatio(s.ProfitFactor))
	fmt.Fprintf(&b, "Max consecutive wins: %d\n", s.MaxConsecutive.Wins)
	fmt.Fprintf(&b, "Max consecutive losses: %d\n", s.MaxConsecutive.Loses)
	fmt.Fprintf(&b, "Orders: %d, fees paid: %.2f\n", s.OrderCount, s.TotalFees)
	if s.ClippedOrders > 0 || s.SkippedOrders > 0 {
		fmt.Fprintf(&b, "Sizing: %d orders clipped, %d skipped\n", s.ClippedOrders, s.SkippedOrders)
	}
	return b.String()
}

// FormatRatio prints non-finite ratios as "n/a" or "inf".
func FormatRatio(v float64) string {
	switch {
	case math.IsNaN(v):
		return "n/a"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return fmt.Sprintf("%.2f", v)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// stdDev is the sample standard deviation; NaN below two values.
func stdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}

	var sumSquaredDiff float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}

	return math.Sqrt(sumSquaredDiff / float64(len(values)-1))
}
