// Package market describes what a stretch of history looked like: its
// regime and the bars that stand out of it.
package market

import (
	"math"

	"github.com/Alias1177/backtester/internal/indicators"
	"github.com/Alias1177/backtester/internal/model"
)

// MinRegimeBars is the shortest series ClassifyRegime will label.
const MinRegimeBars = 31

// ClassifyRegime labels the series from its last bars: ADX for trend, the
// 10/30 ATR ratio for volatility and a weighted 5/10/20 bar momentum for
// direction. Shorter series are unknown.
func ClassifyRegime(s model.Series) model.MarketRegime {
	regime := model.MarketRegime{
		Type:       model.RegimeUnknown,
		Direction:  "neutral",
		Volatility: "normal",
	}
	n := s.Len()
	if n < MinRegimeBars {
		return regime
	}

	highs, lows, closes := s.Highs(), s.Lows(), s.Closes()
	adxs, plus, minus := indicators.ADX(highs, lows, closes, 14)
	adx, plusDI, minusDI := adxs[n-1], plus[n-1], minus[n-1]
	atr10 := indicators.ATR(highs, lows, closes, 10)[n-1]
	atr30 := indicators.ATR(highs, lows, closes, 30)[n-1]

	volRatio := 1.0
	if atr30 > 0 {
		volRatio = atr10 / atr30
	}
	switch {
	case volRatio > 1.5:
		regime.Volatility = "high"
	case volRatio < 0.7:
		regime.Volatility = "low"
	}

	last := closes[n-1]
	change := func(back int) float64 { return (last - closes[n-1-back]) / closes[n-1-back] }
	momentum := change(5)*0.5 + change(10)*0.3 + change(20)*0.2
	regime.Momentum = math.Min(math.Abs(momentum)*10, 1)
	switch {
	case momentum > 0:
		regime.Direction = "bullish"
	case momentum < 0:
		regime.Direction = "bearish"
	}

	if adx > 25 {
		regime.Type = model.RegimeTrending
		regime.Strength = math.Min(adx/50, 1)
		return regime
	}

	hi, lo := highs[n-20], lows[n-20]
	for i := n - 19; i < n; i++ {
		hi = math.Max(hi, highs[i])
		lo = math.Min(lo, lows[i])
	}
	if atr10 > 0 && (hi-lo)/atr10 < 5 {
		regime.Type = model.RegimeRanging
		regime.Strength = math.Max(0, math.Min((30-adx)/30, 1))
		return regime
	}

	flips := 0
	up := closes[n-20] > closes[n-21]
	for i := n - 19; i < n; i++ {
		if cur := closes[i] > closes[i-1]; cur != up {
			flips++
			up = cur
		}
	}
	switch {
	case flips > 8:
		regime.Type = model.RegimeChoppy
		regime.Strength = math.Min(float64(flips)/15, 1)
	case volRatio > 1.8:
		regime.Type = model.RegimeVolatile
		regime.Strength = math.Min(volRatio/3, 1)
	default:
		// mild trend
		regime.Type = model.RegimeTrending
		regime.Strength = math.Min(adx/30, 0.7)
		if plusDI < minusDI && regime.Direction == "neutral" {
			regime.Direction = "bearish"
		}
	}
	return regime
}
