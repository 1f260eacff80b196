// Package indicators computes technical indicators as whole series. Every
// function returns a slice aligned with its input, holding NaN while the
// indicator is still warming up.
package indicators

import (
	"math"
)

func nans(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Shift delays a series by lag bars so that a value computed on bar t is
// only visible from bar t+lag. The first lag values become NaN. A
// non-positive lag returns a copy.
func Shift(values []float64, lag int) []float64 {
	out := nans(len(values))
	if lag < 0 {
		lag = 0
	}
	for i := lag; i < len(values); i++ {
		out[i] = values[i-lag]
	}
	return out
}

// SMA is the simple moving average over period bars.
func SMA(values []float64, period int) []float64 {
	out := nans(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMA seeds with the SMA of the first period values, then applies the
// 2/(period+1) multiplier. Leading NaNs in the input are skipped.
func EMA(values []float64, period int) []float64 {
	out := nans(len(values))
	if period <= 0 {
		return out
	}

	start := 0
	for start < len(values) && math.IsNaN(values[start]) {
		start++
	}
	if len(values)-start < period {
		return out
	}

	var sum float64
	for i := start; i < start+period; i++ {
		sum += values[i]
	}
	ema := sum / float64(period)
	out[start+period-1] = ema

	multiplier := 2.0 / float64(period+1)
	for i := start + period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
		out[i] = ema
	}
	return out
}

// RSI uses Wilder smoothing of average gains and losses.
func RSI(closes []float64, period int) []float64 {
	out := nans(len(closes))
	if period <= 0 || len(closes) < period+1 {
		return out
	}

	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR is the Wilder-smoothed average true range.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := min(len(highs), len(lows), len(closes))
	out := nans(n)
	if period <= 0 || n < period+1 {
		return out
	}

	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		highLow := highs[i] - lows[i]
		highPrevClose := math.Abs(highs[i] - closes[i-1])
		lowPrevClose := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(highLow, math.Max(highPrevClose, lowPrevClose))
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr
	for i := period + 1; i < n; i++ {
		atr = (atr*float64(period-1) + tr[i]) / float64(period)
		out[i] = atr
	}
	return out
}

// Donchian returns the highest high and lowest low of the last period bars,
// including the current one.
func Donchian(highs, lows []float64, period int) (upper, lower []float64) {
	n := min(len(highs), len(lows))
	upper, lower = nans(n), nans(n)
	if period <= 0 {
		return upper, lower
	}
	for i := period - 1; i < n; i++ {
		hi, lo := math.Inf(-1), math.Inf(1)
		for j := i - period + 1; j <= i; j++ {
			hi = math.Max(hi, highs[j])
			lo = math.Min(lo, lows[j])
		}
		upper[i], lower[i] = hi, lo
	}
	return upper, lower
}

// MACD returns the MACD line, its signal line and the histogram.
func MACD(closes []float64, fastPeriod, slowPeriod, signalPeriod int) (line, signal, hist []float64) {
	fast := EMA(closes, fastPeriod)
	slow := EMA(closes, slowPeriod)

	line = nans(len(closes))
	for i := range closes {
		if !math.IsNaN(fast[i]) && !math.IsNaN(slow[i]) {
			line[i] = fast[i] - slow[i]
		}
	}

	signal = EMA(line, signalPeriod)
	hist = nans(len(closes))
	for i := range closes {
		if !math.IsNaN(line[i]) && !math.IsNaN(signal[i]) {
			hist[i] = line[i] - signal[i]
		}
	}
	return line, signal, hist
}

// ADX returns the Wilder average directional index with its +DI and -DI
// lines. All three start at bar period; the ADX is seeded with that bar's DX.
func ADX(highs, lows, closes []float64, period int) (adx, plusDI, minusDI []float64) {
	n := min(len(highs), len(lows), len(closes))
	adx, plusDI, minusDI = nans(n), nans(n), nans(n)
	if period <= 0 || n < period+1 {
		return adx, plusDI, minusDI
	}

	var smoothPlus, smoothMinus, smoothTR, prevADX float64
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		var pDM, mDM float64
		if up > down && up > 0 {
			pDM = up
		}
		if down > up && down > 0 {
			mDM = down
		}
		tr := math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))

		if i <= period {
			smoothPlus += pDM
			smoothMinus += mDM
			smoothTR += tr
			if i < period {
				continue
			}
		} else {
			p := float64(period)
			smoothPlus = smoothPlus - smoothPlus/p + pDM
			smoothMinus = smoothMinus - smoothMinus/p + mDM
			smoothTR = smoothTR - smoothTR/p + tr
		}

		var pdi, mdi, dx float64
		if smoothTR > 0 {
			pdi = smoothPlus / smoothTR * 100
			mdi = smoothMinus / smoothTR * 100
		}
		if pdi+mdi > 0 {
			dx = math.Abs(pdi-mdi) / (pdi + mdi) * 100
		}
		if i == period {
			prevADX = dx
		} else {
			prevADX = (prevADX*float64(period-1) + dx) / float64(period)
		}
		plusDI[i], minusDI[i], adx[i] = pdi, mdi, prevADX
	}
	return adx, plusDI, minusDI
}
