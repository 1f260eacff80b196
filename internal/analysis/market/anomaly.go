package market

import (
	"math"

	"github.com/Alias1177/backtester/internal/indicators"
	"github.com/Alias1177/backtester/internal/model"
)

const (
	anomalyATRPeriod = 10
	volumeLookback   = 10

	spikeRatio  = 3.0
	gapRatio    = 1.0
	volumeRatio = 3.0
)

// Anomaly kinds.
const (
	PriceSpike  = "price_spike"
	Gap         = "gap"
	VolumeSpike = "volume_spike"
)

// DetectAnomalies scans every bar against the 10-bar ATR of the bar
// before it. A close-to-close move above 3 ATR is a price spike, an open
// gap beyond the previous close by more than 1 ATR is a gap, and volume
// above three times the previous 10-bar average is a volume spike. One bar
// can produce several anomalies.
func DetectAnomalies(s model.Series) []model.Anomaly {
	n := s.Len()
	if n <= anomalyATRPeriod+1 {
		return nil
	}
	atr := indicators.ATR(s.Highs(), s.Lows(), s.Closes(), anomalyATRPeriod)

	var found []model.Anomaly
	add := func(i int, kind string, ratio float64) {
		found = append(found, model.Anomaly{Index: i, Time: s.Bars[i].Time, Kind: kind, Ratio: ratio})
	}
	for i := anomalyATRPeriod + 1; i < n; i++ {
		base := atr[i-1]
		if math.IsNaN(base) || base <= 0 {
			continue
		}
		cur, prev := s.Bars[i], s.Bars[i-1]

		if r := math.Abs(cur.Close-prev.Close) / base; r > spikeRatio {
			add(i, PriceSpike, r)
		}

		var gap float64
		switch {
		case cur.Low > prev.Close:
			gap = cur.Low - prev.Close
		case cur.High < prev.Close:
			gap = prev.Close - cur.High
		}
		if r := gap / base; r > gapRatio {
			add(i, Gap, r)
		}

		if cur.Volume > 0 && i >= volumeLookback {
			var sum float64
			for _, b := range s.Bars[i-volumeLookback : i] {
				sum += b.Volume
			}
			if avg := sum / volumeLookback; avg > 0 && cur.Volume/avg > volumeRatio {
				add(i, VolumeSpike, cur.Volume/avg)
			}
		}
	}
	return found
}

// CountByKind tallies anomalies per kind.
func CountByKind(anomalies []model.Anomaly) map[string]int {
	counts := make(map[string]int)
	for _, a := range anomalies {
		counts[a.Kind]++
	}
	return counts
}
