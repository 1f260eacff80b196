package model

import (
	"math"
	"time"
)

// Bar represents a single price bar
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume,omitempty"`
}

// Series is an ordered, validated price history for one instrument.
// Callers must treat Bars as read-only.
type Series struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Bars     []Bar  `json:"bars"`
}

// NewSeries validates bars and wraps them in a Series. Timestamps must be
// unique and strictly increasing; open, high, low and close must be finite
// and positive. Volume is optional.
func NewSeries(symbol, interval string, bars []Bar) (Series, error) {
	if len(bars) == 0 {
		return Series{}, &DataError{Field: "bars", Index: -1, Reason: "empty series"}
	}
	for i, b := range bars {
		if b.Time.IsZero() {
			return Series{}, &DataError{Field: "time", Index: i, Reason: "missing timestamp"}
		}
		if i > 0 {
			prev := bars[i-1].Time
			if b.Time.Equal(prev) {
				return Series{}, &DataError{Field: "time", Index: i, Reason: "duplicate timestamp " + b.Time.Format(time.RFC3339)}
			}
			if b.Time.Before(prev) {
				return Series{}, &DataError{Field: "time", Index: i, Reason: "timestamps not increasing"}
			}
		}
		for _, f := range []struct {
			name string
			v    float64
		}{{"open", b.Open}, {"high", b.High}, {"low", b.Low}, {"close", b.Close}} {
			if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v <= 0 {
				return Series{}, &DataError{Field: f.name, Index: i, Reason: "missing or non-positive price"}
			}
		}
		if b.Volume < 0 || math.IsNaN(b.Volume) {
			return Series{}, &DataError{Field: "volume", Index: i, Reason: "negative volume"}
		}
	}

	out := make([]Bar, len(bars))
	copy(out, bars)
	return Series{Symbol: symbol, Interval: interval, Bars: out}, nil
}

// Len returns the number of bars.
func (s Series) Len() int { return len(s.Bars) }

// Slice returns the half-open range [from, to) sharing the underlying bars.
func (s Series) Slice(from, to int) Series {
	return Series{Symbol: s.Symbol, Interval: s.Interval, Bars: s.Bars[from:to:to]}
}

func (s Series) Times() []time.Time {
	out := make([]time.Time, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Time
	}
	return out
}

func (s Series) Opens() []float64  { return s.column(func(b Bar) float64 { return b.Open }) }
func (s Series) Highs() []float64  { return s.column(func(b Bar) float64 { return b.High }) }
func (s Series) Lows() []float64   { return s.column(func(b Bar) float64 { return b.Low }) }
func (s Series) Closes() []float64 { return s.column(func(b Bar) float64 { return b.Close }) }

func (s Series) column(get func(Bar) float64) []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = get(b)
	}
	return out
}
