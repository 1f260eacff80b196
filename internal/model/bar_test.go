package model

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBars(n int) []Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]Bar, n)
	for i := range bars {
		p := 100 + float64(i)
		bars[i] = Bar{Time: start.AddDate(0, 0, i), Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 1000}
	}
	return bars
}

func TestNewSeries(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func([]Bar) []Bar
		wantField string
		wantIndex int
	}{
		{
			name:   "valid",
			mutate: func(b []Bar) []Bar { return b },
		},
		{
			name:      "empty",
			mutate:    func(b []Bar) []Bar { return nil },
			wantField: "bars",
			wantIndex: -1,
		},
		{
			name: "duplicate timestamp",
			mutate: func(b []Bar) []Bar {
				b[3].Time = b[2].Time
				return b
			},
			wantField: "time",
			wantIndex: 3,
		},
		{
			name: "decreasing timestamp",
			mutate: func(b []Bar) []Bar {
				b[4].Time = b[0].Time
				return b
			},
			wantField: "time",
			wantIndex: 4,
		},
		{
			name: "missing close",
			mutate: func(b []Bar) []Bar {
				b[1].Close = math.NaN()
				return b
			},
			wantField: "close",
			wantIndex: 1,
		},
		{
			name: "zero open",
			mutate: func(b []Bar) []Bar {
				b[2].Open = 0
				return b
			},
			wantField: "open",
			wantIndex: 2,
		},
		{
			name: "volume is optional",
			mutate: func(b []Bar) []Bar {
				for i := range b {
					b[i].Volume = 0
				}
				return b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSeries("TEST", "1day", tt.mutate(testBars(6)))
			if tt.wantField == "" {
				require.NoError(t, err)
				assert.Equal(t, 6, s.Len())
				return
			}
			var dataErr *DataError
			require.True(t, errors.As(err, &dataErr), "want DataError, got %v", err)
			assert.Equal(t, tt.wantField, dataErr.Field)
			assert.Equal(t, tt.wantIndex, dataErr.Index)
		})
	}
}

func TestSeriesSliceIsIsolated(t *testing.T) {
	s, err := NewSeries("TEST", "1day", testBars(10))
	require.NoError(t, err)

	part := s.Slice(2, 5)
	assert.Equal(t, 3, part.Len())
	assert.Equal(t, []float64{102, 103, 104}, part.Closes())

	// appending to a slice must never write into the parent's later bars
	grown := append(part.Bars, Bar{Close: -1})
	assert.Equal(t, -1.0, grown[3].Close)
	assert.Equal(t, 105.0, s.Bars[5].Close)
}

func TestParseSizeKind(t *testing.T) {
	for in, want := range map[string]SizeKind{
		"percent":        SizePercent,
		"targetpercent":  SizeTargetPercent,
		"target-percent": SizeTargetPercent,
		"value":          SizeValue,
		"Quantity":       SizeQuantity,
	} {
		got, err := ParseSizeKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSizeKind("lots")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "sizing.kind", cfgErr.Field)
}
