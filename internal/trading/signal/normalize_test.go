package signal

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/backtester/internal/model"
)

func flags(s string) []bool {
	out := make([]bool, len(s))
	for i, c := range s {
		out[i] = c == '1'
	}
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name        string
		entries     string
		exits       string
		primary     Side
		wantEntries string
		wantExits   string
	}{
		{
			name:        "repeated entries collapse",
			entries:     "1110000",
			exits:       "0000100",
			wantEntries: "1000000",
			wantExits:   "0000100",
		},
		{
			name:        "exit before any entry is dropped",
			entries:     "0010000",
			exits:       "1000110",
			wantEntries: "0010000",
			wantExits:   "0000100",
		},
		{
			name:        "trailing exits after last exit dropped",
			entries:     "1000000",
			exits:       "0101011",
			wantEntries: "1000000",
			wantExits:   "0100000",
		},
		{
			name:        "simultaneous favours entry when flat",
			entries:     "0100",
			exits:       "0110",
			primary:     Entry,
			wantEntries: "0100",
			wantExits:   "0010",
		},
		{
			name:        "simultaneous favours exit when flat means nothing happens",
			entries:     "0110",
			exits:       "0101",
			primary:     Exit,
			wantEntries: "0010",
			wantExits:   "0001",
		},
		{
			name:        "simultaneous favours exit when open",
			entries:     "1010",
			exits:       "0010",
			primary:     Exit,
			wantEntries: "1000",
			wantExits:   "0010",
		},
		{
			name:        "never goes flat",
			entries:     "0100100",
			exits:       "0000000",
			wantEntries: "0100000",
			wantExits:   "0000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(flags(tt.entries), flags(tt.exits), tt.primary)
			require.NoError(t, err)
			assert.Equal(t, flags(tt.wantEntries), got.Entries, "entries")
			assert.Equal(t, flags(tt.wantExits), got.Exits, "exits")
		})
	}
}

func TestNormalizeLengthMismatch(t *testing.T) {
	_, err := Normalize(make([]bool, 3), make([]bool, 4), Entry)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNormalizeAlternates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		n := 1 + rng.Intn(60)
		entries, exits := make([]bool, n), make([]bool, n)
		for i := 0; i < n; i++ {
			entries[i] = rng.Float64() < 0.3
			exits[i] = rng.Float64() < 0.3
		}
		primary := Side(rng.Intn(2))

		ev, err := Normalize(entries, exits, primary)
		require.NoError(t, err)

		last := Exit
		for i := 0; i < n; i++ {
			require.False(t, ev.Entries[i] && ev.Exits[i], "bar %d has both events", i)
			if ev.Entries[i] {
				require.Equal(t, Exit, last, "two entries in a row at bar %d", i)
				require.True(t, entries[i])
				last = Entry
			}
			if ev.Exits[i] {
				require.Equal(t, Entry, last, "exit without entry at bar %d", i)
				require.True(t, exits[i])
				last = Exit
			}
		}
	}
}

func TestCrossesIgnoreWarmup(t *testing.T) {
	nan := math.NaN()
	fast := []float64{nan, nan, 1, 3, 2, 1}
	slow := []float64{nan, 2, 2, 2, 2, 2}

	assert.Equal(t, []bool{false, false, false, true, false, false}, CrossAbove(fast, slow))
	assert.Equal(t, []bool{false, false, false, false, false, true}, CrossBelow(fast, slow))
}
