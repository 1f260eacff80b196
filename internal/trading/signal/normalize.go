// Package signal turns raw entry/exit conditions into alternating events.
package signal

import (
	"github.com/Alias1177/backtester/internal/model"
)

// Side names which candidate wins when entry and exit fire on the same bar.
type Side int

const (
	Entry Side = iota
	Exit
)

// Events holds mutually exclusive, alternating entry and exit flags.
type Events struct {
	Entries []bool
	Exits   []bool
}

// Count returns the number of accepted entries and exits.
func (e Events) Count() (entries, exits int) {
	for i := range e.Entries {
		if e.Entries[i] {
			entries++
		}
		if e.Exits[i] {
			exits++
		}
	}
	return entries, exits
}

// Normalize scans the candidates left to right, tracking whether the
// simulated position is flat or open. An entry is accepted only while flat
// and an exit only while open, so accepted events alternate starting with an
// entry. When both candidates fire on one bar only the primary side is
// considered for that bar.
func Normalize(entries, exits []bool, primary Side) (Events, error) {
	if len(entries) != len(exits) {
		return Events{}, model.NewConfigError("signals", "entry and exit series differ in length: %d vs %d", len(entries), len(exits))
	}

	out := Events{
		Entries: make([]bool, len(entries)),
		Exits:   make([]bool, len(exits)),
	}
	open := false
	for i := range entries {
		entry, exit := entries[i], exits[i]
		if entry && exit {
			if primary == Entry {
				exit = false
			} else {
				entry = false
			}
		}

		switch {
		case !open && entry:
			out.Entries[i] = true
			open = true
		case open && exit:
			out.Exits[i] = true
			open = false
		}
	}
	return out, nil
}

// CrossAbove is true on bars where a moves from at or below b to above b.
// Comparisons with NaN are false, so a NaN among the four values involved
// yields false.
func CrossAbove(a, b []float64) []bool {
	out := make([]bool, min(len(a), len(b)))
	for i := 1; i < len(out); i++ {
		out[i] = a[i] > b[i] && a[i-1] <= b[i-1]
	}
	return out
}

// CrossBelow is true on bars where a moves from at or above b to below b.
// Comparisons with NaN are false, so a NaN among the four values involved
// yields false.
func CrossBelow(a, b []float64) []bool {
	out := make([]bool, min(len(a), len(b)))
	for i := 1; i < len(out); i++ {
		out[i] = a[i] < b[i] && a[i-1] >= b[i-1]
	}
	return out
}

// Or combines flags element-wise.
func Or(a, b []bool) []bool {
	out := make([]bool, min(len(a), len(b)))
	for i := range out {
		out[i] = a[i] || b[i]
	}
	return out
}

// And combines flags element-wise.
func And(a, b []bool) []bool {
	out := make([]bool, min(len(a), len(b)))
	for i := range out {
		out[i] = a[i] && b[i]
	}
	return out
}
