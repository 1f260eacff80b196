// Package walkforward fits strategy parameters on rolling in-sample windows
// and validates each choice on the out-of-sample bars that follow it.
package walkforward

import (
	"github.com/Alias1177/backtester/internal/model"
)

// BuildWindows carves [o, o+train) for training and [o+train, o+train+test)
// for testing, advancing o by step while both slices fit in n bars.
//
// A step shorter than either window makes consecutive windows share bars.
// That has to be requested with allowOverlap.
func BuildWindows(n, train, test, step int, allowOverlap bool) ([]model.Window, error) {
	switch {
	case train < 1:
		return nil, model.NewConfigError("walkforward.train", "must be at least 1 bar, got %d", train)
	case test < 1:
		return nil, model.NewConfigError("walkforward.test", "must be at least 1 bar, got %d", test)
	case step < 1:
		return nil, model.NewConfigError("walkforward.step", "must be at least 1 bar, got %d", step)
	}
	if !allowOverlap && (step < train || step < test) {
		return nil, model.NewConfigError("walkforward.step",
			"step %d is shorter than the train (%d) or test (%d) window, so windows would overlap; set allow_overlap to accept that",
			step, train, test)
	}
	if train+test > n {
		return nil, model.NewConfigError("walkforward.train",
			"train %d + test %d bars do not fit in a series of %d bars", train, test, n)
	}

	var windows []model.Window
	for offset := 0; offset+train+test <= n; offset += step {
		windows = append(windows, model.Window{
			Index:      len(windows),
			TrainStart: offset,
			TrainEnd:   offset + train,
			TestStart:  offset + train,
			TestEnd:    offset + train + test,
		})
	}
	return windows, nil
}
