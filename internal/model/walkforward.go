package model

import (
	"time"

	"github.com/google/uuid"
)

// Window is one train/test split expressed as half-open bar ranges.
type Window struct {
	Index      int `json:"index"`
	TrainStart int `json:"train_start"`
	TrainEnd   int `json:"train_end"`
	TestStart  int `json:"test_start"`
	TestEnd    int `json:"test_end"`
}

// WindowResult is one row of the walk-forward table. It is immutable once
// appended to a Report.
type WindowResult struct {
	Window
	TrainFrom   time.Time          `json:"train_from"`
	TrainTo     time.Time          `json:"train_to"`
	TestFrom    time.Time          `json:"test_from"`
	TestTo      time.Time          `json:"test_to"`
	Regime      RegimeType         `json:"regime"` // of the test bars
	Params      map[string]float64 `json:"params,omitempty"`
	InSample    Summary            `json:"in_sample"`
	OutOfSample Summary            `json:"out_of_sample"`
	Evaluated   int                `json:"evaluated"` // grid points that finished in-sample
	Skipped     bool               `json:"skipped"`
	SkipReason  string             `json:"skip_reason,omitempty"`
}

// Report is the aggregated walk-forward result.
type Report struct {
	RunID          uuid.UUID          `json:"run_id"`
	Symbol         string             `json:"symbol"`
	Strategy       string             `json:"strategy"`
	CreatedAt      time.Time          `json:"created_at"`
	Windows        []WindowResult     `json:"windows"`
	SkippedWindows int                `json:"skipped_windows"`
	AvgISReturn    float64            `json:"avg_is_return"`
	AvgOOSReturn   float64            `json:"avg_oos_return"`
	Efficiency     float64            `json:"efficiency"`
	OOSWinRate     float64            `json:"oos_win_rate"`
	ParamStdDev    map[string]float64 `json:"param_std_dev,omitempty"`
	ParamMin       map[string]float64 `json:"param_min,omitempty"`
	ParamMax       map[string]float64 `json:"param_max,omitempty"`
	ParamsStable   bool               `json:"params_stable"`
	// RegimeReturns is the mean out-of-sample return per test-window regime.
	RegimeReturns  map[string]float64 `json:"regime_returns,omitempty"`
	Partial        bool               `json:"partial"`
	CancelledUnits int                `json:"cancelled_units"`
	FailedUnits    int                `json:"failed_units"`
	CompletedUnits int                `json:"completed_units"`
}

// Accepted returns the windows that contribute to the aggregates.
func (r *Report) Accepted() []WindowResult {
	out := make([]WindowResult, 0, len(r.Windows))
	for _, w := range r.Windows {
		if !w.Skipped {
			out = append(out, w)
		}
	}
	return out
}

// Verdict classifies out-of-sample robustness: "robust" when at least 70%
// of windows were profitable and efficiency is above 50%, "moderate" when at
// least half were profitable, "weak" otherwise.
func (r *Report) Verdict() string {
	switch {
	case r.OOSWinRate >= 0.7 && r.Efficiency > 0.5:
		return "robust"
	case r.OOSWinRate >= 0.5:
		return "moderate"
	}
	return "weak"
}
