package model

import (
	"errors"
	"fmt"
)

// ErrOptimizationDegenerate marks a walk-forward window where no grid point
// produced a finite in-sample score.
var ErrOptimizationDegenerate = errors.New("optimization degenerate: no finite score in window")

// ConfigError reports an invalid configuration value. It is returned before
// any simulation starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// DataError reports malformed market data. Index is the offending bar, or -1
// when the problem is not tied to a single bar.
type DataError struct {
	Field  string
	Index  int
	Reason string
}

func (e *DataError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid data %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid data %s at bar %d: %s", e.Field, e.Index, e.Reason)
}

// SizingError is a non-fatal warning raised when an order had to be clipped
// or skipped. The run continues.
type SizingError struct {
	Instrument string
	Bar        int
	Requested  float64
	Filled     float64
	Reason     string
}

func (e *SizingError) Error() string {
	return fmt.Sprintf("sizing %s at bar %d: %s (requested %.6g, filled %.6g)",
		e.Instrument, e.Bar, e.Reason, e.Requested, e.Filled)
}

// Skipped reports whether the order was dropped entirely.
func (e *SizingError) Skipped() bool {
	return e.Filled == 0
}

// NewConfigError is a shorthand used by validators.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
