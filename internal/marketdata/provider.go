// Package marketdata loads price history into validated model.Series values.
// Everything downstream works on fully materialised series; this package is
// the only place that performs I/O for prices.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Alias1177/backtester/internal/model"
)

// Request selects a slice of history. Zero Start or End leave that side
// open; Bars > 0 keeps only the most recent Bars bars.
type Request struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	Start    time.Time `json:"start,omitempty"`
	End      time.Time `json:"end,omitempty"`
	Bars     int       `json:"bars,omitempty"`
}

// Provider returns price history. Implementations are injected; none is
// global.
type Provider interface {
	History(ctx context.Context, req Request) (model.Series, error)
}

// Validate checks the parts of a request every provider relies on.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return model.NewConfigError("symbol", "must not be empty")
	}
	if r.Bars < 0 {
		return model.NewConfigError("bars", "must be >= 0, got %d", r.Bars)
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return model.NewConfigError("end", "%s is before start %s", r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	return nil
}

// Key identifies the request in caches and logs.
func (r Request) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", r.Symbol, r.Interval, stamp(r.Start), stamp(r.End), r.Bars)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// Trim applies the request's date range and bar limit to bars that are
// already sorted oldest first.
func (r Request) Trim(bars []model.Bar) []model.Bar {
	from, to := 0, len(bars)
	if !r.Start.IsZero() {
		for from < to && bars[from].Time.Before(r.Start) {
			from++
		}
	}
	if !r.End.IsZero() {
		for to > from && bars[to-1].Time.After(r.End) {
			to--
		}
	}
	if r.Bars > 0 && to-from > r.Bars {
		from = to - r.Bars
	}
	return bars[from:to]
}

// Load fetches every symbol with the same interval and range.
func Load(ctx context.Context, p Provider, base Request, symbols ...string) ([]model.Series, error) {
	out := make([]model.Series, 0, len(symbols))
	for _, symbol := range symbols {
		req := base
		req.Symbol = symbol
		s, err := p.History(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", symbol, err)
		}
		out = append(out, s)
	}
	return out, nil
}
