package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/Alias1177/backtester/internal/model"
)

// PriceField selects the bar price orders execute at.
type PriceField int

const (
	ExecClose PriceField = iota
	ExecOpen
)

// ParsePriceField accepts "close" and "open".
func ParsePriceField(s string) (PriceField, error) {
	switch s {
	case "", "close":
		return ExecClose, nil
	case "open":
		return ExecOpen, nil
	}
	return 0, model.NewConfigError("execution", "unknown execution price %q", s)
}

// Panel is a set of instruments sharing one time index. Close marks the
// positions; Exec holds the execution prices.
type Panel struct {
	Times       []time.Time
	Instruments []string
	Close       map[string][]float64
	Exec        map[string][]float64
}

// NewPanel aligns series that share exactly the same timestamps.
func NewPanel(exec PriceField, series ...model.Series) (Panel, error) {
	if len(series) == 0 {
		return Panel{}, &model.DataError{Field: "series", Index: -1, Reason: "no instruments"}
	}
	p := Panel{
		Times: series[0].Times(),
		Close: make(map[string][]float64, len(series)),
		Exec:  make(map[string][]float64, len(series)),
	}
	for i, s := range series {
		name := s.Symbol
		if name == "" {
			name = "asset"
			if len(series) > 1 {
				name = fmt.Sprintf("asset%d", i)
			}
		}
		if _, dup := p.Close[name]; dup {
			return Panel{}, &model.DataError{Field: "symbol", Index: -1, Reason: "duplicate instrument " + name}
		}
		if s.Len() != len(p.Times) {
			return Panel{}, &model.DataError{Field: "time", Index: -1, Reason: "series " + name + " is not aligned with " + p.instrumentOr(0)}
		}
		for j, b := range s.Bars {
			if !b.Time.Equal(p.Times[j]) {
				return Panel{}, &model.DataError{Field: "time", Index: j, Reason: "series " + name + " is not aligned"}
			}
		}
		p.Instruments = append(p.Instruments, name)
		p.Close[name] = s.Closes()
		if exec == ExecOpen {
			p.Exec[name] = s.Opens()
		}
	}
	return p, nil
}

// Len is the number of bars.
func (p Panel) Len() int {
	return len(p.Times)
}

// Slice returns bars [from, to) of every instrument.
func (p Panel) Slice(from, to int) Panel {
	out := Panel{
		Times:       p.Times[from:to:to],
		Instruments: p.Instruments,
		Close:       make(map[string][]float64, len(p.Close)),
		Exec:        make(map[string][]float64, len(p.Exec)),
	}
	for k, v := range p.Close {
		out.Close[k] = v[from:to:to]
	}
	for k, v := range p.Exec {
		out.Exec[k] = v[from:to:to]
	}
	return out
}

func (p Panel) execPrice(inst string, bar int) float64 {
	if px, ok := p.Exec[inst]; ok {
		return px[bar]
	}
	return p.Close[inst][bar]
}

func (p Panel) instrumentOr(i int) string {
	if i < len(p.Instruments) {
		return p.Instruments[i]
	}
	return "first series"
}

func (p Panel) validate() error {
	if len(p.Instruments) == 0 {
		return &model.DataError{Field: "series", Index: -1, Reason: "no instruments"}
	}
	for i := 1; i < len(p.Times); i++ {
		if !p.Times[i].After(p.Times[i-1]) {
			return &model.DataError{Field: "time", Index: i, Reason: "timestamps must be strictly increasing"}
		}
	}
	for _, inst := range p.Instruments {
		closes, ok := p.Close[inst]
		if !ok || len(closes) != len(p.Times) {
			return &model.DataError{Field: "close", Index: -1, Reason: "missing or misaligned closes for " + inst}
		}
		if px, ok := p.Exec[inst]; ok && len(px) != len(p.Times) {
			return &model.DataError{Field: "exec", Index: -1, Reason: "misaligned execution prices for " + inst}
		}
		if len(closes) > 0 && (math.IsNaN(closes[0]) || closes[0] <= 0) {
			return &model.DataError{Field: "close", Index: 0, Reason: "first close of " + inst + " must be positive"}
		}
	}
	return nil
}
