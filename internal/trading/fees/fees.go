// Package fees models transaction costs as a closed set of fee kinds.
package fees

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Alias1177/backtester/internal/model"
)

// Kind is the fee model variant.
type Kind int

const (
	KindZero Kind = iota
	KindProportional
	KindFixed
	KindMixed
)

func (k Kind) String() string {
	switch k {
	case KindZero:
		return "zero"
	case KindProportional:
		return "proportional"
	case KindFixed:
		return "fixed"
	case KindMixed:
		return "mixed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Model is a validated fee/slippage configuration. Build it with one of the
// constructors or Preset; the zero value is the zero-fee model.
type Model struct {
	Kind         Kind    `json:"kind" yaml:"kind"`
	Proportional float64 `json:"proportional" yaml:"proportional"` // fraction of notional
	Fixed        float64 `json:"fixed" yaml:"fixed"`               // per non-zero order
	Slippage     float64 `json:"slippage" yaml:"slippage"`         // fraction of price
}

func Zero() Model { return Model{Kind: KindZero} }

func Proportional(rate, slippage float64) Model {
	return Model{Kind: KindProportional, Proportional: rate, Slippage: slippage}
}

func Fixed(amount, slippage float64) Model {
	return Model{Kind: KindFixed, Fixed: amount, Slippage: slippage}
}

func Mixed(rate, amount, slippage float64) Model {
	return Model{Kind: KindMixed, Proportional: rate, Fixed: amount, Slippage: slippage}
}

// Validate checks that parameters are non-negative, finite and consistent
// with the kind.
func (m Model) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{{"fees.proportional", m.Proportional}, {"fees.fixed", m.Fixed}, {"fees.slippage", m.Slippage}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) || f.v < 0 {
			return model.NewConfigError(f.name, "must be a finite value >= 0, got %v", f.v)
		}
	}
	if m.Slippage >= 1 {
		return model.NewConfigError("fees.slippage", "must be below 1, got %v", m.Slippage)
	}

	switch m.Kind {
	case KindZero:
		if m.Proportional != 0 || m.Fixed != 0 {
			return model.NewConfigError("fees.kind", "zero model cannot carry fees")
		}
	case KindProportional:
		if m.Fixed != 0 {
			return model.NewConfigError("fees.fixed", "proportional model has no fixed fee")
		}
	case KindFixed:
		if m.Proportional != 0 {
			return model.NewConfigError("fees.proportional", "fixed model has no proportional fee")
		}
	case KindMixed:
	default:
		return model.NewConfigError("fees.kind", "unknown kind %d", int(m.Kind))
	}
	return nil
}

// Fee returns the proportional and fixed parts charged on an order of the
// given notional. A zero notional is not an order and costs nothing.
func (m Model) Fee(notional float64) (proportional, fixed float64) {
	if notional == 0 {
		return 0, 0
	}
	return m.Proportional * math.Abs(notional), m.Fixed
}

// FillPrice applies slippage against the trader: buys pay more, sells
// receive less.
func (m Model) FillPrice(price, quantity float64) float64 {
	switch {
	case quantity > 0:
		return price * (1 + m.Slippage)
	case quantity < 0:
		return price * (1 - m.Slippage)
	}
	return price
}

// IsZero reports whether the model charges nothing at all.
func (m Model) IsZero() bool {
	return m.Proportional == 0 && m.Fixed == 0 && m.Slippage == 0
}

func (m Model) String() string {
	return fmt.Sprintf("%s(%.4f%% + %.2f, slip %.4f%%)", m.Kind, m.Proportional*100, m.Fixed, m.Slippage*100)
}

var presets = map[string]Model{
	"zero":     Zero(),
	"flat":     Proportional(0.001, 0),
	"delivery": Mixed(0.00111, 20, 0.0005),
	"intraday": Mixed(0.000225, 20, 0.0005),
	"futures":  Mixed(0.00018, 20, 0.0002),
}

// Preset returns a named fee model.
func Preset(name string) (Model, error) {
	m, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Model{}, model.NewConfigError("fees.preset", "unknown preset %q (known: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return m, nil
}

// PresetNames lists the presets, cheapest model first.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := presets[names[i]], presets[names[j]]
		if a.Fixed != b.Fixed {
			return a.Fixed < b.Fixed
		}
		return a.Proportional < b.Proportional
	})
	return names
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zero", "none":
		return KindZero, nil
	case "proportional", "percent":
		return KindProportional, nil
	case "fixed":
		return KindFixed, nil
	case "mixed":
		return KindMixed, nil
	}
	return 0, model.NewConfigError("fees.kind", "unknown kind %q", s)
}
