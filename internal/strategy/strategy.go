// Package strategy turns price history into trading intents: entry and exit
// candidates for single-instrument rules, target allocations for panels.
// Every indicator a strategy reads is delayed by Env.Lag bars, so a value
// computed on bar t only drives decisions from bar t+Lag on.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/trading/backtest"
)

// Params are the tunable numbers of a strategy, keyed by name.
type Params map[string]float64

// Merge returns defaults overlaid with p.
func (p Params) Merge(defaults Params) Params {
	out := make(Params, len(defaults)+len(p))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Int reads a parameter as a whole number of bars.
func (p Params) Int(name string) int {
	return int(math.Round(p[name]))
}

// Key renders the parameters in name order, e.g. "fast=10 slow=30".
func (p Params) Key() string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = fmt.Sprintf("%s=%g", k, p[k])
	}
	return strings.Join(parts, " ")
}

// Env is the run context a strategy may read.
type Env struct {
	Lag      int
	InitCash float64
}

// Signals are the raw entry and exit candidates of a single-instrument
// rule. Sizes, when set, overrides the configured entry size per bar and is
// read as SizeKind.
type Signals struct {
	Entries    []bool
	Exits      []bool
	Sizes      []float64
	SizeKind   model.SizeKind
	Accumulate bool
}

// Signaler is a single-instrument rule producing entry and exit candidates.
type Signaler interface {
	Name() string
	Defaults() Params
	// Check rejects parameter sets the rule cannot run with.
	Check(p Params) error
	Signals(s model.Series, p Params, env Env) (Signals, error)
}

// Allocator is a multi-instrument rule producing orders for a panel.
type Allocator interface {
	Name() string
	Defaults() Params
	Check(p Params) error
	Execution() backtest.PriceField
	Orders(panel backtest.Panel, p Params, env Env) ([]model.Order, error)
}

var (
	signalers = map[string]Signaler{
		"ema_cross":        emaCross{},
		"donchian":         donchian{},
		"macd":             macdBreakout{},
		"rsi_accumulation": rsiAccumulation{},
	}
	allocators = map[string]Allocator{
		"dual_momentum": dualMomentum{},
		"weights":       fixedWeights{},
	}
)

// NewSignaler looks up a single-instrument strategy by name.
func NewSignaler(name string) (Signaler, error) {
	if s, ok := signalers[name]; ok {
		return s, nil
	}
	return nil, model.NewConfigError("strategy.name", "unknown strategy %q (have %s)", name, strings.Join(SignalerNames(), ", "))
}

// NewAllocator looks up a panel strategy by name.
func NewAllocator(name string) (Allocator, error) {
	if a, ok := allocators[name]; ok {
		return a, nil
	}
	return nil, model.NewConfigError("strategy.name", "unknown allocation strategy %q (have %s)", name, strings.Join(AllocatorNames(), ", "))
}

// SignalerNames lists the single-instrument strategies.
func SignalerNames() []string {
	return sortedKeys(signalers)
}

// AllocatorNames lists the panel strategies.
func AllocatorNames() []string {
	return sortedKeys(allocators)
}

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func checkLag(env Env) error {
	if env.Lag < 1 {
		return model.NewConfigError("signal_lag", "must be at least 1 bar, got %d", env.Lag)
	}
	return nil
}

// checkPeriods requires every named parameter to be a whole number >= 1.
func checkPeriods(p Params, names ...string) error {
	for _, name := range names {
		v, ok := p[name]
		if !ok {
			return model.NewConfigError("strategy.params."+name, "missing")
		}
		if math.IsNaN(v) || v < 1 || v != math.Trunc(v) {
			return model.NewConfigError("strategy.params."+name, "must be a whole number >= 1, got %v", v)
		}
	}
	return nil
}
