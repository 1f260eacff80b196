package strategy

import (
	"math"

	"github.com/Alias1177/backtester/internal/indicators"
	"github.com/Alias1177/backtester/internal/model"
)

// rsiAccumulation buys a slab of cash every bar the lagged RSI sits below
// buy_below, sizing the slab by how oversold the market is, and sells the
// whole position once RSI rises above exit_above.
//
//	RSI >= 50            slab_high of the initial cash
//	30 <= RSI < 50       slab_mid
//	RSI < 30             slab_low
type rsiAccumulation struct{}

func (rsiAccumulation) Name() string { return "rsi_accumulation" }

func (rsiAccumulation) Defaults() Params {
	return Params{
		"period":     14,
		"buy_below":  68,
		"exit_above": 70,
		"slab_high":  0.05,
		"slab_mid":   0.10,
		"slab_low":   0.20,
	}
}

func (rsiAccumulation) Check(p Params) error {
	if err := checkPeriods(p, "period"); err != nil {
		return err
	}
	for _, name := range []string{"buy_below", "exit_above"} {
		if v := p[name]; math.IsNaN(v) || v < 0 || v > 100 {
			return model.NewConfigError("strategy.params."+name, "RSI level must be within [0, 100], got %v", v)
		}
	}
	if p["buy_below"] >= p["exit_above"] {
		return model.NewConfigError("strategy.params.buy_below", "buy level %v must be below exit level %v", p["buy_below"], p["exit_above"])
	}
	for _, name := range []string{"slab_high", "slab_mid", "slab_low"} {
		v := p[name]
		if math.IsNaN(v) || v <= 0 || v > 1 {
			return model.NewConfigError("strategy.params."+name, "slab must be a fraction within (0, 1], got %v", v)
		}
	}
	return nil
}

func (s rsiAccumulation) Signals(series model.Series, p Params, env Env) (Signals, error) {
	if err := checkLag(env); err != nil {
		return Signals{}, err
	}
	if err := s.Check(p); err != nil {
		return Signals{}, err
	}
	if env.InitCash <= 0 {
		return Signals{}, model.NewConfigError("init_cash", "slab sizing needs a positive initial cash, got %v", env.InitCash)
	}

	rsi := indicators.Shift(indicators.RSI(series.Closes(), p.Int("period")), env.Lag)
	n := series.Len()
	out := Signals{
		Entries:    make([]bool, n),
		Exits:      make([]bool, n),
		Sizes:      make([]float64, n),
		SizeKind:   model.SizeValue,
		Accumulate: true,
	}
	for t, v := range rsi {
		out.Sizes[t] = math.NaN()
		switch {
		case math.IsNaN(v):
		case v < p["buy_below"]:
			out.Entries[t] = true
			out.Sizes[t] = env.InitCash * slab(v, p)
		case v > p["exit_above"]:
			out.Exits[t] = true
		}
	}
	return out, nil
}

func slab(rsi float64, p Params) float64 {
	switch {
	case rsi >= 50:
		return p["slab_high"]
	case rsi >= 30:
		return p["slab_mid"]
	}
	return p["slab_low"]
}
