package strategy

import (
	"math"

	"github.com/Alias1177/backtester/internal/indicators"
	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/trading/signal"
)

// emaCross goes long when the fast EMA crosses above the slow one and
// exits on the opposite cross.
type emaCross struct{}

func (emaCross) Name() string { return "ema_cross" }

func (emaCross) Defaults() Params { return Params{"fast": 10, "slow": 30} }

func (emaCross) Check(p Params) error {
	if err := checkPeriods(p, "fast", "slow"); err != nil {
		return err
	}
	if p["fast"] >= p["slow"] {
		return model.NewConfigError("strategy.params.fast", "fast period %v must be below slow period %v", p["fast"], p["slow"])
	}
	return nil
}

func (s emaCross) Signals(series model.Series, p Params, env Env) (Signals, error) {
	if err := checkLag(env); err != nil {
		return Signals{}, err
	}
	if err := s.Check(p); err != nil {
		return Signals{}, err
	}
	closes := series.Closes()
	fast := indicators.Shift(indicators.EMA(closes, p.Int("fast")), env.Lag)
	slow := indicators.Shift(indicators.EMA(closes, p.Int("slow")), env.Lag)
	return Signals{
		Entries: signal.CrossAbove(fast, slow),
		Exits:   signal.CrossBelow(fast, slow),
	}, nil
}

// donchian buys a close through the previous upper channel and sells a
// close through the previous lower channel.
type donchian struct{}

func (donchian) Name() string { return "donchian" }

func (donchian) Defaults() Params { return Params{"period": 20} }

func (donchian) Check(p Params) error {
	return checkPeriods(p, "period")
}

func (s donchian) Signals(series model.Series, p Params, env Env) (Signals, error) {
	if err := checkLag(env); err != nil {
		return Signals{}, err
	}
	if err := s.Check(p); err != nil {
		return Signals{}, err
	}
	upper, lower := indicators.Donchian(series.Highs(), series.Lows(), p.Int("period"))
	closes := series.Closes()
	return Signals{
		Entries: signal.CrossAbove(closes, indicators.Shift(upper, env.Lag)),
		Exits:   signal.CrossBelow(closes, indicators.Shift(lower, env.Lag)),
	}, nil
}

// macdBreakout trades the bullish MACD regime: after the MACD line flips
// above zero, the high of the flip candle becomes the trigger level and the
// first break of it enters. A flip back below zero exits.
type macdBreakout struct{}

func (macdBreakout) Name() string { return "macd" }

func (macdBreakout) Defaults() Params { return Params{"fast": 12, "slow": 26, "signal": 9} }

func (macdBreakout) Check(p Params) error {
	if err := checkPeriods(p, "fast", "slow", "signal"); err != nil {
		return err
	}
	if p["fast"] >= p["slow"] {
		return model.NewConfigError("strategy.params.fast", "fast period %v must be below slow period %v", p["fast"], p["slow"])
	}
	return nil
}

func (s macdBreakout) Signals(series model.Series, p Params, env Env) (Signals, error) {
	if err := checkLag(env); err != nil {
		return Signals{}, err
	}
	if err := s.Check(p); err != nil {
		return Signals{}, err
	}
	line, _, _ := indicators.MACD(series.Closes(), p.Int("fast"), p.Int("slow"), p.Int("signal"))
	line = indicators.Shift(line, env.Lag)
	zero := make([]float64, len(line))
	bullFlip := signal.CrossAbove(line, zero)
	bearFlip := signal.CrossBelow(line, zero)

	highs := series.Highs()
	n := series.Len()
	entries := make([]bool, n)
	bull := false
	trigger := math.NaN()
	for t := 0; t < n; t++ {
		switch {
		case bullFlip[t]:
			bull = true
			// the flip was observed on the lagged line, so its candle is t-lag
			trigger = highs[t-env.Lag]
		case bearFlip[t]:
			bull = false
			trigger = math.NaN()
		}
		if bull && t > 0 && !math.IsNaN(trigger) && highs[t] > trigger && highs[t-1] <= trigger {
			entries[t] = true
		}
	}
	return Signals{Entries: entries, Exits: bearFlip}, nil
}
