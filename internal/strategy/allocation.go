package strategy

import (
	"math"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/trading/backtest"
)

// dualMomentum rotates the allocation into whichever instrument had the
// best return over the last completed period. Orders go out only on switch
// bars and execute at the open.
type dualMomentum struct{}

func (dualMomentum) Name() string { return "dual_momentum" }

func (dualMomentum) Defaults() Params { return Params{"period": 63, "allocation": 0.75} }

func (dualMomentum) Check(p Params) error {
	if err := checkPeriods(p, "period"); err != nil {
		return err
	}
	if v := p["allocation"]; math.IsNaN(v) || v <= 0 || v > 1 {
		return model.NewConfigError("strategy.params.allocation", "must be a fraction within (0, 1], got %v", v)
	}
	return nil
}

func (dualMomentum) Execution() backtest.PriceField { return backtest.ExecOpen }

func (s dualMomentum) Orders(panel backtest.Panel, p Params, env Env) ([]model.Order, error) {
	if err := checkLag(env); err != nil {
		return nil, err
	}
	if err := s.Check(p); err != nil {
		return nil, err
	}
	if len(panel.Instruments) < 2 {
		return nil, model.NewConfigError("symbols", "dual momentum needs at least two instruments, got %d", len(panel.Instruments))
	}

	period := p.Int("period")
	n := panel.Len()
	var orders []model.Order
	current := ""
	for end := period; end < n; end += period {
		winner := ""
		best := math.Inf(-1)
		for _, inst := range panel.Instruments {
			closes := panel.Close[inst]
			ret := closes[end]/closes[end-period] - 1
			if math.IsNaN(ret) {
				continue
			}
			if ret > best {
				best, winner = ret, inst
			}
		}
		apply := end + env.Lag
		if winner == "" || winner == current || apply >= n {
			continue
		}
		current = winner
		for _, inst := range panel.Instruments {
			target := 0.0
			if inst == winner {
				target = p["allocation"]
			}
			orders = append(orders, model.Order{Bar: apply, Instrument: inst, Size: target, Kind: model.SizeTargetPercent})
		}
	}
	return orders, nil
}

// fixedWeights buys a static allocation on the first bar and holds it.
// Parameters are instrument weights; none means equal weights.
type fixedWeights struct{}

func (fixedWeights) Name() string { return "weights" }

func (fixedWeights) Defaults() Params { return Params{} }

func (fixedWeights) Check(p Params) error {
	var sum float64
	for inst, w := range p {
		if math.IsNaN(w) || w < 0 || w > 1 {
			return model.NewConfigError("strategy.params."+inst, "weight must be within [0, 1], got %v", w)
		}
		sum += w
	}
	if sum > 1+1e-9 {
		return model.NewConfigError("strategy.params", "weights sum to %v, above 1", sum)
	}
	return nil
}

func (fixedWeights) Execution() backtest.PriceField { return backtest.ExecClose }

func (s fixedWeights) Orders(panel backtest.Panel, p Params, _ Env) ([]model.Order, error) {
	if err := s.Check(p); err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(panel.Instruments))
	for _, inst := range panel.Instruments {
		known[inst] = true
	}
	for inst := range p {
		if !known[inst] {
			return nil, model.NewConfigError("strategy.params."+inst, "weight given for an instrument that is not loaded")
		}
	}

	orders := make([]model.Order, 0, len(panel.Instruments))
	for _, inst := range panel.Instruments {
		w := 1 / float64(len(panel.Instruments))
		if len(p) > 0 {
			w = p[inst]
		}
		if w == 0 {
			continue
		}
		orders = append(orders, model.Order{Bar: 0, Instrument: inst, Size: w, Kind: model.SizeTargetPercent})
	}
	return orders, nil
}
