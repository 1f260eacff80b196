package walkforward

import (
	"math"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/strategy"
)

// Axis is one named parameter and its candidate values.
type Axis struct {
	Name   string    `yaml:"name"`
	Values []float64 `yaml:"values"`
}

// Range builds an axis from, from+step, ... up to and including to.
func Range(name string, from, to, step float64) (Axis, error) {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return Axis{}, model.NewConfigError("walkforward.grid."+name, "step must be positive, got %v", step)
	}
	if to < from {
		return Axis{}, model.NewConfigError("walkforward.grid."+name, "range end %v is below its start %v", to, from)
	}
	axis := Axis{Name: name}
	count := int(math.Floor((to-from)/step+1e-9)) + 1
	for i := 0; i < count; i++ {
		axis.Values = append(axis.Values, from+float64(i)*step)
	}
	return axis, nil
}

// Grid is the Cartesian product of its axes.
type Grid struct {
	Axes []Axis
}

// Size is the number of combinations before any constraint is applied.
func (g Grid) Size() int {
	if len(g.Axes) == 0 {
		return 0
	}
	size := 1
	for _, a := range g.Axes {
		size *= len(a.Values)
	}
	return size
}

// Points enumerates the combinations with the first axis varying slowest,
// merged over base and kept only when check accepts them. A nil check keeps
// everything.
func (g Grid) Points(base strategy.Params, check func(strategy.Params) error) ([]strategy.Params, error) {
	if len(g.Axes) == 0 {
		return nil, model.NewConfigError("walkforward.grid", "no parameter axes")
	}
	seen := make(map[string]bool, len(g.Axes))
	for _, a := range g.Axes {
		if a.Name == "" {
			return nil, model.NewConfigError("walkforward.grid", "axis without a name")
		}
		if seen[a.Name] {
			return nil, model.NewConfigError("walkforward.grid."+a.Name, "duplicate axis")
		}
		seen[a.Name] = true
		if len(a.Values) == 0 {
			return nil, model.NewConfigError("walkforward.grid."+a.Name, "axis has no values")
		}
	}

	var points []strategy.Params
	idx := make([]int, len(g.Axes))
	for {
		p := make(strategy.Params, len(g.Axes))
		for i, a := range g.Axes {
			p[a.Name] = a.Values[idx[i]]
		}
		p = p.Merge(base)
		if check == nil || check(p) == nil {
			points = append(points, p)
		}

		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(g.Axes[i].Values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	if len(points) == 0 {
		return nil, model.NewConfigError("walkforward.grid", "no combination of %d satisfies the strategy constraints", g.Size())
	}
	return points, nil
}
