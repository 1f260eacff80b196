package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/trading/fees"
	"github.com/Alias1177/backtester/internal/trading/risk"
)

// DefaultGroup names the shared cash pool when cash sharing is on and an
// instrument has no explicit group.
const DefaultGroup = "portfolio"

const cancelCheckEvery = 64

// Config holds the parameters of one simulation
type Config struct {
	InitCash    float64           `json:"init_cash"`
	Fees        fees.Model        `json:"fees"`
	Sizing      risk.Sizing       `json:"sizing"`
	Direction   model.Direction   `json:"direction"`
	Accumulate  bool              `json:"accumulate"`
	CashSharing bool              `json:"cash_sharing"`
	Groups      map[string]string `json:"groups,omitempty"` // instrument -> cash group
}

// Validate checks the parameters shared by every driver.
func (c Config) Validate() error {
	if c.InitCash <= 0 || math.IsNaN(c.InitCash) || math.IsInf(c.InitCash, 0) {
		return model.NewConfigError("init_cash", "must be positive and finite, got %v", c.InitCash)
	}
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	return c.Sizing.ValidateLots()
}

// Result is the output of one ledger run: the equity curve with its cash
// and holdings components, the fill log and the round-trip trades.
type Result struct {
	Times       []time.Time
	Instruments []string
	InitCash    float64
	Cash        []float64
	Equity      []float64
	Holdings    map[string][]float64
	Marks       map[string][]float64
	GroupEquity map[string][]float64
	Fills       []model.Fill
	Trades      []model.Trade
	Warnings    []model.SizingError
	Clipped     int
	Skipped     int
}

// Len is the number of bars in the run.
func (r *Result) Len() int {
	return len(r.Times)
}

// SignalInput carries the entry and exit events of a single instrument run.
type SignalInput struct {
	Entries []bool
	Exits   []bool
	// Sizes overrides the configured entry size per bar when set.
	Sizes []float64
}

// Engine simulates portfolios bar by bar. An Engine holds only
// configuration; every call builds its own ledger, so one Engine may serve
// concurrent runs.
type Engine struct {
	cfg      Config
	logger   zerolog.Logger
	warnings zerolog.Logger
}

// NewEngine validates cfg and creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := log.With().Str("component", "backtest_engine").Logger()
	return &Engine{
		cfg:      cfg,
		logger:   logger,
		warnings: logger.Sample(&zerolog.BurstSampler{Burst: 20, Period: time.Second}),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// FromSignals runs one instrument from entry and exit events. Entries buy
// with the configured sizing and are ignored while a position is open unless
// Accumulate is set; exits close the whole position. A bar carrying both an
// entry and an exit is ignored.
func (e *Engine) FromSignals(ctx context.Context, s model.Series, in SignalInput) (*Result, error) {
	n := s.Len()
	if len(in.Entries) != n || len(in.Exits) != n {
		return nil, model.NewConfigError("signals", "entries (%d) and exits (%d) must match %d bars", len(in.Entries), len(in.Exits), n)
	}
	if in.Sizes != nil && len(in.Sizes) != n {
		return nil, model.NewConfigError("signals", "sizes (%d) must match %d bars", len(in.Sizes), n)
	}
	if in.Sizes == nil {
		if err := e.cfg.Sizing.Validate(); err != nil {
			return nil, err
		}
	}

	panel, err := NewPanel(ExecClose, s)
	if err != nil {
		return nil, err
	}
	inst := panel.Instruments[0]

	return e.run(ctx, panel, func(bar int, l *ledger) []model.Order {
		entry, exit := in.Entries[bar], in.Exits[bar]
		if entry == exit {
			return nil
		}
		pos := l.position(inst)
		if exit {
			if pos == 0 {
				return nil
			}
			return []model.Order{{Bar: bar, Instrument: inst, Size: math.Inf(-1), Kind: model.SizeValue}}
		}
		if pos != 0 && !e.cfg.Accumulate {
			return nil
		}
		size := e.cfg.Sizing.Value
		if in.Sizes != nil {
			size = in.Sizes[bar]
		}
		return []model.Order{{Bar: bar, Instrument: inst, Size: size, Kind: e.cfg.Sizing.Kind}}
	})
}

// FromOrders runs a panel of instruments from explicit orders. Orders may
// come in any order; they are applied by bar, and within one bar and cash
// group sells run before buys.
func (e *Engine) FromOrders(ctx context.Context, p Panel, orders []model.Order) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(p.Instruments))
	for _, inst := range p.Instruments {
		known[inst] = true
	}
	sorted := make([]model.Order, len(orders))
	copy(sorted, orders)
	for i, o := range sorted {
		if o.Bar < 0 || o.Bar >= p.Len() {
			return nil, model.NewConfigError("orders", "order %d: bar %d outside [0, %d)", i, o.Bar, p.Len())
		}
		if !known[o.Instrument] {
			return nil, model.NewConfigError("orders", "order %d: unknown instrument %q", i, o.Instrument)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Bar < sorted[j].Bar })

	next := 0
	return e.run(ctx, p, func(bar int, _ *ledger) []model.Order {
		start := next
		for next < len(sorted) && sorted[next].Bar == bar {
			next++
		}
		return sorted[start:next]
	})
}

// Hold buys each instrument of the panel with its whole cash group on the
// first bar and holds to the end. With shared cash the pool is split evenly.
func (e *Engine) Hold(ctx context.Context, p Panel) (*Result, error) {
	members := make(map[string]int)
	for _, inst := range p.Instruments {
		members[e.groupName(inst)]++
	}
	orders := make([]model.Order, 0, len(p.Instruments))
	for _, inst := range p.Instruments {
		orders = append(orders, model.Order{
			Bar:        0,
			Instrument: inst,
			Size:       1 / float64(members[e.groupName(inst)]),
			Kind:       model.SizePercent,
		})
	}
	return e.FromOrders(ctx, p, orders)
}

type orderSource func(bar int, l *ledger) []model.Order

func (e *Engine) run(ctx context.Context, p Panel, next orderSource) (*Result, error) {
	groups := e.groups(p.Instruments)
	l := newLedger(e.cfg.Fees, groups)
	sizer := risk.NewSizer(e.cfg.Fees, e.cfg.Direction, e.cfg.Sizing.MinSize, e.cfg.Sizing.Granularity)
	res := newResult(p, groups, e.cfg.InitCash)

	n := p.Len()
	marks := make(map[string]float64, len(p.Instruments))
	mark := func(inst string) float64 { return marks[inst] }

	for bar := 0; bar < n; bar++ {
		if bar%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("simulate bar %d: %w", bar, err)
			}
		}
		for _, inst := range p.Instruments {
			if c := p.Close[inst][bar]; !math.IsNaN(c) {
				marks[inst] = c
			}
		}

		if orders := next(bar, l); len(orders) > 0 {
			e.apply(bar, p, l, sizer, orders, res, mark)
		}

		var cash, equity float64
		for _, g := range groups {
			v := l.groupValue(g, mark)
			res.GroupEquity[g.name][bar] = v
			cash += g.cash
			equity += v
		}
		for _, inst := range p.Instruments {
			res.Holdings[inst][bar] = l.position(inst)
			res.Marks[inst][bar] = marks[inst]
		}
		res.Cash[bar] = cash
		res.Equity[bar] = equity
	}

	if n > 0 {
		l.closeOut(n-1, p.Times[n-1], mark)
	}
	res.Fills = l.fills
	res.Trades = l.trades

	e.logger.Debug().
		Int("bars", n).
		Int("fills", len(res.Fills)).
		Int("clipped", res.Clipped).
		Int("skipped", res.Skipped).
		Msg("Simulation finished")
	return res, nil
}

// apply sizes and fills the orders of one bar. Each cash group is valued
// once before trading; orders are then run sells first so that freed cash
// funds the buys of the same bar.
func (e *Engine) apply(bar int, p Panel, l *ledger, sizer *risk.Sizer, orders []model.Order, res *Result, mark func(string) float64) {
	at := p.Times[bar]
	price := func(inst string) float64 {
		if px := p.execPrice(inst, bar); px > 0 {
			return px
		}
		return mark(inst)
	}

	for _, g := range l.groups {
		var pending []model.Order
		for _, o := range orders {
			if l.groupOf[o.Instrument] == g {
				pending = append(pending, o)
			}
		}
		if len(pending) == 0 {
			continue
		}

		equity := l.groupValue(g, price)
		state := func(inst string) risk.AccountState {
			return risk.AccountState{
				Cash:     g.cash,
				Equity:   equity,
				Position: l.position(inst),
				Price:    p.execPrice(inst, bar),
			}
		}

		if len(pending) > 1 {
			value := make([]float64, len(pending))
			for i, o := range pending {
				st := state(o.Instrument)
				value[i] = sizer.Target(request(o), st) * st.Price
			}
			idx := make([]int, len(pending))
			for i := range idx {
				idx[i] = i
			}
			sort.SliceStable(idx, func(a, b int) bool { return value[idx[a]] < value[idx[b]] })
			ordered := make([]model.Order, len(pending))
			for i, j := range idx {
				ordered[i] = pending[j]
			}
			pending = ordered
		}

		for _, o := range pending {
			st := state(o.Instrument)
			dec := sizer.Size(request(o), st)
			if dec.Warning != nil {
				e.record(res, *dec.Warning)
			}
			if dec.Quantity != 0 {
				l.execute(bar, at, o.Instrument, dec.Quantity, st.Price)
			}
		}
	}
}

func (e *Engine) record(res *Result, w model.SizingError) {
	res.Warnings = append(res.Warnings, w)
	if w.Skipped() {
		res.Skipped++
	} else {
		res.Clipped++
	}
	e.warnings.Warn().
		Str("instrument", w.Instrument).
		Int("bar", w.Bar).
		Float64("requested", w.Requested).
		Float64("filled", w.Filled).
		Msg(w.Reason)
}

func request(o model.Order) risk.Request {
	return risk.Request{Instrument: o.Instrument, Bar: o.Bar, Kind: o.Kind, Size: o.Size}
}

func (e *Engine) groupName(inst string) string {
	if !e.cfg.CashSharing {
		return inst
	}
	if name, ok := e.cfg.Groups[inst]; ok && name != "" {
		return name
	}
	return DefaultGroup
}

// groups builds the cash pools in order of first appearance.
func (e *Engine) groups(instruments []string) []*cashGroup {
	var out []*cashGroup
	byName := make(map[string]*cashGroup)
	for _, inst := range instruments {
		name := e.groupName(inst)
		g, ok := byName[name]
		if !ok {
			g = &cashGroup{name: name, cash: e.cfg.InitCash}
			byName[name] = g
			out = append(out, g)
		}
		g.members = append(g.members, inst)
	}
	return out
}

func newResult(p Panel, groups []*cashGroup, initCash float64) *Result {
	n := p.Len()
	res := &Result{
		Times:       p.Times,
		Instruments: p.Instruments,
		InitCash:    initCash * float64(len(groups)),
		Cash:        make([]float64, n),
		Equity:      make([]float64, n),
		Holdings:    make(map[string][]float64, len(p.Instruments)),
		Marks:       make(map[string][]float64, len(p.Instruments)),
		GroupEquity: make(map[string][]float64, len(groups)),
	}
	for _, inst := range p.Instruments {
		res.Holdings[inst] = make([]float64, n)
		res.Marks[inst] = make([]float64, n)
	}
	for _, g := range groups {
		res.GroupEquity[g.name] = make([]float64, n)
	}
	return res
}
