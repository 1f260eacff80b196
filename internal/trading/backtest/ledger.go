package backtest

import (
	"math"
	"time"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/trading/fees"
	"github.com/Alias1177/backtester/internal/trading/risk"
)

// cashGroup is one cash pool and the instruments drawing from it.
type cashGroup struct {
	name    string
	cash    float64
	members []string
}

// openTrade accumulates a round trip until the position returns to flat.
type openTrade struct {
	instrument    string
	side          float64 // +1 long, -1 short
	entryBar      int
	entryTime     time.Time
	enteredQty    float64
	entryNotional float64
	exitedQty     float64
	exitNotional  float64
	fees          float64
	realized      float64
}

// ledger is the mutable state of exactly one run. It is created by the
// engine, owned by the bar loop and discarded with the run.
type ledger struct {
	fees      fees.Model
	groups    []*cashGroup
	groupOf   map[string]*cashGroup
	positions map[string]*model.Position
	open      map[string]*openTrade
	fills     []model.Fill
	trades    []model.Trade
}

func newLedger(fm fees.Model, groups []*cashGroup) *ledger {
	l := &ledger{
		fees:      fm,
		groups:    groups,
		groupOf:   make(map[string]*cashGroup),
		positions: make(map[string]*model.Position),
		open:      make(map[string]*openTrade),
	}
	for _, g := range groups {
		for _, inst := range g.members {
			l.groupOf[inst] = g
			l.positions[inst] = &model.Position{Instrument: inst}
		}
	}
	return l
}

func (l *ledger) position(inst string) float64 {
	return l.positions[inst].Quantity
}

// groupValue marks every member of g with price(inst).
func (l *ledger) groupValue(g *cashGroup, price func(string) float64) float64 {
	v := g.cash
	for _, inst := range g.members {
		if q := l.positions[inst].Quantity; q != 0 {
			v += q * price(inst)
		}
	}
	return v
}

// execute fills qty units of inst at the execution price (before slippage).
// A fill that takes the position through zero is split into a closing leg
// and an opening leg; the fees of the order are shared pro rata.
func (l *ledger) execute(bar int, at time.Time, inst string, qty, price float64) {
	if qty == 0 {
		return
	}
	pos := l.positions[inst]
	if risk.Flattens(pos.Quantity, qty) {
		qty = -pos.Quantity
	}
	fillPrice := l.fees.FillPrice(price, qty)
	propFee, fixedFee := l.fees.Fee(qty * fillPrice)

	if pos.Quantity != 0 && math.Signbit(pos.Quantity) != math.Signbit(qty) && math.Abs(qty) > math.Abs(pos.Quantity) {
		closeQty := -pos.Quantity
		share := math.Abs(closeQty) / math.Abs(qty)
		l.fill(bar, at, inst, closeQty, fillPrice, propFee*share, fixedFee*share)
		l.fill(bar, at, inst, qty-closeQty, fillPrice, propFee*(1-share), fixedFee*(1-share))
		return
	}
	l.fill(bar, at, inst, qty, fillPrice, propFee, fixedFee)
}

// fill applies one leg that never crosses zero.
func (l *ledger) fill(bar int, at time.Time, inst string, qty, price, propFee, fixedFee float64) {
	g := l.groupOf[inst]
	pos := l.positions[inst]
	fee := propFee + fixedFee

	g.cash -= qty*price + fee

	var kind model.FillKind
	before := pos.Quantity
	after := before + qty
	if math.Abs(after) < 1e-12 {
		after = 0
	}

	switch {
	case before == 0:
		kind = model.FillOpen
		pos.AvgCost = price
		l.open[inst] = &openTrade{
			instrument: inst,
			side:       sign(qty),
			entryBar:   bar,
			entryTime:  at,
		}
	case math.Signbit(before) == math.Signbit(qty):
		kind = model.FillIncrease
		pos.AvgCost = (pos.AvgCost*math.Abs(before) + price*math.Abs(qty)) / math.Abs(after)
	case after == 0:
		kind = model.FillClose
	default:
		kind = model.FillReduce
	}

	tr := l.open[inst]
	tr.fees += fee
	if kind == model.FillOpen || kind == model.FillIncrease {
		tr.enteredQty += math.Abs(qty)
		tr.entryNotional += math.Abs(qty) * price
	} else {
		closed := math.Abs(qty)
		tr.realized += tr.side * (price - pos.AvgCost) * closed
		tr.exitedQty += closed
		tr.exitNotional += closed * price
	}

	pos.Quantity = after
	if after == 0 {
		pos.AvgCost = 0
		l.trades = append(l.trades, tr.finish(bar, at, false))
		delete(l.open, inst)
	}

	l.fills = append(l.fills, model.Fill{
		Time:            at,
		Bar:             bar,
		Instrument:      inst,
		Quantity:        qty,
		Price:           price,
		ProportionalFee: propFee,
		FixedFee:        fixedFee,
		CashAfter:       g.cash,
		Kind:            kind,
	})
}

// closeOut marks trades still open at the end of a run to the last close.
func (l *ledger) closeOut(bar int, at time.Time, mark func(string) float64) {
	for _, g := range l.groups {
		for _, inst := range g.members {
			tr, ok := l.open[inst]
			if !ok {
				continue
			}
			pos := l.positions[inst]
			snapshot := *tr
			price := mark(inst)
			remaining := math.Abs(pos.Quantity)
			snapshot.realized += snapshot.side * (price - pos.AvgCost) * remaining
			snapshot.exitedQty += remaining
			snapshot.exitNotional += remaining * price
			l.trades = append(l.trades, snapshot.finish(bar, at, true))
		}
	}
}

func (t *openTrade) finish(bar int, at time.Time, open bool) model.Trade {
	out := model.Trade{
		Instrument: t.instrument,
		EntryTime:  t.entryTime,
		ExitTime:   at,
		EntryBar:   t.entryBar,
		ExitBar:    bar,
		Quantity:   t.side * t.enteredQty,
		Fees:       t.fees,
		PnL:        t.realized - t.fees,
		Open:       open,
	}
	if t.enteredQty > 0 {
		out.EntryPrice = t.entryNotional / t.enteredQty
	}
	if t.exitedQty > 0 {
		out.ExitPrice = t.exitNotional / t.exitedQty
	}
	if t.entryNotional > 0 {
		out.Return = out.PnL / t.entryNotional
	}
	return out
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}
