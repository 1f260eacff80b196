package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/trading/fees"
)

// Sizing is the configured sizing intent shared by every order of a run.
type Sizing struct {
	Kind        model.SizeKind `json:"kind" yaml:"kind"`
	Value       float64        `json:"value" yaml:"value"`
	MinSize     float64        `json:"min_size" yaml:"min_size"`
	Granularity float64        `json:"granularity" yaml:"granularity"`
}

// Validate checks the sizing fractions and lot parameters.
func (s Sizing) Validate() error {
	if math.IsNaN(s.Value) {
		return model.NewConfigError("sizing.value", "must be a number")
	}
	switch s.Kind {
	case model.SizePercent, model.SizeTargetPercent:
		if s.Value < 0 || s.Value > 1 {
			return model.NewConfigError("sizing.value", "%s fraction must be within [0, 1], got %v", s.Kind, s.Value)
		}
	case model.SizeValue:
		if s.Value <= 0 {
			return model.NewConfigError("sizing.value", "value amount must be positive, got %v", s.Value)
		}
	case model.SizeQuantity:
		if s.Value <= 0 || math.IsInf(s.Value, 0) {
			return model.NewConfigError("sizing.value", "quantity must be positive and finite, got %v", s.Value)
		}
	default:
		return model.NewConfigError("sizing.kind", "unknown kind %d", int(s.Kind))
	}
	return s.ValidateLots()
}

// ValidateLots checks only the minimum size and granularity. Runs driven by
// explicit orders carry their own kinds and sizes.
func (s Sizing) ValidateLots() error {
	if s.MinSize < 0 || math.IsNaN(s.MinSize) {
		return model.NewConfigError("sizing.min_size", "must be >= 0, got %v", s.MinSize)
	}
	if s.Granularity < 0 || math.IsNaN(s.Granularity) || math.IsInf(s.Granularity, 0) {
		return model.NewConfigError("sizing.granularity", "must be >= 0, got %v", s.Granularity)
	}
	return nil
}

// AccountState is what the sizer sees of the ledger at decision time.
type AccountState struct {
	Cash     float64 // cash available to the instrument's group
	Equity   float64 // group equity marked at the current bar
	Position float64 // signed quantity held
	Price    float64 // execution price before slippage
}

// Request is one order to size.
type Request struct {
	Instrument string
	Bar        int
	Kind       model.SizeKind
	Size       float64
}

// Decision is the sized quantity and, when the order had to be clipped or
// dropped, the warning explaining why.
type Decision struct {
	Quantity float64
	Warning  *model.SizingError
}

// Sizer converts sizing intents into lot-rounded, affordable quantities.
type Sizer struct {
	fees        fees.Model
	direction   model.Direction
	minSize     float64
	granularity decimal.Decimal
}

// NewSizer creates a sizer for one run.
func NewSizer(fm fees.Model, direction model.Direction, minSize, granularity float64) *Sizer {
	return &Sizer{
		fees:        fm,
		direction:   direction,
		minSize:     minSize,
		granularity: decimal.NewFromFloat(granularity),
	}
}

// Target returns the unrounded quantity implied by the request. NaN sizes
// and unusable prices yield 0.
func (s *Sizer) Target(req Request, st AccountState) float64 {
	if math.IsNaN(req.Size) || math.IsNaN(st.Price) || st.Price <= 0 {
		return 0
	}
	switch req.Kind {
	case model.SizeQuantity:
		if math.IsInf(req.Size, 0) {
			return -st.Position
		}
		return req.Size
	case model.SizePercent:
		return st.Equity * req.Size / st.Price
	case model.SizeTargetPercent:
		return (st.Equity*req.Size - st.Position*st.Price) / st.Price
	case model.SizeValue:
		if math.IsInf(req.Size, 0) {
			return -st.Position
		}
		return req.Size / st.Price
	}
	return 0
}

// Size applies lot rounding, the minimum size and the cash and position
// limits of the account to the request.
func (s *Sizer) Size(req Request, st AccountState) Decision {
	raw := s.Target(req, st)
	if raw == 0 {
		return Decision{}
	}
	if Flattens(st.Position, raw) {
		raw = -st.Position
	}

	qty := s.round(raw)
	if math.Abs(qty) < s.minSize || qty == 0 {
		return s.skip(req, raw, "below minimum size")
	}

	var warning *model.SizingError
	if qty < 0 && s.direction == model.LongOnly && st.Position+qty < 0 {
		if st.Position <= 0 {
			return s.skip(req, raw, "nothing to sell in a long-only account")
		}
		qty = -st.Position
		warning = s.warn(req, raw, qty, "sell clipped to held quantity")
	}

	if qty > 0 {
		affordable := s.affordable(st)
		if qty > affordable {
			if affordable <= 0 || affordable < s.minSize {
				return s.skip(req, raw, "insufficient cash")
			}
			qty = affordable
			warning = s.warn(req, raw, qty, "buy clipped to available cash")
		}
	}

	return Decision{Quantity: qty, Warning: warning}
}

// affordable is the largest lot-aligned quantity whose notional, fees and
// slippage fit in the available cash.
func (s *Sizer) affordable(st AccountState) float64 {
	unit := s.fees.FillPrice(st.Price, 1) * (1 + s.fees.Proportional)
	spendable := st.Cash - s.fees.Fixed
	if spendable <= 0 || unit <= 0 {
		return 0
	}
	maxQty := spendable / unit
	if s.granularity.IsPositive() {
		lots := decimal.NewFromFloat(maxQty).Div(s.granularity).Floor()
		f, _ := lots.Mul(s.granularity).Float64()
		return f
	}
	return maxQty
}

// Flattens reports whether qty brings position to zero up to float
// rounding, as a target-percent 0 order does.
func Flattens(position, qty float64) bool {
	if position == 0 {
		return false
	}
	return math.Abs(position+qty) <= 1e-9*math.Max(1, math.Abs(position))
}

func (s *Sizer) round(q float64) float64 {
	if !s.granularity.IsPositive() || math.IsInf(q, 0) {
		return q
	}
	lots := decimal.NewFromFloat(q).Div(s.granularity).Round(0)
	f, _ := lots.Mul(s.granularity).Float64()
	return f
}

func (s *Sizer) skip(req Request, raw float64, reason string) Decision {
	return Decision{Warning: s.warn(req, raw, 0, reason)}
}

func (s *Sizer) warn(req Request, raw, filled float64, reason string) *model.SizingError {
	return &model.SizingError{
		Instrument: req.Instrument,
		Bar:        req.Bar,
		Requested:  raw,
		Filled:     filled,
		Reason:     reason,
	}
}
