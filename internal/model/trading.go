package model

import (
	"fmt"
	"strings"
	"time"
)

// SizeKind selects how an order's Size is interpreted.
type SizeKind int

const (
	// SizeQuantity is a literal number of units; the sign is the side.
	SizeQuantity SizeKind = iota
	// SizePercent is a fraction of current equity in [-1, 1]; the sign is the side.
	SizePercent
	// SizeTargetPercent is the desired position value as a fraction of equity.
	SizeTargetPercent
	// SizeValue is an amount of cash; ±Inf closes the whole position.
	SizeValue
)

var sizeKindNames = map[SizeKind]string{
	SizeQuantity:      "quantity",
	SizePercent:       "percent",
	SizeTargetPercent: "target_percent",
	SizeValue:         "value",
}

func (k SizeKind) String() string {
	if s, ok := sizeKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("SizeKind(%d)", int(k))
}

// ParseSizeKind accepts the names used in configuration files.
func ParseSizeKind(s string) (SizeKind, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if key == "targetpercent" {
		key = "target_percent"
	}
	for k, name := range sizeKindNames {
		if name == key {
			return k, nil
		}
	}
	return 0, NewConfigError("sizing.kind", "unknown size kind %q", s)
}

// Direction restricts which positions an account may hold.
type Direction int

const (
	LongOnly Direction = iota
	LongShort
)

func (d Direction) String() string {
	if d == LongShort {
		return "longshort"
	}
	return "longonly"
}

// ParseDirection accepts "longonly" and "longshort" (or "both").
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "", "longonly", "long":
		return LongOnly, nil
	case "longshort", "both":
		return LongShort, nil
	}
	return 0, NewConfigError("direction", "unknown direction %q", s)
}

// Order is a sizing request for one instrument on one bar. It is consumed
// once by the ledger.
type Order struct {
	Bar        int      `json:"bar"`
	Instrument string   `json:"instrument"`
	Size       float64  `json:"size"`
	Kind       SizeKind `json:"kind"`
}

// Position is the ledger's holding in one instrument.
type Position struct {
	Instrument string  `json:"instrument"`
	Quantity   float64 `json:"quantity"`
	AvgCost    float64 `json:"avg_cost"`
}

// Value marks the position to the given price.
func (p Position) Value(price float64) float64 {
	return p.Quantity * price
}

// FillKind tells what a fill did to the position.
type FillKind string

const (
	FillOpen     FillKind = "open"
	FillIncrease FillKind = "increase"
	FillReduce   FillKind = "reduce"
	FillClose    FillKind = "close"
)

// Fill is one executed order (or one leg of a reversing order).
type Fill struct {
	Time            time.Time `json:"time"`
	Bar             int       `json:"bar"`
	Instrument      string    `json:"instrument"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	ProportionalFee float64   `json:"proportional_fee"`
	FixedFee        float64   `json:"fixed_fee"`
	CashAfter       float64   `json:"cash_after"`
	Kind            FillKind  `json:"kind"`
}

// Fee is the total fee charged on the fill.
func (f Fill) Fee() float64 {
	return f.ProportionalFee + f.FixedFee
}

// Trade is a round trip from flat to flat in one instrument. Trades still
// open at the end of a run are marked to the last close and flagged Open.
type Trade struct {
	Instrument string    `json:"instrument"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryBar   int       `json:"entry_bar"`
	ExitBar    int       `json:"exit_bar"`
	Quantity   float64   `json:"quantity"` // signed size at its largest
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Fees       float64   `json:"fees"`
	PnL        float64   `json:"pnl"`
	Return     float64   `json:"return"`
	Open       bool      `json:"open"`
}
