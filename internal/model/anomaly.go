package model

import "time"

// Anomaly is a bar whose move stands out against its recent average range.
type Anomaly struct {
	Index int       `json:"index"`
	Time  time.Time `json:"time"`
	Kind  string    `json:"kind"` // price_spike, gap, volume_spike
	// Ratio is the move in multiples of the baseline it was measured against.
	Ratio float64 `json:"ratio"`
}
