package model

// RegimeType names the dominant behaviour of a stretch of bars.
type RegimeType string

const (
	RegimeUnknown  RegimeType = "unknown"
	RegimeTrending RegimeType = "trending"
	RegimeRanging  RegimeType = "ranging"
	RegimeVolatile RegimeType = "volatile"
	RegimeChoppy   RegimeType = "choppy"
)

// MarketRegime describes the market conditions over a slice of history.
type MarketRegime struct {
	Type       RegimeType `json:"type"`
	Strength   float64    `json:"strength"`   // 0-1
	Direction  string     `json:"direction"`  // bullish, bearish, neutral
	Volatility string     `json:"volatility"` // low, normal, high
	Momentum   float64    `json:"momentum"`   // 0-1
}
