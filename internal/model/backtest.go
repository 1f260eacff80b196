package model

import "time"

// Summary stores the performance statistics of one simulation run
type Summary struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Bars           int       `json:"bars"`
	StartValue     float64   `json:"start_value"`
	EndValue       float64   `json:"end_value"`
	TotalReturn    float64   `json:"total_return"`
	CAGR           float64   `json:"cagr"`
	SharpeRatio    float64   `json:"sharpe_ratio"`
	SortinoRatio   float64   `json:"sortino_ratio"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	WinRate        float64   `json:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor"`
	TradeCount     int       `json:"trade_count"` // closed trades
	OpenTrades     int       `json:"open_trades"`
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	OrderCount     int       `json:"order_count"`
	TotalFees      float64   `json:"total_fees"`
	ClippedOrders  int       `json:"clipped_orders"`
	SkippedOrders  int       `json:"skipped_orders"`
	PeriodsPerYear float64   `json:"periods_per_year"`
	MaxConsecutive struct {
		Wins  int `json:"wins"`
		Loses int `json:"loses"`
	} `json:"max_consecutive"`
}
