package monitor

import "time"

// Signal is a one-shot recommendation to open a position. It is produced by
// one evaluation tick, consumed once by the command pipeline, and never
// persisted as live state (the signals table is an audit trail only).
type Signal struct {
	StrategyID string   `json:"strategyId"`
	Symbol     string   `json:"symbol"`
	Direction  string   `json:"direction"` // BUY or SELL
	EntryPrice float64  `json:"entryPrice,omitempty"`
	StopLoss   float64  `json:"stopLoss"`
	TakeProfit float64  `json:"takeProfit"`
	Volume     float64  `json:"volume"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`

	EmittedAt time.Time `json:"emittedAt"`
}
