package market

import (
	"context"
	"time"
)

// Tick is the latest quote for a symbol.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Spread returns the bid/ask spread in price units.
func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Snapshot bundles everything one evaluation pass needs for a symbol and
// timeframe: the current quote, recent bars, and indicator values for the
// latest and previous bar. Previous values exist so cross conditions can
// compare two consecutive readings.
type Snapshot struct {
	Symbol     string             `json:"symbol"`
	Timeframe  string             `json:"timeframe"`
	Tick       Tick               `json:"tick"`
	Candles    []Candle           `json:"candles"`
	Indicators map[string]float64 `json:"indicators"`
	Previous   map[string]float64 `json:"previous"`
	Taken      time.Time          `json:"taken"`
}

// Indicator returns a named indicator value from the latest bar.
func (s Snapshot) Indicator(name string) (float64, bool) {
	v, ok := s.Indicators[name]
	return v, ok
}

// PreviousIndicator returns a named indicator value from the prior bar.
func (s Snapshot) PreviousIndicator(name string) (float64, bool) {
	v, ok := s.Previous[name]
	return v, ok
}

// Provider supplies market snapshots. The terminal transport implements it
// against the live session; tests implement it in-memory.
type Provider interface {
	Snapshot(ctx context.Context, symbol, timeframe string) (Snapshot, error)
}
