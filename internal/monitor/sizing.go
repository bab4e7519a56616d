package monitor

import (
	"math"
	"strings"

	"executor-core/internal/strategy"
)

// PipSize returns the price increment of one pip. JPY-quoted pairs use two
// decimals, everything else four.
func PipSize(symbol string) float64 {
	if strings.Contains(strings.ToUpper(symbol), "JPY") {
		return 0.01
	}
	return 0.0001
}

// ComputeLot sizes the position. A fixed lot wins when configured; otherwise
// the lot risks RiskPercentage of balance over the stop distance. The result
// is clamped to [MinLot, MaxLot] and rounded to two decimals.
func ComputeLot(risk strategy.RiskParams, balance, stopPips float64) float64 {
	var lot float64
	switch {
	case risk.LotSize > 0:
		lot = risk.LotSize
	case balance > 0 && stopPips > 0:
		pipValue := risk.PipValue
		if pipValue <= 0 {
			pipValue = 10
		}
		riskAmount := balance * risk.RiskPercentage / 100
		lot = riskAmount / (pipValue * stopPips)
	default:
		lot = risk.MinLot
	}

	return ClampLot(risk, lot)
}

// ClampLot bounds a lot to the strategy's limits and broker step.
func ClampLot(risk strategy.RiskParams, lot float64) float64 {
	minLot := risk.MinLot
	if minLot <= 0 {
		minLot = 0.01
	}
	maxLot := risk.MaxLot
	if maxLot <= 0 {
		maxLot = 1.0
	}
	if lot < minLot {
		lot = minLot
	}
	if lot > maxLot {
		lot = maxLot
	}
	return math.Round(lot*100) / 100
}

// RoundLotStep floors a volume to the 0.01 broker lot step. Used for partial
// closes, where rounding up would close more than configured.
func RoundLotStep(v float64) float64 {
	return math.Floor(v*100+1e-9) / 100
}
