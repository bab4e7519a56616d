package monitor

import (
	"executor-core/internal/market"
	"executor-core/internal/strategy"
)

// ExitLevels are the protective prices resolved once at signal time.
type ExitLevels struct {
	StopLoss   float64
	TakeProfit float64
	StopPips   float64
	TargetPips float64
}

// ComputeExits resolves the configured stop and target rules into concrete
// prices for the given entry. ATR-based stops read the snapshot's atr value;
// when it is missing the fixed-pip fallback applies.
func ComputeExits(direction string, entry float64, rules strategy.ExitRules, snap market.Snapshot) ExitLevels {
	pip := PipSize(snap.Symbol)

	stopPips := rules.StopLoss.Value
	if stopPips <= 0 {
		stopPips = 25
	}
	if rules.StopLoss.Type == "atr" {
		if atr, ok := snap.Indicator("atr"); ok && atr > 0 {
			mult := rules.StopLoss.ATRMultiplier
			if mult <= 0 {
				mult = 1.5
			}
			stopPips = atr * mult / pip
		}
	}

	targetPips := rules.TakeProfit.Value
	if targetPips <= 0 {
		targetPips = 40
	}
	if rules.TakeProfit.Type == "rr_ratio" {
		rr := rules.TakeProfit.RRRatio
		if rr <= 0 {
			rr = 1.6
		}
		targetPips = stopPips * rr
	}

	levels := ExitLevels{StopPips: stopPips, TargetPips: targetPips}
	if direction == "BUY" {
		levels.StopLoss = entry - stopPips*pip
		levels.TakeProfit = entry + targetPips*pip
	} else {
		levels.StopLoss = entry + stopPips*pip
		levels.TakeProfit = entry - targetPips*pip
	}
	return levels
}
