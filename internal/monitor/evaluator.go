package monitor

import (
	"fmt"
	"math"

	"executor-core/internal/market"
	"executor-core/internal/strategy"
)

const equalEpsilon = 1e-9

// EntryResult summarizes one evaluation of a strategy's entry rules.
type EntryResult struct {
	Fired     bool
	Satisfied int
	Total     int
	Reasons   []string
}

// Confidence is the fraction of conditions that held on this tick.
func (r EntryResult) Confidence() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Satisfied) / float64(r.Total)
}

// EvaluateEntry checks every entry condition against the snapshot and
// combines the votes with the strategy's logic. A condition whose indicator
// is absent from the snapshot is a data gap: the whole evaluation errors and
// the caller skips the tick.
func EvaluateEntry(rules strategy.EntryRules, snap market.Snapshot) (EntryResult, error) {
	res := EntryResult{Total: len(rules.Conditions)}
	if res.Total == 0 {
		return res, nil
	}

	for _, cond := range rules.Conditions {
		ok, err := evaluateCondition(cond, snap)
		if err != nil {
			return EntryResult{}, err
		}
		if ok {
			res.Satisfied++
			res.Reasons = append(res.Reasons, describeCondition(cond))
		}
	}

	if rules.Logic == strategy.LogicOR {
		res.Fired = res.Satisfied > 0
	} else {
		res.Fired = res.Satisfied == res.Total
	}
	return res, nil
}

func evaluateCondition(cond strategy.Condition, snap market.Snapshot) (bool, error) {
	left, ok := snap.Indicator(cond.Indicator)
	if !ok {
		return false, fmt.Errorf("indicator %s unavailable for %s", cond.Indicator, snap.Symbol)
	}

	right := cond.Value
	if cond.ValueIndicator != "" {
		right, ok = snap.Indicator(cond.ValueIndicator)
		if !ok {
			return false, fmt.Errorf("indicator %s unavailable for %s", cond.ValueIndicator, snap.Symbol)
		}
	}

	switch cond.Operator {
	case strategy.OpGreaterThan:
		return left > right, nil
	case strategy.OpLessThan:
		return left < right, nil
	case strategy.OpEqual:
		return math.Abs(left-right) < equalEpsilon, nil
	case strategy.OpInRange:
		return left >= cond.Range[0] && left <= cond.Range[1], nil
	case strategy.OpOutsideRange:
		return left < cond.Range[0] || left > cond.Range[1], nil
	case strategy.OpCrossesAbove, strategy.OpCrossesBelow:
		return evaluateCross(cond, snap, left, right)
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// evaluateCross compares two consecutive readings of both sides. A cross
// requires the previous bar on the other side of (or touching) the target
// and the current bar strictly past it.
func evaluateCross(cond strategy.Condition, snap market.Snapshot, leftNow, rightNow float64) (bool, error) {
	leftPrev, ok := snap.PreviousIndicator(cond.Indicator)
	if !ok {
		return false, fmt.Errorf("previous %s unavailable for %s", cond.Indicator, snap.Symbol)
	}

	rightPrev := cond.Value
	if cond.ValueIndicator != "" {
		rightPrev, ok = snap.PreviousIndicator(cond.ValueIndicator)
		if !ok {
			return false, fmt.Errorf("previous %s unavailable for %s", cond.ValueIndicator, snap.Symbol)
		}
	}

	if cond.Operator == strategy.OpCrossesAbove {
		return leftPrev <= rightPrev && leftNow > rightNow, nil
	}
	return leftPrev >= rightPrev && leftNow < rightNow, nil
}

func describeCondition(cond strategy.Condition) string {
	switch {
	case cond.ValueIndicator != "":
		return fmt.Sprintf("%s %s %s", cond.Indicator, cond.Operator, cond.ValueIndicator)
	case cond.Operator == strategy.OpInRange || cond.Operator == strategy.OpOutsideRange:
		return fmt.Sprintf("%s %s [%g, %g]", cond.Indicator, cond.Operator, cond.Range[0], cond.Range[1])
	default:
		return fmt.Sprintf("%s %s %g", cond.Indicator, cond.Operator, cond.Value)
	}
}

// deriveDirection picks the trade side from trend position: price above the
// 50-bar EMA goes long, below goes short. Falls back to the quote midpoint
// when the snapshot carries no price indicator, and to BUY when no EMA is
// available at all.
func deriveDirection(snap market.Snapshot) string {
	price, ok := snap.Indicator("price")
	if !ok {
		price = (snap.Tick.Bid + snap.Tick.Ask) / 2
	}
	ema, ok := snap.Indicator("ema_50")
	if ok && price < ema {
		return "SELL"
	}
	return "BUY"
}
