package safety

import (
	"fmt"
	"strings"
)

// OpenPosition is the slice of account state the gate needs per position.
type OpenPosition struct {
	Symbol string  `json:"symbol"`
	Volume float64 `json:"volume"`
	Value  float64 `json:"value"`
}

// AccountState is a point-in-time snapshot used for validation. The gate
// never reads live state; callers pass the snapshot they act on.
type AccountState struct {
	Balance       float64        `json:"balance"`
	Equity        float64        `json:"equity"`
	DailyLoss     float64        `json:"dailyLoss"`
	Drawdown      float64        `json:"drawdown"`
	TotalExposure float64        `json:"totalExposure"`
	Positions     []OpenPosition `json:"positions"`
}

// ProposedTrade is the order a strategy wants to open.
type ProposedTrade struct {
	StrategyID string  `json:"strategyId"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"` // BUY or SELL
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stopLoss"`
	TakeProfit float64 `json:"takeProfit"`
}

// Decision is the gate verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Gate validates every proposed trade against the immutable limits and the
// kill switch. Each check is pure given the account snapshot; checks run in
// a fixed order and short-circuit on the first violation.
type Gate struct {
	limits Limits
	ks     *KillSwitch
}

func NewGate(limits Limits, ks *KillSwitch) *Gate {
	return &Gate{limits: limits, ks: ks}
}

// Limits returns the configuration snapshot the gate was built with.
func (g *Gate) Limits() Limits {
	return g.limits
}

// Validate applies the check chain. No trade may skip this call on its way
// to the transport layer.
func (g *Gate) Validate(trade ProposedTrade, account AccountState) Decision {
	if g.ks != nil && g.ks.Tripped() {
		return deny("kill switch tripped")
	}

	if g.limits.MaxDailyLoss > 0 && account.DailyLoss >= g.limits.MaxDailyLoss {
		return deny("daily loss limit reached: %.2f >= %.2f", account.DailyLoss, g.limits.MaxDailyLoss)
	}
	if g.limits.MaxDailyLossPercent > 0 && account.Balance > 0 {
		pct := account.DailyLoss / account.Balance * 100
		if pct >= g.limits.MaxDailyLossPercent {
			return deny("daily loss limit reached: %.1f%% >= %.1f%%", pct, g.limits.MaxDailyLossPercent)
		}
	}

	if g.limits.MaxDrawdown > 0 && account.Drawdown >= g.limits.MaxDrawdown {
		return deny("drawdown limit reached: %.2f >= %.2f", account.Drawdown, g.limits.MaxDrawdown)
	}
	if g.limits.MaxDrawdownPercent > 0 && account.Balance > 0 {
		pct := account.Drawdown / account.Balance * 100
		if pct >= g.limits.MaxDrawdownPercent {
			return deny("drawdown limit reached: %.1f%% >= %.1f%%", pct, g.limits.MaxDrawdownPercent)
		}
	}

	if g.limits.MaxOpenPositions > 0 && len(account.Positions) >= g.limits.MaxOpenPositions {
		return deny("open position limit reached: %d >= %d", len(account.Positions), g.limits.MaxOpenPositions)
	}

	if g.limits.MaxLotSize > 0 && trade.Volume > g.limits.MaxLotSize {
		return deny("lot size %.2f exceeds limit %.2f", trade.Volume, g.limits.MaxLotSize)
	}

	if g.limits.MaxCorrelation > 0 {
		if corr, other := maxCorrelation(trade.Symbol, account.Positions); corr > g.limits.MaxCorrelation {
			return deny("correlation with open %s position %.2f exceeds limit %.2f", other, corr, g.limits.MaxCorrelation)
		}
	}

	if g.limits.MaxTotalExposure > 0 {
		proposed := trade.Volume * trade.Price
		if account.TotalExposure+proposed > g.limits.MaxTotalExposure {
			return deny("total exposure %.2f would exceed limit %.2f", account.TotalExposure+proposed, g.limits.MaxTotalExposure)
		}
	}

	return Decision{Allowed: true}
}

// maxCorrelation estimates pairwise correlation between the proposed symbol
// and each open position from shared currency legs: both legs shared = 1.0,
// one leg = 0.5, none = 0. A pricing-based correlation matrix lives on the
// platform side; this local heuristic only has symbol names to work with.
func maxCorrelation(symbol string, positions []OpenPosition) (float64, string) {
	var best float64
	var bestSym string
	for _, p := range positions {
		if c := symbolCorrelation(symbol, p.Symbol); c > best {
			best = c
			bestSym = p.Symbol
		}
	}
	return best, bestSym
}

func symbolCorrelation(a, b string) float64 {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if a == b {
		return 1.0
	}
	if len(a) < 6 || len(b) < 6 {
		return 0
	}
	legsA := []string{a[:3], a[3:6]}
	legsB := []string{b[:3], b[3:6]}
	shared := 0
	for _, la := range legsA {
		for _, lb := range legsB {
			if la == lb {
				shared++
			}
		}
	}
	return float64(shared) * 0.5
}
