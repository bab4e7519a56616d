package strategy

import "time"

// Status of an active strategy.
const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// Entry combination logic.
const (
	LogicAND = "AND"
	LogicOR  = "OR"
)

// Condition operators, matching the rule language used by the platform.
const (
	OpGreaterThan  = "greater_than"
	OpLessThan     = "less_than"
	OpEqual        = "equal"
	OpInRange      = "in_range"
	OpOutsideRange = "outside_range"
	OpCrossesAbove = "crosses_above"
	OpCrossesBelow = "crosses_below"
)

// Condition compares an indicator against a fixed value, another indicator,
// or a range, using one of the Op* operators.
type Condition struct {
	Indicator string  `json:"indicator"`
	Operator  string  `json:"condition"`
	Value     float64 `json:"value,omitempty"`
	// ValueIndicator is set when the right-hand side is another indicator
	// (e.g. price crosses_above ema_50) instead of a constant.
	ValueIndicator string     `json:"valueIndicator,omitempty"`
	Range          [2]float64 `json:"range,omitempty"`
}

// EntryRules combine conditions with AND/OR logic.
type EntryRules struct {
	Logic      string      `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// StopRule configures the protective stop: a fixed pip distance or an ATR
// multiple resolved at signal time.
type StopRule struct {
	Type          string  `json:"type"` // "pips" or "atr"
	Value         float64 `json:"value,omitempty"`
	ATRMultiplier float64 `json:"atrMultiplier,omitempty"`
}

// TargetRule configures the take profit: fixed pips or a reward/risk ratio
// applied to the resolved stop distance.
type TargetRule struct {
	Type    string  `json:"type"` // "pips" or "rr_ratio"
	Value   float64 `json:"value,omitempty"`
	RRRatio float64 `json:"rrRatio,omitempty"`
}

// TrailingRule moves the stop behind price once enabled.
type TrailingRule struct {
	Enabled  bool    `json:"enabled"`
	Distance float64 `json:"distance"` // pips
}

// PartialExitLevel closes a percentage of the position once the trade reaches
// a reward/risk level. Each level executes at most once per position.
type PartialExitLevel struct {
	RRRatio         float64 `json:"value"`
	Percentage      float64 `json:"percentage"`
	MoveToBreakEven bool    `json:"moveStopToBreakeven"`
}

// ExitRules bundle stop, target, trailing and partial-exit configuration.
type ExitRules struct {
	StopLoss     StopRule           `json:"stopLoss"`
	TakeProfit   TargetRule         `json:"takeProfit"`
	Trailing     TrailingRule       `json:"trailing"`
	PartialExits []PartialExitLevel `json:"partialExits,omitempty"`
}

// SessionFilter restricts signals to named trading sessions (UTC windows).
type SessionFilter struct {
	Enabled  bool     `json:"enabled"`
	Sessions []string `json:"allowedSessions"`
}

// SpreadFilter suppresses or shrinks signals when the live spread is wide.
type SpreadFilter struct {
	Enabled   bool    `json:"enabled"`
	MaxSpread float64 `json:"maxSpread"` // pips
	Action    string  `json:"action"`    // "SKIP" or "REDUCE_SIZE"
}

// VolatilityFilter requires ATR inside a band.
type VolatilityFilter struct {
	Enabled bool    `json:"enabled"`
	MinATR  float64 `json:"minATR"`
	MaxATR  float64 `json:"maxATR"`
}

// CorrelationFilter skips entries while positions are open in listed pairs.
type CorrelationFilter struct {
	Enabled    bool     `json:"enabled"`
	CheckPairs []string `json:"checkPairs"`
}

// RegimeFilter restricts entries to named market regimes (trending_up,
// trending_down, ranging) classified from ADX and the moving averages.
type RegimeFilter struct {
	Enabled        bool     `json:"enabled"`
	AllowedRegimes []string `json:"allowedRegimes"`
	Action         string   `json:"action"` // "SKIP" or "REDUCE_SIZE"
}

// Filters gate a satisfied entry before any order is proposed.
type Filters struct {
	Session     SessionFilter     `json:"sessionFilter"`
	Spread      SpreadFilter      `json:"spreadFilter"`
	Volatility  VolatilityFilter  `json:"volatilityFilter"`
	Correlation CorrelationFilter `json:"correlationFilter"`
	Regime      RegimeFilter      `json:"regimeFilter"`
}

// RiskParams size the position. A non-zero LotSize wins; otherwise the lot is
// derived from RiskPercentage of balance over the stop distance.
type RiskParams struct {
	LotSize        float64 `json:"lotSize,omitempty"`
	RiskPercentage float64 `json:"riskPercentage,omitempty"`
	MinLot         float64 `json:"minLot,omitempty"`
	MaxLot         float64 `json:"maxLot,omitempty"`
	PipValue       float64 `json:"pipValue,omitempty"`
}

// Strategy is an active trading rule set bound to a symbol and timeframe.
// The in-memory registry owns the running copy; pkg/db mirrors it across
// restarts.
type Strategy struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Symbol    string     `json:"symbol"`
	Timeframe string     `json:"timeframe"`
	Status    string     `json:"status"`
	Entry     EntryRules `json:"entry"`
	Filters   Filters    `json:"filters"`
	Exit      ExitRules  `json:"exit"`
	Risk      RiskParams `json:"risk"`
	// Attached records whether the operator confirmed the terminal-side
	// expert is attached to the chart. Informational only.
	Attached     bool      `json:"attached"`
	LastSignalAt time.Time `json:"lastSignalAt,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
}

// TickInterval derives the evaluation cadence from the timeframe. Evaluation
// runs more often than one bar so crosses are caught promptly; the floor
// keeps short timeframes from busy-looping.
func (s Strategy) TickInterval() time.Duration {
	switch s.Timeframe {
	case "M1":
		return 10 * time.Second
	case "M5":
		return 30 * time.Second
	case "M15":
		return time.Minute
	case "M30":
		return 2 * time.Minute
	case "H1":
		return 5 * time.Minute
	case "H4":
		return 15 * time.Minute
	case "D1":
		return time.Hour
	default:
		return time.Minute
	}
}
