package strategy

import (
	"testing"
)

func TestFromParametersFlatConditions(t *testing.T) {
	params := map[string]any{
		"strategyId": "s-1",
		"symbol":     "EURUSD",
		"timeframe":  "M15",
		"rules": map[string]any{
			"entry": map[string]any{
				"logic": "or",
				"conditions": []any{
					map[string]any{"indicator": "rsi", "condition": "greater_than", "value": float64(70)},
					map[string]any{"indicator": "ema_20", "condition": "crosses_above", "value": "ema_50"},
					map[string]any{"indicator": "adx", "condition": "in_range", "value": []any{float64(20), float64(40)}},
				},
			},
		},
	}

	s, err := FromParameters(params)
	if err != nil {
		t.Fatalf("FromParameters: %v", err)
	}
	if s.Entry.Logic != LogicOR {
		t.Fatalf("Logic=%q, expected OR", s.Entry.Logic)
	}
	if len(s.Entry.Conditions) != 3 {
		t.Fatalf("conditions=%d, expected 3", len(s.Entry.Conditions))
	}
	if c := s.Entry.Conditions[1]; c.ValueIndicator != "ema_50" {
		t.Fatalf("string value not treated as indicator reference: %+v", c)
	}
	if c := s.Entry.Conditions[2]; c.Range != [2]float64{20, 40} {
		t.Fatalf("Range=%v, expected [20 40]", c.Range)
	}
}

func TestFromParametersPrimaryConfirmationLayout(t *testing.T) {
	params := map[string]any{
		"strategyId": "s-2",
		"symbol":     "GBPUSD",
		"rules": map[string]any{
			"entry": map[string]any{
				"primary": []any{
					map[string]any{"indicator": "ema_20", "condition": "crosses_above", "value": "ema_50"},
				},
				"confirmation": []any{
					map[string]any{
						"condition": map[string]any{"indicator": "rsi", "condition": "greater_than", "value": float64(50)},
					},
				},
			},
		},
	}

	s, err := FromParameters(params)
	if err != nil {
		t.Fatalf("FromParameters: %v", err)
	}
	if len(s.Entry.Conditions) != 2 {
		t.Fatalf("conditions=%d, expected primary plus confirmation", len(s.Entry.Conditions))
	}
	if s.Entry.Logic != LogicAND {
		t.Fatalf("Logic=%q, expected AND default", s.Entry.Logic)
	}
}

func TestFromParametersDefaults(t *testing.T) {
	s, err := FromParameters(map[string]any{"strategyId": "s-3", "symbol": "USDJPY"})
	if err != nil {
		t.Fatalf("FromParameters: %v", err)
	}
	if s.Timeframe != "M15" {
		t.Fatalf("Timeframe=%q, expected M15 default", s.Timeframe)
	}
	if s.Name != "s-3" {
		t.Fatalf("Name=%q, expected the id fallback", s.Name)
	}
	if s.Exit.StopLoss.Value != 25 || s.Exit.TakeProfit.Value != 40 {
		t.Fatalf("exit defaults=%+v, expected 25/40 pips", s.Exit)
	}
	if s.Risk.RiskPercentage != 1.0 || s.Risk.MaxLot != 1.0 {
		t.Fatalf("risk defaults=%+v", s.Risk)
	}
	if s.Status != StatusActive {
		t.Fatalf("Status=%q, expected active", s.Status)
	}
}

func TestFromParametersRejectsMissingFields(t *testing.T) {
	if _, err := FromParameters(map[string]any{"symbol": "EURUSD"}); err == nil {
		t.Fatalf("expected error without strategyId")
	}
	if _, err := FromParameters(map[string]any{"strategyId": "s-4"}); err == nil {
		t.Fatalf("expected error without symbol")
	}
}

func TestFromParametersExitRules(t *testing.T) {
	params := map[string]any{
		"strategyId": "s-5",
		"symbol":     "EURUSD",
		"rules": map[string]any{
			"exit": map[string]any{
				"stopLoss":   map[string]any{"type": "atr", "atrMultiplier": float64(2)},
				"takeProfit": map[string]any{"type": "rr_ratio", "rrRatio": float64(2.5)},
				"trailing":   map[string]any{"enabled": true, "distance": float64(15)},
				"enhancedPartialExits": map[string]any{
					"enabled": true,
					"levels": []any{
						map[string]any{"value": float64(1), "percentage": float64(50), "moveStopToBreakeven": true},
						map[string]any{"value": float64(2), "percentage": float64(25)},
					},
				},
			},
		},
	}

	s, err := FromParameters(params)
	if err != nil {
		t.Fatalf("FromParameters: %v", err)
	}
	if s.Exit.StopLoss.Type != "atr" || s.Exit.StopLoss.ATRMultiplier != 2 {
		t.Fatalf("StopLoss=%+v", s.Exit.StopLoss)
	}
	if s.Exit.TakeProfit.RRRatio != 2.5 {
		t.Fatalf("TakeProfit=%+v", s.Exit.TakeProfit)
	}
	if !s.Exit.Trailing.Enabled || s.Exit.Trailing.Distance != 15 {
		t.Fatalf("Trailing=%+v", s.Exit.Trailing)
	}
	if len(s.Exit.PartialExits) != 2 {
		t.Fatalf("PartialExits=%d, expected 2", len(s.Exit.PartialExits))
	}
	if !s.Exit.PartialExits[0].MoveToBreakEven || s.Exit.PartialExits[1].MoveToBreakEven {
		t.Fatalf("breakeven flags=%+v", s.Exit.PartialExits)
	}
}

func TestFromParametersFilters(t *testing.T) {
	params := map[string]any{
		"strategyId": "s-6",
		"symbol":     "EURUSD",
		"rules": map[string]any{
			"sessionFilter": map[string]any{
				"enabled":         true,
				"allowedSessions": []any{"london", "new_york"},
			},
			"regimeFilter": map[string]any{
				"enabled":        true,
				"allowedRegimes": []any{"trending_up", "trending_down"},
				"action":         "REDUCE_SIZE",
			},
		},
	}

	s, err := FromParameters(params)
	if err != nil {
		t.Fatalf("FromParameters: %v", err)
	}
	if !s.Filters.Session.Enabled || len(s.Filters.Session.Sessions) != 2 {
		t.Fatalf("Session=%+v", s.Filters.Session)
	}
	if !s.Filters.Regime.Enabled || s.Filters.Regime.Action != "REDUCE_SIZE" {
		t.Fatalf("Regime=%+v", s.Filters.Regime)
	}
	if len(s.Filters.Regime.AllowedRegimes) != 2 || s.Filters.Regime.AllowedRegimes[0] != "trending_up" {
		t.Fatalf("AllowedRegimes=%v", s.Filters.Regime.AllowedRegimes)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	original := Strategy{
		ID:        "s-7",
		Name:      "trend",
		Symbol:    "EURUSD",
		Timeframe: "H1",
		Status:    StatusActive,
		Entry: EntryRules{
			Logic: LogicAND,
			Conditions: []Condition{
				{Indicator: "rsi", Operator: OpLessThan, Value: 30},
			},
		},
		Risk: RiskParams{RiskPercentage: 2},
	}

	blob, err := original.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	restored, err := FromJSON(blob)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if restored.ID != original.ID || restored.Timeframe != original.Timeframe {
		t.Fatalf("restored=%+v", restored)
	}
	if len(restored.Entry.Conditions) != 1 || restored.Entry.Conditions[0].Indicator != "rsi" {
		t.Fatalf("entry rules lost in round trip: %+v", restored.Entry)
	}

	if _, err := FromJSON("{not json"); err == nil {
		t.Fatalf("expected error for corrupt blob")
	}
	if _, err := FromJSON(`{"name":"no id"}`); err == nil {
		t.Fatalf("expected error for blob without id")
	}
}

func TestTickInterval(t *testing.T) {
	m1 := Strategy{Timeframe: "M1"}.TickInterval()
	h4 := Strategy{Timeframe: "H4"}.TickInterval()
	unknown := Strategy{Timeframe: "W1"}.TickInterval()

	if m1 >= h4 {
		t.Fatalf("M1 interval %v not shorter than H4 %v", m1, h4)
	}
	if unknown <= 0 {
		t.Fatalf("unknown timeframe interval %v", unknown)
	}
}
