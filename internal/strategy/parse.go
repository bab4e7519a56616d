package strategy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FromParameters builds a Strategy from the opaque parameters map of a
// START_STRATEGY command. The platform has shipped two rule layouts over
// time (entry.conditions and entry.primary/confirmation); both are accepted
// here so the rest of the system only ever sees the canonical shape.
func FromParameters(params map[string]any) (Strategy, error) {
	s := Strategy{
		ID:        str(params, "strategyId", "id"),
		Name:      str(params, "strategyName", "name"),
		Symbol:    str(params, "symbol"),
		Timeframe: str(params, "timeframe"),
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}
	if s.ID == "" {
		return Strategy{}, fmt.Errorf("strategy parameters missing strategyId")
	}
	if s.Symbol == "" {
		return Strategy{}, fmt.Errorf("strategy %s missing symbol", s.ID)
	}
	if s.Timeframe == "" {
		s.Timeframe = "M15"
	}
	if s.Name == "" {
		s.Name = s.ID
	}

	rules, _ := params["rules"].(map[string]any)
	s.Entry = parseEntry(rules)
	s.Exit = parseExit(rules)
	s.Filters = parseFilters(rules)
	s.Risk = parseRisk(rules)
	return s, nil
}

func parseEntry(rules map[string]any) EntryRules {
	entry := EntryRules{Logic: LogicAND}
	if rules == nil {
		return entry
	}
	raw, _ := rules["entry"].(map[string]any)
	if raw == nil {
		return entry
	}
	if logic := strings.ToUpper(str(raw, "logic")); logic == LogicOR {
		entry.Logic = LogicOR
	}

	// Layout A: a flat conditions list.
	if list, ok := raw["conditions"].([]any); ok {
		for _, item := range list {
			if c, ok := parseCondition(item); ok {
				entry.Conditions = append(entry.Conditions, c)
			}
		}
		return entry
	}

	// Layout B: primary + confirmation blocks; confirmations carry their own
	// nested condition object.
	if list, ok := raw["primary"].([]any); ok {
		for _, item := range list {
			if c, ok := parseCondition(item); ok {
				entry.Conditions = append(entry.Conditions, c)
			}
		}
	}
	if list, ok := raw["confirmation"].([]any); ok {
		for _, item := range list {
			conf, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if c, ok := parseCondition(conf["condition"]); ok {
				entry.Conditions = append(entry.Conditions, c)
			}
		}
	}
	return entry
}

func parseCondition(item any) (Condition, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return Condition{}, false
	}
	c := Condition{
		Indicator: str(m, "indicator"),
		Operator:  strings.ToLower(str(m, "condition", "operator")),
	}
	if c.Indicator == "" || c.Operator == "" {
		return Condition{}, false
	}
	switch v := m["value"].(type) {
	case float64:
		c.Value = v
	case int:
		c.Value = float64(v)
	case string:
		c.ValueIndicator = v
	case []any:
		if len(v) == 2 {
			c.Range[0] = num(v[0])
			c.Range[1] = num(v[1])
		}
	}
	return c, true
}

func parseExit(rules map[string]any) ExitRules {
	exit := ExitRules{
		StopLoss:   StopRule{Type: "pips", Value: 25},
		TakeProfit: TargetRule{Type: "pips", Value: 40},
	}
	if rules == nil {
		return exit
	}
	raw, _ := rules["exit"].(map[string]any)
	if raw == nil {
		return exit
	}

	if sl, ok := raw["stopLoss"].(map[string]any); ok {
		switch str(sl, "type") {
		case "atr":
			exit.StopLoss = StopRule{Type: "atr", ATRMultiplier: numOr(sl["atrMultiplier"], 1.5)}
		case "pips", "":
			exit.StopLoss = StopRule{Type: "pips", Value: numOr(sl["value"], exit.StopLoss.Value)}
		}
	}
	if tp, ok := raw["takeProfit"].(map[string]any); ok {
		switch str(tp, "type") {
		case "rr_ratio", "partial":
			exit.TakeProfit = TargetRule{Type: "rr_ratio", RRRatio: numOr(tp["rrRatio"], 1.6)}
		case "pips", "":
			exit.TakeProfit = TargetRule{Type: "pips", Value: numOr(tp["value"], exit.TakeProfit.Value)}
		}
	}
	if tr, ok := raw["trailing"].(map[string]any); ok {
		exit.Trailing = TrailingRule{
			Enabled:  boolVal(tr["enabled"]),
			Distance: numOr(tr["distance"], 20),
		}
	}
	if pe, ok := raw["enhancedPartialExits"].(map[string]any); ok && boolVal(pe["enabled"]) {
		if levels, ok := pe["levels"].([]any); ok {
			for _, item := range levels {
				lm, ok := item.(map[string]any)
				if !ok {
					continue
				}
				exit.PartialExits = append(exit.PartialExits, PartialExitLevel{
					RRRatio:         numOr(lm["value"], 1),
					Percentage:      numOr(lm["percentage"], 0),
					MoveToBreakEven: boolVal(lm["moveStopToBreakeven"]),
				})
			}
		}
	}
	return exit
}

func parseFilters(rules map[string]any) Filters {
	var f Filters
	if rules == nil {
		return f
	}
	if m, ok := rules["sessionFilter"].(map[string]any); ok {
		f.Session.Enabled = boolVal(m["enabled"])
		if list, ok := m["allowedSessions"].([]any); ok {
			for _, s := range list {
				if name, ok := s.(string); ok {
					f.Session.Sessions = append(f.Session.Sessions, name)
				}
			}
		}
	}
	if m, ok := rules["spreadFilter"].(map[string]any); ok {
		f.Spread = SpreadFilter{
			Enabled:   boolVal(m["enabled"]),
			MaxSpread: num(m["maxSpread"]),
			Action:    str(m, "action"),
		}
	}
	if m, ok := rules["volatilityFilter"].(map[string]any); ok {
		f.Volatility = VolatilityFilter{
			Enabled: boolVal(m["enabled"]),
			MinATR:  num(m["minATR"]),
			MaxATR:  numOr(m["maxATR"], 1e9),
		}
	}
	if m, ok := rules["correlationFilter"].(map[string]any); ok {
		f.Correlation.Enabled = boolVal(m["enabled"])
		if list, ok := m["checkPairs"].([]any); ok {
			for _, s := range list {
				if pair, ok := s.(string); ok {
					f.Correlation.CheckPairs = append(f.Correlation.CheckPairs, pair)
				}
			}
		}
	}
	if m, ok := rules["regimeFilter"].(map[string]any); ok {
		f.Regime.Enabled = boolVal(m["enabled"])
		f.Regime.Action = str(m, "action")
		if list, ok := m["allowedRegimes"].([]any); ok {
			for _, s := range list {
				if name, ok := s.(string); ok {
					f.Regime.AllowedRegimes = append(f.Regime.AllowedRegimes, name)
				}
			}
		}
	}
	return f
}

func parseRisk(rules map[string]any) RiskParams {
	r := RiskParams{RiskPercentage: 1.0, MinLot: 0.01, MaxLot: 1.0, PipValue: 10}
	if rules == nil {
		return r
	}
	// dynamicRisk wins over the static riskManagement block when both exist.
	m, _ := rules["dynamicRisk"].(map[string]any)
	if m == nil {
		m, _ = rules["riskManagement"].(map[string]any)
	}
	if m == nil {
		return r
	}
	r.LotSize = num(m["lotSize"])
	r.RiskPercentage = numOr(m["riskPercentage"], r.RiskPercentage)
	r.MinLot = numOr(m["minLot"], r.MinLot)
	r.MaxLot = numOr(m["maxLot"], r.MaxLot)
	r.PipValue = numOr(m["pipValue"], r.PipValue)
	return r
}

// FromJSON restores a Strategy from its persisted config blob.
func FromJSON(data string) (Strategy, error) {
	var s Strategy
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Strategy{}, fmt.Errorf("decode strategy config: %w", err)
	}
	if s.ID == "" {
		return Strategy{}, fmt.Errorf("strategy config missing id")
	}
	return s, nil
}

// ToJSON renders the persisted config blob.
func (s Strategy) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode strategy config: %w", err)
	}
	return string(data), nil
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func numOr(v any, def float64) float64 {
	if n := num(v); n != 0 {
		return n
	}
	return def
}

func boolVal(v any) bool {
	b, _ := v.(bool)
	return b
}
