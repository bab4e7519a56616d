package monitor

import (
	"strings"
	"testing"
	"time"

	"executor-core/internal/market"
	"executor-core/internal/safety"
	"executor-core/internal/strategy"
)

func utc(hour int) time.Time {
	return time.Date(2025, 6, 2, hour, 30, 0, 0, time.UTC)
}

func TestSessionFilterWindows(t *testing.T) {
	tests := []struct {
		name     string
		sessions []string
		hour     int
		want     bool
	}{
		{"london open", []string{"london"}, 7, true},
		{"london before open", []string{"london"}, 6, false},
		{"london close is exclusive", []string{"london"}, 16, false},
		{"new york overlap", []string{"london", "new_york"}, 14, true},
		{"tokyo", []string{"tokyo"}, 3, true},
		{"sydney late evening", []string{"sydney"}, 22, true},
		{"sydney wraps past midnight", []string{"sydney"}, 2, true},
		{"sydney closed midday", []string{"sydney"}, 12, false},
		{"spaced name normalizes", []string{"New York"}, 13, true},
		{"unknown session ignored", []string{"frankfurt"}, 10, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := strategy.Filters{
				Session: strategy.SessionFilter{Enabled: true, Sessions: tt.sessions},
			}
			res := ApplyFilters(f, snapWith(nil), nil, utc(tt.hour))
			if res.Allowed != tt.want {
				t.Fatalf("Allowed=%v at hour %d for %v, expected %v", res.Allowed, tt.hour, tt.sessions, tt.want)
			}
		})
	}
}

func TestSpreadFilter(t *testing.T) {
	// 3 pip spread on a four-decimal pair.
	wideSnap := market.Snapshot{
		Symbol: "EURUSD",
		Tick:   market.Tick{Bid: 1.1000, Ask: 1.1003},
	}

	t.Run("skip action rejects", func(t *testing.T) {
		f := strategy.Filters{
			Spread: strategy.SpreadFilter{Enabled: true, MaxSpread: 2, Action: "SKIP"},
		}
		res := ApplyFilters(f, wideSnap, nil, utc(10))
		if res.Allowed {
			t.Fatalf("wide spread passed with SKIP action")
		}
		if !strings.Contains(res.Reason, "spread") {
			t.Fatalf("Reason=%q, expected spread rejection", res.Reason)
		}
	})

	t.Run("reduce size halves the factor", func(t *testing.T) {
		f := strategy.Filters{
			Spread: strategy.SpreadFilter{Enabled: true, MaxSpread: 2, Action: "REDUCE_SIZE"},
		}
		res := ApplyFilters(f, wideSnap, nil, utc(10))
		if !res.Allowed {
			t.Fatalf("REDUCE_SIZE rejected instead of shrinking: %s", res.Reason)
		}
		if res.SizeFactor != 0.5 {
			t.Fatalf("SizeFactor=%v, expected 0.5", res.SizeFactor)
		}
	})

	t.Run("tight spread passes at full size", func(t *testing.T) {
		f := strategy.Filters{
			Spread: strategy.SpreadFilter{Enabled: true, MaxSpread: 2, Action: "SKIP"},
		}
		res := ApplyFilters(f, snapWith(nil), nil, utc(10))
		if !res.Allowed || res.SizeFactor != 1 {
			t.Fatalf("Allowed=%v SizeFactor=%v, expected pass at full size", res.Allowed, res.SizeFactor)
		}
	})
}

func TestVolatilityFilter(t *testing.T) {
	f := strategy.Filters{
		Volatility: strategy.VolatilityFilter{Enabled: true, MinATR: 0.0005, MaxATR: 0.0050},
	}

	tests := []struct {
		name string
		ind  map[string]float64
		want bool
	}{
		{"inside band", map[string]float64{"atr": 0.0010}, true},
		{"below minimum", map[string]float64{"atr": 0.0001}, false},
		{"above maximum", map[string]float64{"atr": 0.0100}, false},
		{"missing atr rejects", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ApplyFilters(f, snapWith(tt.ind), nil, utc(10))
			if res.Allowed != tt.want {
				t.Fatalf("Allowed=%v, expected %v (%s)", res.Allowed, tt.want, res.Reason)
			}
		})
	}
}

func TestCorrelationFilter(t *testing.T) {
	f := strategy.Filters{
		Correlation: strategy.CorrelationFilter{Enabled: true, CheckPairs: []string{"GBPUSD", "EURGBP"}},
	}

	open := []safety.OpenPosition{{Symbol: "gbpusd", Volume: 0.1}}
	res := ApplyFilters(f, snapWith(nil), open, utc(10))
	if res.Allowed {
		t.Fatalf("entry allowed with correlated position open")
	}

	unrelated := []safety.OpenPosition{{Symbol: "AUDCAD", Volume: 0.1}}
	res = ApplyFilters(f, snapWith(nil), unrelated, utc(10))
	if !res.Allowed {
		t.Fatalf("entry rejected with unrelated position: %s", res.Reason)
	}
}

func TestDetectRegime(t *testing.T) {
	// snapWith quotes EURUSD at 1.1000/1.1002, so the fallback price is the
	// 1.1001 midpoint.
	tests := []struct {
		name string
		ind  map[string]float64
		want string
	}{
		{"strong adx aligned up", map[string]float64{"adx": 32, "sma_20": 1.0990, "sma_50": 1.0950}, RegimeTrendingUp},
		{"strong adx aligned down", map[string]float64{"adx": 32, "sma_20": 1.1010, "sma_50": 1.1050}, RegimeTrendingDown},
		{"weak adx is ranging", map[string]float64{"adx": 18, "sma_20": 1.0990, "sma_50": 1.0950}, RegimeRanging},
		{"strong adx but price below fast average", map[string]float64{"adx": 32, "sma_20": 1.1010, "sma_50": 1.0950}, RegimeRanging},
		{"explicit price indicator wins over the quote", map[string]float64{"adx": 32, "sma_20": 1.0990, "sma_50": 1.0950, "price": 1.0980}, RegimeRanging},
		{"missing averages", map[string]float64{"adx": 32}, RegimeUnknown},
		{"no indicators at all", nil, RegimeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectRegime(snapWith(tt.ind)); got != tt.want {
				t.Fatalf("DetectRegime=%q, expected %q", got, tt.want)
			}
		})
	}
}

func TestRegimeFilter(t *testing.T) {
	trendingUp := map[string]float64{"adx": 32, "sma_20": 1.0990, "sma_50": 1.0950}
	ranging := map[string]float64{"adx": 18, "sma_20": 1.0990, "sma_50": 1.0950}

	t.Run("allowed regime passes at full size", func(t *testing.T) {
		f := strategy.Filters{
			Regime: strategy.RegimeFilter{Enabled: true, AllowedRegimes: []string{"trending_up"}, Action: "SKIP"},
		}
		res := ApplyFilters(f, snapWith(trendingUp), nil, utc(10))
		if !res.Allowed || res.SizeFactor != 1 {
			t.Fatalf("Allowed=%v SizeFactor=%v, expected pass at full size (%s)", res.Allowed, res.SizeFactor, res.Reason)
		}
	})

	t.Run("skip action rejects a ranging market", func(t *testing.T) {
		f := strategy.Filters{
			Regime: strategy.RegimeFilter{Enabled: true, AllowedRegimes: []string{"trending_up", "trending_down"}, Action: "SKIP"},
		}
		res := ApplyFilters(f, snapWith(ranging), nil, utc(10))
		if res.Allowed {
			t.Fatalf("ranging market passed a trend-only filter")
		}
		if !strings.Contains(res.Reason, "regime") {
			t.Fatalf("Reason=%q, expected regime rejection", res.Reason)
		}
	})

	t.Run("reduce size shrinks ranging entries", func(t *testing.T) {
		f := strategy.Filters{
			Regime: strategy.RegimeFilter{Enabled: true, AllowedRegimes: []string{"trending_up"}, Action: "REDUCE_SIZE"},
		}
		res := ApplyFilters(f, snapWith(ranging), nil, utc(10))
		if !res.Allowed {
			t.Fatalf("REDUCE_SIZE rejected instead of shrinking: %s", res.Reason)
		}
		if res.SizeFactor != 0.8 {
			t.Fatalf("SizeFactor=%v, expected 0.8", res.SizeFactor)
		}
	})

	t.Run("unclassifiable market gets the deepest cut", func(t *testing.T) {
		f := strategy.Filters{
			Regime: strategy.RegimeFilter{Enabled: true, AllowedRegimes: []string{"trending_up"}, Action: "REDUCE_SIZE"},
		}
		res := ApplyFilters(f, snapWith(nil), nil, utc(10))
		if !res.Allowed || res.SizeFactor != 0.5 {
			t.Fatalf("Allowed=%v SizeFactor=%v, expected 0.5 for unknown regime", res.Allowed, res.SizeFactor)
		}
	})

	t.Run("regime names match case insensitively", func(t *testing.T) {
		f := strategy.Filters{
			Regime: strategy.RegimeFilter{Enabled: true, AllowedRegimes: []string{"Trending_Up"}, Action: "SKIP"},
		}
		res := ApplyFilters(f, snapWith(trendingUp), nil, utc(10))
		if !res.Allowed {
			t.Fatalf("case difference rejected an allowed regime: %s", res.Reason)
		}
	})
}

func TestFirstRejectionWins(t *testing.T) {
	f := strategy.Filters{
		Session:    strategy.SessionFilter{Enabled: true, Sessions: []string{"london"}},
		Volatility: strategy.VolatilityFilter{Enabled: true, MinATR: 0.0005},
	}

	// Both session and volatility would reject; the session reason must win.
	res := ApplyFilters(f, snapWith(nil), nil, utc(3))
	if res.Allowed {
		t.Fatalf("expected rejection")
	}
	if !strings.Contains(res.Reason, "session") {
		t.Fatalf("Reason=%q, expected the session filter to reject first", res.Reason)
	}
}
