package monitor

import (
	"fmt"
	"strings"
	"time"

	"executor-core/internal/market"
	"executor-core/internal/safety"
	"executor-core/internal/strategy"
)

// FilterResult is the combined verdict of all configured filters. A rejected
// signal is suppressed without error; REDUCE_SIZE passes with a shrunken
// SizeFactor instead of blocking.
type FilterResult struct {
	Allowed    bool
	Reason     string
	SizeFactor float64
}

func pass() FilterResult { return FilterResult{Allowed: true, SizeFactor: 1} }

func reject(format string, args ...any) FilterResult {
	return FilterResult{Allowed: false, Reason: fmt.Sprintf(format, args...), SizeFactor: 1}
}

// sessionWindows are the major FX session hours in UTC. Sydney wraps
// midnight.
var sessionWindows = map[string][2]int{
	"london":   {7, 16},
	"new_york": {12, 21},
	"tokyo":    {0, 9},
	"sydney":   {21, 6},
}

// Market regimes detected from ADX and the 20/50 moving averages.
const (
	RegimeTrendingUp   = "trending_up"
	RegimeTrendingDown = "trending_down"
	RegimeRanging      = "ranging"
	RegimeUnknown      = "unknown"
)

// regimeSizeFactors shrink an entry taken outside the preferred regime when
// the filter action is REDUCE_SIZE instead of a hard skip. Ranging markets
// get smaller positions; an unclassifiable market gets the deepest cut.
var regimeSizeFactors = map[string]float64{
	RegimeTrendingUp:   1.0,
	RegimeTrendingDown: 1.0,
	RegimeRanging:      0.8,
	RegimeUnknown:      0.5,
}

// DetectRegime classifies the market from the snapshot's indicators. ADX
// above 25 with price and the fast average aligned on one side of the slow
// average is a trend; everything else is ranging. Missing indicators yield
// unknown rather than a guess.
func DetectRegime(snap market.Snapshot) string {
	adx, okADX := snap.Indicator("adx")
	sma20, ok20 := snap.Indicator("sma_20")
	sma50, ok50 := snap.Indicator("sma_50")
	if !okADX || !ok20 || !ok50 {
		return RegimeUnknown
	}

	price, ok := snap.Indicator("price")
	if !ok {
		price = (snap.Tick.Bid + snap.Tick.Ask) / 2
	}

	if adx > 25 {
		if sma20 > sma50 && price > sma20 {
			return RegimeTrendingUp
		}
		if sma20 < sma50 && price < sma20 {
			return RegimeTrendingDown
		}
	}
	return RegimeRanging
}

// ApplyFilters runs the strategy's configured filters against the snapshot
// and the current open positions. Filters run in a fixed order and the first
// rejection wins; size reductions from earlier filters survive only if every
// later filter passes.
func ApplyFilters(f strategy.Filters, snap market.Snapshot, positions []safety.OpenPosition, now time.Time) FilterResult {
	result := pass()

	if f.Session.Enabled && len(f.Session.Sessions) > 0 {
		if !inAnySession(f.Session.Sessions, now.UTC()) {
			return reject("outside allowed sessions %v", f.Session.Sessions)
		}
	}

	if f.Spread.Enabled && f.Spread.MaxSpread > 0 {
		spreadPips := snap.Tick.Spread() / PipSize(snap.Symbol)
		if spreadPips > f.Spread.MaxSpread {
			if strings.EqualFold(f.Spread.Action, "REDUCE_SIZE") {
				result.SizeFactor = 0.5
			} else {
				return reject("spread %.1f pips exceeds max %.1f", spreadPips, f.Spread.MaxSpread)
			}
		}
	}

	if f.Volatility.Enabled {
		atr, ok := snap.Indicator("atr")
		if !ok {
			return reject("volatility filter enabled but atr unavailable")
		}
		if f.Volatility.MinATR > 0 && atr < f.Volatility.MinATR {
			return reject("atr %.5f below minimum %.5f", atr, f.Volatility.MinATR)
		}
		if f.Volatility.MaxATR > 0 && atr > f.Volatility.MaxATR {
			return reject("atr %.5f above maximum %.5f", atr, f.Volatility.MaxATR)
		}
	}

	if f.Correlation.Enabled && len(f.Correlation.CheckPairs) > 0 {
		for _, p := range positions {
			for _, pair := range f.Correlation.CheckPairs {
				if strings.EqualFold(p.Symbol, pair) {
					return reject("correlated position open in %s", p.Symbol)
				}
			}
		}
	}

	if f.Regime.Enabled && len(f.Regime.AllowedRegimes) > 0 {
		regime := DetectRegime(snap)
		if !regimeAllowed(f.Regime.AllowedRegimes, regime) {
			if strings.EqualFold(f.Regime.Action, "REDUCE_SIZE") {
				result.SizeFactor *= regimeSizeFactors[regime]
			} else {
				return reject("regime %s outside allowed %v", regime, f.Regime.AllowedRegimes)
			}
		}
	}

	return result
}

func regimeAllowed(allowed []string, regime string) bool {
	for _, name := range allowed {
		if strings.EqualFold(strings.TrimSpace(name), regime) {
			return true
		}
	}
	return false
}

func inAnySession(sessions []string, now time.Time) bool {
	hour := now.Hour()
	for _, name := range sessions {
		window, ok := sessionWindows[normalizeSession(name)]
		if !ok {
			continue
		}
		start, end := window[0], window[1]
		if start <= end {
			if hour >= start && hour < end {
				return true
			}
		} else if hour >= start || hour < end {
			return true
		}
	}
	return false
}

func normalizeSession(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(s, " ", "_")
}
