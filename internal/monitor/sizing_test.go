package monitor

import (
	"testing"

	"executor-core/internal/strategy"
)

func TestPipSize(t *testing.T) {
	tests := []struct {
		symbol string
		want   float64
	}{
		{"EURUSD", 0.0001},
		{"USDJPY", 0.01},
		{"eurjpy", 0.01},
		{"GBPAUD", 0.0001},
	}

	for _, tt := range tests {
		if got := PipSize(tt.symbol); got != tt.want {
			t.Fatalf("PipSize(%s)=%v, expected %v", tt.symbol, got, tt.want)
		}
	}
}

func TestComputeLot(t *testing.T) {
	tests := []struct {
		name     string
		risk     strategy.RiskParams
		balance  float64
		stopPips float64
		want     float64
	}{
		{
			name: "fixed lot wins over risk percentage",
			risk: strategy.RiskParams{LotSize: 0.3, RiskPercentage: 2},
			want: 0.3,
		},
		{
			// 1% of 10000 = 100 risked; 100 / (10 * 25 pips) = 0.4 lots.
			name:     "risk based",
			risk:     strategy.RiskParams{RiskPercentage: 1},
			balance:  10000,
			stopPips: 25,
			want:     0.4,
		},
		{
			name:     "custom pip value",
			risk:     strategy.RiskParams{RiskPercentage: 1, PipValue: 5},
			balance:  10000,
			stopPips: 25,
			want:     0.8,
		},
		{
			name:     "clamped to max",
			risk:     strategy.RiskParams{RiskPercentage: 10},
			balance:  100000,
			stopPips: 10,
			want:     1.0,
		},
		{
			name:     "clamped to min",
			risk:     strategy.RiskParams{RiskPercentage: 0.01},
			balance:  1000,
			stopPips: 50,
			want:     0.01,
		},
		{
			name:     "explicit bounds respected",
			risk:     strategy.RiskParams{RiskPercentage: 10, MaxLot: 2.5},
			balance:  100000,
			stopPips: 10,
			want:     2.5,
		},
		{
			name: "no balance falls back to minimum",
			risk: strategy.RiskParams{RiskPercentage: 1},
			want: 0.01,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeLot(tt.risk, tt.balance, tt.stopPips); got != tt.want {
				t.Fatalf("ComputeLot=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestRoundLotStep(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.0165, 0.01},
		{0.0199, 0.01},
		{0.02, 0.02},
		{0.1, 0.1},
		{0.009, 0},
	}
	for _, tt := range tests {
		if got := RoundLotStep(tt.in); !closeTo(got, tt.want) {
			t.Fatalf("RoundLotStep(%v)=%v, expected %v", tt.in, got, tt.want)
		}
	}
}

func TestClampLotRounding(t *testing.T) {
	got := ClampLot(strategy.RiskParams{}, 0.137)
	if got != 0.14 {
		t.Fatalf("ClampLot(0.137)=%v, expected rounding to 0.14", got)
	}
}
