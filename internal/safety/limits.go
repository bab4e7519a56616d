package safety

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Limits is the immutable risk configuration snapshot loaded at startup.
// Zero values disable the corresponding check.
type Limits struct {
	MaxDailyLoss        float64 `yaml:"max_daily_loss"`
	MaxDailyLossPercent float64 `yaml:"max_daily_loss_percent"`
	MaxDrawdown         float64 `yaml:"max_drawdown"`
	MaxDrawdownPercent  float64 `yaml:"max_drawdown_percent"`
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	MaxLotSize          float64 `yaml:"max_lot_size"`
	MaxCorrelation      float64 `yaml:"max_correlation"`
	MaxTotalExposure    float64 `yaml:"max_total_exposure"`
}

// DefaultLimits returns the conservative configuration used when no limits
// file is present.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLoss:        500,
		MaxDailyLossPercent: 5,
		MaxDrawdown:         1000,
		MaxDrawdownPercent:  10,
		MaxOpenPositions:    5,
		MaxLotSize:          1.0,
		MaxCorrelation:      0.7,
		MaxTotalExposure:    10000,
	}
}

// LoadLimits reads limits from a YAML file, falling back to defaults when the
// file does not exist. A present but malformed file is an error: silently
// trading with default limits against the operator's intent is worse than
// refusing to start.
func LoadLimits(path string) (Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultLimits(), nil
		}
		return Limits{}, fmt.Errorf("read safety limits: %w", err)
	}

	limits := DefaultLimits()
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return Limits{}, fmt.Errorf("parse safety limits: %w", err)
	}
	return limits, nil
}
