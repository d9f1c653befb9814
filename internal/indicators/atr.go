package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/volatility"
)

// ATRResult represents the Average True Range calculation result
type ATRResult struct {
	Value   float64 `json:"value"`
	Percent float64 `json:"percent"` // ATR as percent of the latest close
}

// ATR calculates the Average True Range, the volatility measure used to
// place stop levels.
func (s *Service) ATR(highs, lows, closes []float64, period int) (*ATRResult, error) {
	if len(highs) != len(lows) || len(highs) != len(closes) {
		return nil, fmt.Errorf("high, low, and close arrays must have the same length")
	}
	if err := validatePeriod(period, len(closes)); err != nil {
		return nil, err
	}

	atr := volatility.NewAtrWithPeriod[float64](period)
	values := chanToSlice(atr.Compute(sliceToChan(highs), sliceToChan(lows), sliceToChan(closes)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no ATR values calculated")
	}

	current := values[len(values)-1]
	price := closes[len(closes)-1]

	percent := 0.0
	if price != 0 {
		percent = (current / price) * 100
	}

	return &ATRResult{Value: current, Percent: percent}, nil
}
