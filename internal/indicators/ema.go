package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/trend"
)

// EMAResult represents the EMA calculation result
type EMAResult struct {
	Period int     `json:"period"`
	Value  float64 `json:"value"`
	Trend  string  `json:"trend"` // "bullish", "bearish", "neutral"
}

// EMA calculates the Exponential Moving Average over closing prices.
// Trend is the position of the latest close relative to the average.
func (s *Service) EMA(closes []float64, period int) (*EMAResult, error) {
	if err := validatePeriod(period, len(closes)); err != nil {
		return nil, err
	}

	ema := trend.NewEmaWithPeriod[float64](period)
	values := chanToSlice(ema.Compute(sliceToChan(closes)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no EMA values calculated")
	}

	current := values[len(values)-1]
	price := closes[len(closes)-1]

	trendSignal := "neutral"
	if price > current {
		trendSignal = "bullish"
	} else if price < current {
		trendSignal = "bearish"
	}

	return &EMAResult{Period: period, Value: current, Trend: trendSignal}, nil
}
