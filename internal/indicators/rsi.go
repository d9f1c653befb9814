package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
)

// RSIResult represents the RSI calculation result
type RSIResult struct {
	Value  float64 `json:"value"`
	Signal string  `json:"signal"` // "oversold", "overbought", "neutral"
}

// RSI calculates the Relative Strength Index over closing prices
func (s *Service) RSI(closes []float64, period int) (*RSIResult, error) {
	if err := validatePeriod(period, len(closes)); err != nil {
		return nil, err
	}

	rsi := momentum.NewRsiWithPeriod[float64](period)
	values := chanToSlice(rsi.Compute(sliceToChan(closes)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no RSI values calculated")
	}

	current := values[len(values)-1]

	signal := "neutral"
	if current < 30 {
		signal = "oversold"
	} else if current > 70 {
		signal = "overbought"
	}

	return &RSIResult{Value: current, Signal: signal}, nil
}
