package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/volatility"
)

// BollingerResult represents the Bollinger Bands calculation result
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"`  // band width as percent of middle
	Signal string  `json:"signal"` // "buy", "sell", "neutral"
}

// Bollinger calculates Bollinger Bands (middle SMA, bands at 2 std dev)
func (s *Service) Bollinger(closes []float64, period int) (*BollingerResult, error) {
	if period < 2 || period > len(closes) {
		return nil, fmt.Errorf("invalid period: %d (must be between 2 and %d)", period, len(closes))
	}

	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	upperChan, middleChan, lowerChan := bb.Compute(sliceToChan(closes))

	var uppers, middles, lowers []float64
	for {
		u, uok := <-upperChan
		m, mok := <-middleChan
		l, lok := <-lowerChan
		if !uok || !mok || !lok {
			break
		}
		uppers = append(uppers, u)
		middles = append(middles, m)
		lowers = append(lowers, l)
	}

	if len(middles) == 0 {
		return nil, fmt.Errorf("no Bollinger Bands values calculated")
	}

	upper := uppers[len(uppers)-1]
	middle := middles[len(middles)-1]
	lower := lowers[len(lowers)-1]
	price := closes[len(closes)-1]

	width := 0.0
	if middle != 0 {
		width = ((upper - lower) / middle) * 100
	}

	// Price at or through a band signals mean-reversion pressure.
	signal := "neutral"
	if price <= lower {
		signal = "buy"
	} else if price >= upper {
		signal = "sell"
	}

	return &BollingerResult{
		Upper:  upper,
		Middle: middle,
		Lower:  lower,
		Width:  width,
		Signal: signal,
	}, nil
}
