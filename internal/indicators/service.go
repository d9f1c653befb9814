// Package indicators computes the technical indicator set consumed by
// the analysis pipeline: RSI, EMA, MACD, Bollinger Bands, ATR, and ADX
// over daily candles.
package indicators

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/market"
)

// Default lookback periods
const (
	DefaultRSIPeriod       = 14
	DefaultEMAFastPeriod   = 20
	DefaultEMASlowPeriod   = 50
	DefaultMACDFastPeriod  = 12
	DefaultMACDSlowPeriod  = 26
	DefaultMACDSignal      = 9
	DefaultBollingerPeriod = 20
	DefaultATRPeriod       = 14
	DefaultADXPeriod       = 14
)

// Service provides technical indicator calculations
type Service struct{}

// NewService creates a new indicator service
func NewService() *Service {
	log.Debug().Msg("Indicator service initialized")
	return &Service{}
}

// sliceToChan feeds a closed buffered channel, the form the underlying
// indicator library computes over.
func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func chanToSlice(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func validatePeriod(period, n int) error {
	if period < 1 || period > n {
		return fmt.Errorf("invalid period: %d (must be between 1 and %d)", period, n)
	}
	return nil
}

func closesOf(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func highsOf(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

func lowsOf(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}
