package indicators

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/market"
)

// Snapshot bundles the indicator set computed from one candle history.
// Indicators whose lookback exceeds the available history are nil.
type Snapshot struct {
	Symbol    string           `json:"symbol"`
	Close     float64          `json:"close"`
	AsOf      time.Time        `json:"as_of"`
	RSI       *RSIResult       `json:"rsi,omitempty"`
	EMAFast   *EMAResult       `json:"ema_fast,omitempty"`
	EMASlow   *EMAResult       `json:"ema_slow,omitempty"`
	MACD      *MACDResult      `json:"macd,omitempty"`
	Bollinger *BollingerResult `json:"bollinger,omitempty"`
	ATR       *ATRResult       `json:"atr,omitempty"`
	ADX       *ADXResult       `json:"adx,omitempty"`
}

// Compute runs the full indicator set over daily candles with default
// periods. It needs at least one RSI window of history; longer-lookback
// indicators are skipped individually when the history is too short.
func (s *Service) Compute(symbol string, candles []market.Candle) (*Snapshot, error) {
	n := len(candles)
	if n < DefaultRSIPeriod+1 {
		return nil, fmt.Errorf("insufficient history for %s: need at least %d candles, got %d", symbol, DefaultRSIPeriod+1, n)
	}

	closes := closesOf(candles)
	highs := highsOf(candles)
	lows := lowsOf(candles)

	snap := &Snapshot{
		Symbol: symbol,
		Close:  closes[n-1],
		AsOf:   candles[n-1].Timestamp,
	}

	var err error
	if snap.RSI, err = s.RSI(closes, DefaultRSIPeriod); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("RSI skipped")
	}

	if n >= DefaultEMAFastPeriod {
		if snap.EMAFast, err = s.EMA(closes, DefaultEMAFastPeriod); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Fast EMA skipped")
		}
	}
	if n >= DefaultEMASlowPeriod {
		if snap.EMASlow, err = s.EMA(closes, DefaultEMASlowPeriod); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Slow EMA skipped")
		}
	}
	if n >= DefaultMACDSlowPeriod+DefaultMACDSignal {
		if snap.MACD, err = s.MACD(closes, DefaultMACDFastPeriod, DefaultMACDSlowPeriod, DefaultMACDSignal); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("MACD skipped")
		}
	}
	if n >= DefaultBollingerPeriod {
		if snap.Bollinger, err = s.Bollinger(closes, DefaultBollingerPeriod); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Bollinger skipped")
		}
	}
	if snap.ATR, err = s.ATR(highs, lows, closes, DefaultATRPeriod); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("ATR skipped")
	}
	if n >= DefaultADXPeriod*2 {
		if snap.ADX, err = s.ADX(highs, lows, closes, DefaultADXPeriod); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("ADX skipped")
		}
	}

	log.Debug().
		Str("symbol", symbol).
		Int("candles", n).
		Bool("full_set", snap.EMASlow != nil && snap.MACD != nil && snap.ADX != nil).
		Msg("Indicator snapshot computed")

	return snap, nil
}

// ATRValue returns the ATR in price units, or 0 when unavailable
func (snap *Snapshot) ATRValue() float64 {
	if snap == nil || snap.ATR == nil {
		return 0
	}
	return snap.ATR.Value
}
