package analysis

import (
	"fmt"
	"time"
)

// Canonical five-point recommendation scale. Agents may also emit
// native labels (bullish/bearish, risk levels, numeric sentiment); the
// consensus engine normalizes those.
const (
	StrongBuy  = "STRONG_BUY"
	Buy        = "BUY"
	Hold       = "HOLD"
	Sell       = "SELL"
	StrongSell = "STRONG_SELL"
)

// FivePointScale lists the canonical recommendations from most bullish
// to most bearish.
var FivePointScale = []string{StrongBuy, Buy, Hold, Sell, StrongSell}

// IsCanonical reports whether rec is one of the five-point labels
func IsCanonical(rec string) bool {
	switch rec {
	case StrongBuy, Buy, Hold, Sell, StrongSell:
		return true
	}
	return false
}

// DefaultHistoricalAccuracy is assumed when an agent has no track record
const DefaultHistoricalAccuracy = 0.75

// Opinion is the universal output contract every agent produces
type Opinion struct {
	AgentID            string             `json:"agent_id"`
	Symbol             string             `json:"symbol"`
	Recommendation     string             `json:"recommendation"`
	Confidence         float64            `json:"confidence"`
	Rationale          string             `json:"rationale"`
	KeyMetrics         map[string]float64 `json:"key_metrics,omitempty"`
	HistoricalAccuracy float64            `json:"historical_accuracy"`
	ProducedAt         time.Time          `json:"produced_at"`
}

// Normalize fills contract defaults: produced_at when unset, historical
// accuracy 0.75 when unknown, clamped into [0.1, 1.0].
func (o *Opinion) Normalize() {
	if o.ProducedAt.IsZero() {
		o.ProducedAt = time.Now().UTC()
	}
	if o.HistoricalAccuracy == 0 {
		o.HistoricalAccuracy = DefaultHistoricalAccuracy
	}
	if o.HistoricalAccuracy < 0.1 {
		o.HistoricalAccuracy = 0.1
	}
	if o.HistoricalAccuracy > 1.0 {
		o.HistoricalAccuracy = 1.0
	}
}

// Validate checks the opinion contract. Violations mark the producing
// execution failed without retry.
func (o *Opinion) Validate() error {
	if o == nil {
		return fmt.Errorf("nil opinion")
	}
	if o.AgentID == "" {
		return fmt.Errorf("opinion missing agent_id")
	}
	if o.Symbol == "" {
		return fmt.Errorf("opinion from %s missing symbol", o.AgentID)
	}
	if o.Recommendation == "" {
		return fmt.Errorf("opinion from %s missing recommendation", o.AgentID)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("opinion from %s has confidence %.3f outside [0,1]", o.AgentID, o.Confidence)
	}
	return nil
}

// Metric returns a key metric and whether it was reported
func (o *Opinion) Metric(key string) (float64, bool) {
	if o.KeyMetrics == nil {
		return 0, false
	}
	v, ok := o.KeyMetrics[key]
	return v, ok
}
