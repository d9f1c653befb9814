package analysis

import "time"

// Severity grades drift impact
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities for comparisons
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// DriftKind identifies which dimension raised an alert
type DriftKind string

const (
	DriftPrice      DriftKind = "PRICE"
	DriftVolume     DriftKind = "VOLUME"
	DriftVolatility DriftKind = "VOLATILITY"
	DriftSentiment  DriftKind = "SENTIMENT"
	DriftComposite  DriftKind = "COMPOSITE"
)

// DriftSnapshot is one sampling of how far market state has moved from
// the state an analysis was produced under. Drift values are relative,
// 1.0 meaning 100% movement. Snapshots accrete append-only.
type DriftSnapshot struct {
	Symbol          string    `json:"symbol"`
	PriceDrift      float64   `json:"price_drift"`
	VolumeDrift     float64   `json:"volume_drift"`
	VolatilityDrift float64   `json:"volatility_drift"`
	SentimentDrift  float64   `json:"sentiment_drift"`
	CompositeScore  float64   `json:"composite_score"`
	Severity        Severity  `json:"severity"`
	SampledAt       time.Time `json:"sampled_at"`
}

// DriftAlert is raised when a drift dimension or the composite crosses
// its threshold. Alerts accrete append-only.
type DriftAlert struct {
	AlertID     string        `json:"alert_id"`
	AnalysisID  string        `json:"analysis_id"`
	Symbol      string        `json:"symbol"`
	Kind        DriftKind     `json:"kind"`
	Severity    Severity      `json:"severity"`
	Message     string        `json:"message"`
	Snapshot    DriftSnapshot `json:"snapshot"`
	TriggeredAt time.Time     `json:"triggered_at"`
}
