package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert categories route alerts to the right notification channel
const (
	CategoryDrift     = "drift"
	CategoryRunFailed = "run_failed"
	CategoryProvider  = "provider"
	CategoryEngine    = "engine"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Category  string
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager manages multiple alert channels
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
	}
}

// Add registers an additional alert channel
func (m *Manager) Add(alerter Alerter) {
	m.alerters = append(m.alerters, alerter)
}

// Send sends an alert to all configured alerters
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}

	return lastErr
}

// SendCritical is a convenience method for sending critical alerts
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning is a convenience method for sending warning alerts
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo is a convenience method for sending info alerts
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()

	// Set log level based on severity
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	// Add metadata fields
	if alert.Metadata != nil {
		for key, value := range alert.Metadata {
			event = event.Interface(key, value)
		}
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(fmt.Sprintf("ALERT: %s", alert.Message))

	return nil
}

// Default global alert manager (can be replaced with custom configuration)
var defaultManager *Manager

func init() {
	defaultManager = NewManager(NewLogAlerter())
}

// GetDefaultManager returns the default alert manager
func GetDefaultManager() *Manager {
	return defaultManager
}

// SetDefaultManager sets the default alert manager
func SetDefaultManager(manager *Manager) {
	defaultManager = manager
}

// Helper functions for common alerts

// DriftSeverity maps a drift severity label onto an alert severity
func DriftSeverity(severity string) Severity {
	switch severity {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH", "MEDIUM":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// AlertDriftDetected sends an alert for a market drift event
func AlertDriftDetected(ctx context.Context, analysisID, symbol, kind, severity, message string, composite float64) {
	defaultManager.Send(ctx, Alert{
		Title:    fmt.Sprintf("Market drift: %s", symbol),
		Message:  message,
		Severity: DriftSeverity(severity),
		Category: CategoryDrift,
		Metadata: map[string]interface{}{
			"analysis_id": analysisID,
			"symbol":      symbol,
			"kind":        kind,
			"severity":    severity,
			"composite":   composite,
		},
	})
}

// AlertRunFailed sends an alert for a failed analysis run
func AlertRunFailed(ctx context.Context, analysisID, reason string) {
	defaultManager.Send(ctx, Alert{
		Title:    "Analysis Run Failed",
		Message:  fmt.Sprintf("Analysis %s failed: %s", analysisID, reason),
		Severity: SeverityWarning,
		Category: CategoryRunFailed,
		Metadata: map[string]interface{}{
			"analysis_id": analysisID,
			"reason":      reason,
		},
	})
}

// AlertProviderUnavailable sends an alert for market data provider issues
func AlertProviderUnavailable(ctx context.Context, endpoint string, err error) {
	defaultManager.Send(ctx, Alert{
		Title:    "Market Data Provider Unavailable",
		Message:  fmt.Sprintf("Provider endpoint %s failing: %v", endpoint, err),
		Severity: SeverityCritical,
		Category: CategoryProvider,
		Metadata: map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
		},
	})
}
