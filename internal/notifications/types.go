package notifications

import "context"

// NotificationType classifies push notifications emitted by the engine
type NotificationType string

const (
	NotificationTypeDriftAlert     NotificationType = "drift_alert"
	NotificationTypeRunFailure     NotificationType = "run_failure"
	NotificationTypeProviderOutage NotificationType = "provider_outage"
	NotificationTypeEngineAlert    NotificationType = "engine_alert"
)

// Notification represents a push notification to be sent
type Notification struct {
	Type     NotificationType  `json:"type"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // "high" or "normal"
}

// Backend defines the interface for notification backends (FCM, APNs, etc.)
type Backend interface {
	// Send sends a notification to a device
	Send(ctx context.Context, deviceToken string, notification Notification) error

	// Name returns the backend name
	Name() string

	// Close closes the backend connection
	Close() error
}

// maskToken hides most of a device token in logs
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
