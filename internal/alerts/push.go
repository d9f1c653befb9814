package alerts

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/notifications"
)

// PushAlerter delivers alerts as push notifications to a fixed set of
// operator devices
type PushAlerter struct {
	backend notifications.Backend
	tokens  []string
}

// NewPushAlerter creates a push-notification alerter. Tokens that do not
// look like FCM device tokens are kept but flagged, since real validation
// happens on delivery.
func NewPushAlerter(backend notifications.Backend, deviceTokens []string) *PushAlerter {
	for _, token := range deviceTokens {
		if !notifications.ValidateToken(token) {
			log.Warn().
				Str("backend", backend.Name()).
				Msg("Configured device token does not look like an FCM token")
		}
	}

	log.Info().
		Str("backend", backend.Name()).
		Int("device_count", len(deviceTokens)).
		Msg("Push alerter initialized")

	return &PushAlerter{
		backend: backend,
		tokens:  deviceTokens,
	}
}

// Send delivers the alert to every configured device
func (p *PushAlerter) Send(ctx context.Context, alert Alert) error {
	if len(p.tokens) == 0 {
		log.Debug().Msg("No push device tokens configured, skipping alert")
		return nil
	}

	notification := notifications.Notification{
		Type:     notificationType(alert.Category),
		Title:    alert.Title,
		Body:     alert.Message,
		Data:     flattenMetadata(alert.Metadata),
		Priority: pushPriority(alert.Severity),
	}

	var lastErr error
	successCount := 0

	for _, token := range p.tokens {
		if err := p.backend.Send(ctx, token, notification); err != nil {
			log.Error().
				Err(err).
				Str("alert_title", alert.Title).
				Msg("Failed to send push notification")
			lastErr = err
			continue
		}
		successCount++
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to push alert to any device: %w", lastErr)
	}

	return nil
}

func notificationType(category string) notifications.NotificationType {
	switch category {
	case CategoryDrift:
		return notifications.NotificationTypeDriftAlert
	case CategoryRunFailed:
		return notifications.NotificationTypeRunFailure
	case CategoryProvider:
		return notifications.NotificationTypeProviderOutage
	default:
		return notifications.NotificationTypeEngineAlert
	}
}

func pushPriority(severity Severity) string {
	if severity == SeverityCritical {
		return "high"
	}
	return "normal"
}

// flattenMetadata converts alert metadata into the string map FCM expects
func flattenMetadata(metadata map[string]interface{}) map[string]string {
	if len(metadata) == 0 {
		return nil
	}

	data := make(map[string]string, len(metadata))
	for key, value := range metadata {
		data[key] = fmt.Sprintf("%v", value)
	}
	return data
}
