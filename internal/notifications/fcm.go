package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// FCMBackend implements the Backend interface using Firebase Cloud Messaging
type FCMBackend struct {
	client *messaging.Client
	mock   bool
}

// NewFCMBackend creates a new FCM backend.
// If credentialsPath is empty or the file doesn't exist, a mock backend
// that only logs notifications is returned so the engine can run without
// push credentials.
func NewFCMBackend(ctx context.Context, credentialsPath string) (*FCMBackend, error) {
	if credentialsPath == "" {
		log.Warn().Msg("No FCM credentials path provided, using mock backend")
		return &FCMBackend{mock: true}, nil
	}

	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		log.Warn().
			Str("credentials_path", credentialsPath).
			Msg("FCM credentials file not found, using mock backend")
		return &FCMBackend{mock: true}, nil
	}

	opt := option.WithCredentialsFile(credentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	log.Info().Msg("Initialized FCM backend")

	return &FCMBackend{client: client}, nil
}

// Send sends a notification to a single device via FCM
func (f *FCMBackend) Send(ctx context.Context, deviceToken string, notification Notification) error {
	if f.mock {
		return f.sendMock(deviceToken, notification)
	}

	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Data: notification.Data,
	}

	if notification.Priority == "high" {
		msg.Android = &messaging.AndroidConfig{
			Priority: "high",
		}
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
		}
	}

	response, err := f.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send FCM message: %w", err)
	}

	log.Debug().
		Str("message_id", response).
		Str("device_token", maskToken(deviceToken)).
		Str("notification_type", string(notification.Type)).
		Msg("Sent FCM notification")

	return nil
}

// sendMock logs the notification instead of sending it
func (f *FCMBackend) sendMock(deviceToken string, notification Notification) error {
	dataJSON, _ := json.Marshal(notification.Data)

	log.Info().
		Str("backend", "fcm_mock").
		Str("device_token", maskToken(deviceToken)).
		Str("notification_type", string(notification.Type)).
		Str("title", notification.Title).
		Str("body", notification.Body).
		Str("data", string(dataJSON)).
		Str("priority", notification.Priority).
		Msg("Mock FCM notification (not actually sent)")

	return nil
}

// Name returns the backend name
func (f *FCMBackend) Name() string {
	if f.mock {
		return "fcm_mock"
	}
	return "fcm"
}

// Close closes the FCM backend
func (f *FCMBackend) Close() error {
	// FCM client doesn't need explicit closing
	log.Debug().Str("backend", f.Name()).Msg("Closed FCM backend")
	return nil
}

// IsMock returns true if this is a mock backend
func (f *FCMBackend) IsMock() bool {
	return f.mock
}

// ValidateToken checks if a device token looks like a plausible FCM token.
// Real validation happens when sending.
func ValidateToken(token string) bool {
	// FCM tokens are typically 152-163 characters long
	if len(token) < 100 || len(token) > 200 {
		return false
	}

	for _, ch := range token {
		valid := (ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_' || ch == ':'
		if !valid {
			return false
		}
	}

	return true
}
