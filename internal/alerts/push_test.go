package alerts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/notifications"
)

// fakeBackend records push deliveries per device token
type fakeBackend struct {
	sent    map[string][]notifications.Notification
	failFor map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sent:    make(map[string][]notifications.Notification),
		failFor: make(map[string]bool),
	}
}

func (f *fakeBackend) Send(ctx context.Context, deviceToken string, n notifications.Notification) error {
	if f.failFor[deviceToken] {
		return errors.New("delivery failed")
	}
	f.sent[deviceToken] = append(f.sent[deviceToken], n)
	return nil
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) Close() error { return nil }

func TestPushAlerterSend(t *testing.T) {
	backend := newFakeBackend()
	alerter := NewPushAlerter(backend, []string{"device-a", "device-b"})

	err := alerter.Send(context.Background(), Alert{
		Title:    "Market drift: TSLA",
		Message:  "volume drift 65% exceeds threshold",
		Severity: SeverityCritical,
		Category: CategoryDrift,
		Metadata: map[string]interface{}{
			"symbol":    "TSLA",
			"composite": 0.41,
		},
	})
	require.NoError(t, err)

	require.Len(t, backend.sent["device-a"], 1)
	require.Len(t, backend.sent["device-b"], 1)

	got := backend.sent["device-a"][0]
	assert.Equal(t, notifications.NotificationTypeDriftAlert, got.Type)
	assert.Equal(t, "high", got.Priority)
	assert.Equal(t, "TSLA", got.Data["symbol"])
	assert.Equal(t, "0.41", got.Data["composite"])
}

func TestPushAlerterPartialFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.failFor["device-a"] = true
	alerter := NewPushAlerter(backend, []string{"device-a", "device-b"})

	err := alerter.Send(context.Background(), Alert{
		Title:    "Analysis Run Failed",
		Severity: SeverityWarning,
		Category: CategoryRunFailed,
	})

	// at least one device received it, so the send succeeds
	require.NoError(t, err)
	assert.Empty(t, backend.sent["device-a"])
	assert.Len(t, backend.sent["device-b"], 1)
}

func TestPushAlerterAllFailed(t *testing.T) {
	backend := newFakeBackend()
	backend.failFor["device-a"] = true
	alerter := NewPushAlerter(backend, []string{"device-a"})

	err := alerter.Send(context.Background(), Alert{Title: "undeliverable"})
	assert.Error(t, err)
}

func TestPushAlerterNoTokens(t *testing.T) {
	alerter := NewPushAlerter(newFakeBackend(), nil)

	err := alerter.Send(context.Background(), Alert{Title: "nowhere to go"})
	assert.NoError(t, err)
}

func TestNotificationTypeMapping(t *testing.T) {
	tests := []struct {
		category string
		want     notifications.NotificationType
	}{
		{category: CategoryDrift, want: notifications.NotificationTypeDriftAlert},
		{category: CategoryRunFailed, want: notifications.NotificationTypeRunFailure},
		{category: CategoryProvider, want: notifications.NotificationTypeProviderOutage},
		{category: CategoryEngine, want: notifications.NotificationTypeEngineAlert},
		{category: "", want: notifications.NotificationTypeEngineAlert},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, notificationType(tt.category))
	}
}

func TestPushPriority(t *testing.T) {
	assert.Equal(t, "high", pushPriority(SeverityCritical))
	assert.Equal(t, "normal", pushPriority(SeverityWarning))
	assert.Equal(t, "normal", pushPriority(SeverityInfo))
}
