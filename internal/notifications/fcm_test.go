package notifications

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFCMBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("empty credentials path uses mock", func(t *testing.T) {
		backend, err := NewFCMBackend(ctx, "")
		require.NoError(t, err)
		assert.NotNil(t, backend)
		assert.True(t, backend.IsMock())
		assert.Equal(t, "fcm_mock", backend.Name())
	})

	t.Run("non-existent credentials path uses mock", func(t *testing.T) {
		backend, err := NewFCMBackend(ctx, "/nonexistent/path/credentials.json")
		require.NoError(t, err)
		assert.NotNil(t, backend)
		assert.True(t, backend.IsMock())
		assert.Equal(t, "fcm_mock", backend.Name())
	})
}

func TestFCMBackendMock(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFCMBackend(ctx, "")
	require.NoError(t, err)
	require.True(t, backend.IsMock())

	t.Run("send notification", func(t *testing.T) {
		notification := Notification{
			Type:  NotificationTypeDriftAlert,
			Title: "Market drift: AAPL",
			Body:  "Price drift 6.2% exceeds threshold",
			Data: map[string]string{
				"analysis_id": "an-123",
				"symbol":      "AAPL",
				"kind":        "PRICE",
				"severity":    "MEDIUM",
			},
			Priority: "high",
		}

		err := backend.Send(ctx, "mock-device-token", notification)
		require.NoError(t, err)
	})

	t.Run("send without data payload", func(t *testing.T) {
		notification := Notification{
			Type:  NotificationTypeRunFailure,
			Title: "Analysis Run Failed",
			Body:  "Analysis an-456 failed: market context unavailable",
		}

		err := backend.Send(ctx, "mock-device-token", notification)
		require.NoError(t, err)
	})

	t.Run("backend name", func(t *testing.T) {
		assert.Equal(t, "fcm_mock", backend.Name())
	})

	t.Run("close backend", func(t *testing.T) {
		err := backend.Close()
		require.NoError(t, err)
	})
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{name: "short token fully masked", token: "abc", want: "***"},
		{name: "boundary token fully masked", token: "12345678", want: "***"},
		{name: "long token keeps edges", token: "abcdefghijklmnop", want: "abcd...mnop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, maskToken(tt.token))
		})
	}
}

func TestFCMValidateToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		valid bool
	}{
		{
			name:  "valid FCM token",
			token: "cXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm1xd2VydHl1aW9wYXNkZmdoamtsenhjdmJubXF3ZXJ0eXVpb3Bhc2RmZ2hqa2x6eGN2Ym5tcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm0",
			valid: true,
		},
		{
			name:  "valid FCM token with separators",
			token: "cXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm0tcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm06cXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm1fcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm0",
			valid: true,
		},
		{
			name:  "too short",
			token: "short",
			valid: false,
		},
		{
			name:  "too long",
			token: "cXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm1fcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm1fcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm1fcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm1fcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm1fcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm0",
			valid: false,
		},
		{
			name:  "invalid characters",
			token: "cXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm0@cXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm0jcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm0kcXdlcnR5dWlvcGFzZGZnaGprbHp4Y3Zibm0",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateToken(tt.token))
		})
	}
}
