package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAlerter captures alerts for assertions
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordingAlerter) Send(ctx context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *recordingAlerter) received() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func TestManagerFanOut(t *testing.T) {
	first := &recordingAlerter{}
	second := &recordingAlerter{}
	manager := NewManager(first, second)

	err := manager.Send(context.Background(), Alert{
		Title:    "test alert",
		Message:  "something happened",
		Severity: SeverityWarning,
	})
	require.NoError(t, err)

	assert.Len(t, first.received(), 1)
	assert.Len(t, second.received(), 1)
}

func TestManagerStampsTimestamp(t *testing.T) {
	rec := &recordingAlerter{}
	manager := NewManager(rec)

	before := time.Now()
	err := manager.Send(context.Background(), Alert{Title: "no timestamp"})
	require.NoError(t, err)

	got := rec.received()
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.True(t, !got[0].Timestamp.Before(before))
}

func TestManagerContinuesAfterFailure(t *testing.T) {
	failing := &recordingAlerter{err: errors.New("channel down")}
	healthy := &recordingAlerter{}
	manager := NewManager(failing, healthy)

	err := manager.Send(context.Background(), Alert{Title: "partial delivery"})

	// the healthy channel still receives the alert, and the error surfaces
	assert.Error(t, err)
	assert.Len(t, healthy.received(), 1)
}

func TestManagerConvenienceMethods(t *testing.T) {
	rec := &recordingAlerter{}
	manager := NewManager(rec)
	ctx := context.Background()

	require.NoError(t, manager.SendCritical(ctx, "crit", "msg", nil))
	require.NoError(t, manager.SendWarning(ctx, "warn", "msg", nil))
	require.NoError(t, manager.SendInfo(ctx, "info", "msg", nil))

	got := rec.received()
	require.Len(t, got, 3)
	assert.Equal(t, SeverityCritical, got[0].Severity)
	assert.Equal(t, SeverityWarning, got[1].Severity)
	assert.Equal(t, SeverityInfo, got[2].Severity)
}

func TestDriftSeverity(t *testing.T) {
	tests := []struct {
		drift string
		want  Severity
	}{
		{drift: "CRITICAL", want: SeverityCritical},
		{drift: "HIGH", want: SeverityWarning},
		{drift: "MEDIUM", want: SeverityWarning},
		{drift: "LOW", want: SeverityInfo},
		{drift: "unknown", want: SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.drift, func(t *testing.T) {
			assert.Equal(t, tt.want, DriftSeverity(tt.drift))
		})
	}
}

func TestDomainHelpersSetCategory(t *testing.T) {
	rec := &recordingAlerter{}
	old := GetDefaultManager()
	SetDefaultManager(NewManager(rec))
	defer SetDefaultManager(old)

	ctx := context.Background()
	AlertDriftDetected(ctx, "an-1", "AAPL", "PRICE", "HIGH", "price drift 7.1%", 0.28)
	AlertRunFailed(ctx, "an-2", "market context unavailable")
	AlertProviderUnavailable(ctx, "/v1/quote", errors.New("connection refused"))

	got := rec.received()
	require.Len(t, got, 3)

	assert.Equal(t, CategoryDrift, got[0].Category)
	assert.Equal(t, SeverityWarning, got[0].Severity)
	assert.Equal(t, "AAPL", got[0].Metadata["symbol"])
	assert.Equal(t, 0.28, got[0].Metadata["composite"])

	assert.Equal(t, CategoryRunFailed, got[1].Category)
	assert.Equal(t, "an-2", got[1].Metadata["analysis_id"])

	assert.Equal(t, CategoryProvider, got[2].Category)
	assert.Equal(t, SeverityCritical, got[2].Severity)
}

func TestLogAlerter(t *testing.T) {
	alerter := NewLogAlerter()

	err := alerter.Send(context.Background(), Alert{
		Title:    "log only",
		Message:  "written to the log",
		Severity: SeverityInfo,
		Metadata: map[string]interface{}{"key": "value"},
	})
	assert.NoError(t, err)
}
