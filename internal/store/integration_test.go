//go:build integration

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

// setupTestStore starts a PostgreSQL container with pgvector, applies
// the migrations, and returns a Store over a live pool.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("stockcouncil_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pool.Ping(ctx))

	applyMigrations(t, pool)
	return New(pool, nil)
}

// applyMigrations runs every SQL file under migrations/ in name order
func applyMigrations(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no migration files found")
	sort.Strings(files)

	ctx := context.Background()
	for _, file := range files {
		t.Logf("Applying migration: %s", filepath.Base(file))
		sqlBytes, err := os.ReadFile(file)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(sqlBytes))
		require.NoError(t, err, "failed to apply %s", filepath.Base(file))
	}
}

func TestIntegrationRecordLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t)
	require.NoError(t, store.CreateRecord(ctx, rec))

	loaded, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.StatusPending, loaded.Status)
	assert.Equal(t, rec.Symbols, loaded.Symbols)
	assert.Equal(t, int64(1), loaded.Version)
	assert.WithinDuration(t, rec.CreatedAt, loaded.CreatedAt, time.Second)

	// Keep a stale copy to race against
	stale, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)

	require.NoError(t, rec.MarkRunning())
	rec.Executions = append(rec.Executions, *analysis.NewExecution("technical"))
	require.NoError(t, store.UpdateRecord(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	// The stale copy still holds version 1 and must lose the race
	require.NoError(t, stale.MarkRunning())
	err = store.UpdateRecord(ctx, stale)
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Re-read and complete
	fresh, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, fresh.Executions, 1)

	artifact, err := json.Marshal(map[string]string{"symbol": "AAPL", "action": "BUY"})
	require.NoError(t, err)
	require.NoError(t, fresh.MarkCompleted(artifact))
	require.NoError(t, store.UpdateRecord(ctx, fresh))

	recent, err := store.ListRecentCompleted(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, rec.ID, recent[0].ID)
	assert.JSONEq(t, string(artifact), string(recent[0].FinalArtifact))

	count, err := store.CountRecords(ctx, analysis.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIntegrationDriftRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t)
	require.NoError(t, store.CreateRecord(ctx, rec))

	old := analysis.DriftSnapshot{
		Symbol:         "AAPL",
		PriceDrift:     0.02,
		CompositeScore: 0.01,
		Severity:       analysis.SeverityLow,
		SampledAt:      time.Now().UTC().Add(-40 * 24 * time.Hour),
	}
	recent := analysis.DriftSnapshot{
		Symbol:          "AAPL",
		PriceDrift:      0.08,
		VolumeDrift:     0.6,
		VolatilityDrift: 0.2,
		SentimentDrift:  0.1,
		CompositeScore:  0.237,
		Severity:        analysis.SeverityMedium,
		SampledAt:       time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, store.AppendDriftSnapshot(ctx, rec.ID, old))
	require.NoError(t, store.AppendDriftSnapshot(ctx, rec.ID, recent))

	require.NoError(t, store.UpdateDriftStatus(ctx, rec.ID,
		map[string]analysis.DriftSnapshot{"AAPL": recent}))

	loaded, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.SeverityMedium, loaded.DriftStatus["AAPL"].Severity)

	history, err := store.ListDriftHistory(ctx, rec.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, analysis.SeverityLow, history[0].Severity, "oldest first")

	alert := &analysis.DriftAlert{
		AlertID:     "alert-int-1",
		AnalysisID:  rec.ID,
		Symbol:      "AAPL",
		Kind:        analysis.DriftPrice,
		Severity:    analysis.SeverityMedium,
		Message:     "price moved 8.0% against the analyzed entry",
		Snapshot:    recent,
		TriggeredAt: time.Now().UTC(),
	}
	require.NoError(t, store.AppendDriftAlert(ctx, alert))

	alerts, err := store.ListDriftAlerts(ctx, rec.ID, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, analysis.DriftPrice, alerts[0].Kind)
	assert.InDelta(t, 0.08, alerts[0].Snapshot.PriceDrift, 1e-9)

	pruned, err := store.PruneDriftHistory(ctx, time.Now().UTC().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	history, err = store.ListDriftHistory(ctx, rec.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, analysis.SeverityMedium, history[0].Severity)
}

func TestIntegrationAuditArchive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := &AuditEvent{
		EventID:    "evt-int-1",
		AnalysisID: "an-int",
		Kind:       "analysis_started",
		Sequence:   1,
	}
	second := &AuditEvent{
		EventID:    "evt-int-2",
		AnalysisID: "an-int",
		Kind:       "agent_completed",
		Sequence:   2,
		Payload:    []byte(`{"agent_id":"risk"}`),
	}

	require.NoError(t, store.AppendAuditEvent(ctx, first))
	require.NoError(t, store.AppendAuditEvent(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	// Re-archiving the same event id is a no-op
	dup := &AuditEvent{EventID: "evt-int-1", AnalysisID: "an-int", Kind: "analysis_started", Sequence: 1}
	require.NoError(t, store.AppendAuditEvent(ctx, dup))

	events, err := store.ListAuditEvents(ctx, "an-int", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "analysis_started", events[0].Kind)

	tail, err := store.ListAuditEvents(ctx, "an-int", first.ID, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "evt-int-2", tail[0].EventID)
}

func TestIntegrationArtifactUpsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(t)
	require.NoError(t, store.CreateRecord(ctx, rec))

	draft := &synthesis.FinalArtifact{
		Symbol:      "AAPL",
		Action:      "HOLD",
		Confidence:  0.3,
		GeneratedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveArtifact(ctx, rec.ID, draft))

	final := &synthesis.FinalArtifact{
		Symbol:      "AAPL",
		Action:      "BUY",
		Confidence:  0.72,
		Rationale:   "consensus favors upside with managed risk",
		GeneratedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveArtifact(ctx, rec.ID, final))

	loaded, err := store.GetArtifact(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "BUY", loaded.Action)
	assert.InDelta(t, 0.72, loaded.Confidence, 1e-9)

	_, err = store.GetArtifact(ctx, "no-such-analysis")
	assert.ErrorIs(t, err, ErrNotFound)
}
