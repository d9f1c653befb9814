package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
)

var recordColumns = []string{
	"id", "query", "symbols", "status", "executions", "progress",
	"final_artifact", "error_message", "drift_status", "context_degraded",
	"created_at", "completed_at", "version",
}

func testRecord(t *testing.T) *analysis.Record {
	t.Helper()
	req, err := analysis.NewRequest("analyze AAPL", []string{"AAPL"})
	require.NoError(t, err)
	return analysis.NewRecord(req)
}

// TestCreateRecord tests inserting a fresh pending record
func TestCreateRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, nil)
	rec := testRecord(t)

	mock.ExpectExec("INSERT INTO analyses").
		WithArgs(
			rec.ID, rec.Query, rec.Symbols, "pending",
			[]byte(`[]`), pgxmock.AnyArg(), []byte(nil), "", []byte(nil), false,
			rec.CreatedAt, (*time.Time)(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRecord(context.Background(), rec))
	assert.Equal(t, int64(1), rec.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetRecord tests loading a record with all nested fields
func TestGetRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, nil)

	exec := analysis.NewExecution("technical")
	exec.Complete(&analysis.Opinion{
		AgentID:        "technical",
		Symbol:         "AAPL",
		Recommendation: "BUY",
		Confidence:     0.7,
		Rationale:      "RSI recovering from oversold",
	})
	executions, err := json.Marshal([]analysis.AgentExecution{*exec})
	require.NoError(t, err)

	progress, err := json.Marshal(analysis.Progress{
		Percentage: 95,
		Phase:      "critique",
	})
	require.NoError(t, err)

	driftStatus, err := json.Marshal(map[string]analysis.DriftSnapshot{
		"AAPL": {Symbol: "AAPL", PriceDrift: 0.08, Severity: analysis.SeverityMedium},
	})
	require.NoError(t, err)

	created := time.Now().UTC().Add(-time.Hour)
	completed := time.Now().UTC()

	rows := pgxmock.NewRows(recordColumns).AddRow(
		"an-1", "analyze AAPL", []string{"AAPL"}, "completed",
		executions, progress, []byte(`{"symbol":"AAPL","action":"BUY"}`), "",
		driftStatus, true, created, &completed, int64(3),
	)

	mock.ExpectQuery("SELECT id, query, symbols, status, executions, progress").
		WithArgs("an-1").
		WillReturnRows(rows)

	rec, err := store.GetRecord(context.Background(), "an-1")
	require.NoError(t, err)

	assert.Equal(t, "an-1", rec.ID)
	assert.Equal(t, analysis.StatusCompleted, rec.Status)
	assert.Equal(t, []string{"AAPL"}, rec.Symbols)
	require.Len(t, rec.Executions, 1)
	assert.Equal(t, "technical", rec.Executions[0].AgentID)
	assert.Equal(t, analysis.ExecutionCompleted, rec.Executions[0].Status)
	assert.Equal(t, 95, rec.Progress.Percentage)
	assert.JSONEq(t, `{"symbol":"AAPL","action":"BUY"}`, string(rec.FinalArtifact))
	assert.Equal(t, 0.08, rec.DriftStatus["AAPL"].PriceDrift)
	assert.True(t, rec.ContextDegraded)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, int64(3), rec.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetRecordNotFound tests the missing-row sentinel
func TestGetRecordNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, nil)

	mock.ExpectQuery("SELECT id, query, symbols, status, executions, progress").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestUpdateRecordBumpsVersion tests a successful optimistic update
func TestUpdateRecordBumpsVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, nil)
	rec := testRecord(t)
	rec.Version = 1
	require.NoError(t, rec.MarkRunning())

	mock.ExpectExec("UPDATE analyses SET").
		WithArgs(
			rec.ID, "running", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			"", pgxmock.AnyArg(), false, pgxmock.AnyArg(), int64(1),
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateRecord(context.Background(), rec))
	assert.Equal(t, int64(2), rec.Version)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestUpdateRecordVersionConflict tests losing the optimistic race
func TestUpdateRecordVersionConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, nil)
	rec := testRecord(t)
	rec.Version = 2

	mock.ExpectExec("UPDATE analyses SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.UpdateRecord(context.Background(), rec)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(2), rec.Version, "stale version must not advance")

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestListRecordsByStatus tests the filtered listing
func TestListRecordsByStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, nil)

	progress, err := json.Marshal(analysis.Progress{Phase: "queued"})
	require.NoError(t, err)

	rows := pgxmock.NewRows(recordColumns).
		AddRow("an-1", "analyze AAPL", []string{"AAPL"}, "pending",
			[]byte(`[]`), progress, []byte(nil), "", []byte(nil), false,
			time.Now().UTC(), (*time.Time)(nil), int64(1)).
		AddRow("an-2", "analyze MSFT", []string{"MSFT"}, "pending",
			[]byte(`[]`), progress, []byte(nil), "", []byte(nil), false,
			time.Now().UTC(), (*time.Time)(nil), int64(1))

	mock.ExpectQuery("SELECT id, query, symbols, status, executions, progress").
		WithArgs("pending", 20, 0).
		WillReturnRows(rows)

	records, err := store.ListRecords(context.Background(), analysis.StatusPending, 20, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "an-1", records[0].ID)
	assert.Equal(t, "an-2", records[1].ID)
	assert.Nil(t, records[0].FinalArtifact)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestListRecordsDefaultLimit tests the fallback page size
func TestListRecordsDefaultLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, nil)

	mock.ExpectQuery("SELECT id, query, symbols, status, executions, progress").
		WithArgs(50, 0).
		WillReturnRows(pgxmock.NewRows(recordColumns))

	records, err := store.ListRecords(context.Background(), "", 0, -5)
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestCountRecords tests counting with and without a status filter
func TestCountRecords(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, nil)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(12)))

	total, err := store.CountRecords(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("failed").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))

	failed, err := store.CountRecords(context.Background(), analysis.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(2), failed)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestListRecentCompleted tests the drift monitor's active-window query
func TestListRecentCompleted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, nil)

	progress, err := json.Marshal(analysis.Progress{Percentage: 100, Phase: "done"})
	require.NoError(t, err)

	since := time.Now().UTC().Add(-24 * time.Hour)
	completed := time.Now().UTC().Add(-time.Hour)

	rows := pgxmock.NewRows(recordColumns).AddRow(
		"an-9", "analyze NVDA", []string{"NVDA"}, "completed",
		[]byte(`[]`), progress, []byte(`{"symbol":"NVDA"}`), "",
		[]byte(nil), false, completed.Add(-time.Minute), &completed, int64(4),
	)

	mock.ExpectQuery("SELECT id, query, symbols, status, executions, progress").
		WithArgs(since).
		WillReturnRows(rows)

	records, err := store.ListRecentCompleted(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "an-9", records[0].ID)
	assert.Equal(t, analysis.StatusCompleted, records[0].Status)

	require.NoError(t, mock.ExpectationsWereMet())
}
