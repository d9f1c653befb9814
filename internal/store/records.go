package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
)

// CreateRecord inserts a new analysis record at version 1
func (s *Store) CreateRecord(ctx context.Context, rec *analysis.Record) error {
	defer observe("create_record", time.Now())

	executions, progress, driftStatus, err := marshalRecordFields(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO analyses (
			id, query, symbols, status, executions, progress,
			final_artifact, error_message, drift_status, context_degraded,
			created_at, completed_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, 1
		)
	`

	_, err = s.pool.Exec(
		ctx,
		query,
		rec.ID,
		rec.Query,
		rec.Symbols,
		string(rec.Status),
		executions,
		progress,
		[]byte(rec.FinalArtifact),
		rec.ErrorMessage,
		driftStatus,
		rec.ContextDegraded,
		rec.CreatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert analysis %s: %w", rec.ID, err)
	}

	rec.Version = 1
	return nil
}

// GetRecord loads one analysis record by id
func (s *Store) GetRecord(ctx context.Context, id string) (*analysis.Record, error) {
	defer observe("get_record", time.Now())

	query := `
		SELECT id, query, symbols, status, executions, progress,
		       final_artifact, error_message, drift_status, context_degraded,
		       created_at, completed_at, version
		FROM analyses
		WHERE id = $1
	`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load analysis %s: %w", id, err)
	}
	return rec, nil
}

// UpdateRecord persists the record with an optimistic version check.
// On success the in-memory version is advanced to match the row; on
// ErrVersionConflict the caller holds a stale record and must re-read.
func (s *Store) UpdateRecord(ctx context.Context, rec *analysis.Record) error {
	defer observe("update_record", time.Now())

	executions, progress, driftStatus, err := marshalRecordFields(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE analyses SET
			status = $2,
			executions = $3,
			progress = $4,
			final_artifact = $5,
			error_message = $6,
			drift_status = $7,
			context_degraded = $8,
			completed_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $10
	`

	tag, err := s.pool.Exec(
		ctx,
		query,
		rec.ID,
		string(rec.Status),
		executions,
		progress,
		[]byte(rec.FinalArtifact),
		rec.ErrorMessage,
		driftStatus,
		rec.ContextDegraded,
		rec.CompletedAt,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update analysis %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("analysis %s at version %d: %w", rec.ID, rec.Version, ErrVersionConflict)
	}

	rec.Version++
	return nil
}

// ListRecords returns records ordered newest first, optionally
// filtered by status. limit <= 0 falls back to 50.
func (s *Store) ListRecords(ctx context.Context, status analysis.Status, limit, offset int) ([]*analysis.Record, error) {
	defer observe("list_records", time.Now())

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		query := `
			SELECT id, query, symbols, status, executions, progress,
			       final_artifact, error_message, drift_status, context_degraded,
			       created_at, completed_at, version
			FROM analyses
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2
		`
		rows, err = s.pool.Query(ctx, query, limit, offset)
	} else {
		query := `
			SELECT id, query, symbols, status, executions, progress,
			       final_artifact, error_message, drift_status, context_degraded,
			       created_at, completed_at, version
			FROM analyses
			WHERE status = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3
		`
		rows, err = s.pool.Query(ctx, query, string(status), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// CountRecords returns the number of records, optionally filtered by
// status.
func (s *Store) CountRecords(ctx context.Context, status analysis.Status) (int64, error) {
	defer observe("count_records", time.Now())

	var (
		count int64
		err   error
	)
	if status == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM analyses`).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM analyses WHERE status = $1`, string(status)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count analyses: %w", err)
	}
	return count, nil
}

// ListRecentCompleted returns completed analyses whose completion time
// is at or after since, newest first. The drift monitor uses this to
// find its active window.
func (s *Store) ListRecentCompleted(ctx context.Context, since time.Time) ([]*analysis.Record, error) {
	defer observe("list_recent_completed", time.Now())

	query := `
		SELECT id, query, symbols, status, executions, progress,
		       final_artifact, error_message, drift_status, context_degraded,
		       created_at, completed_at, version
		FROM analyses
		WHERE status = 'completed' AND completed_at >= $1
		ORDER BY completed_at DESC
	`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed analyses: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// marshalRecordFields serializes the JSONB columns of a record. A nil
// executions slice is stored as an empty array; a nil drift status map
// is stored as NULL.
func marshalRecordFields(rec *analysis.Record) (executions, progress, driftStatus []byte, err error) {
	execs := rec.Executions
	if execs == nil {
		execs = []analysis.AgentExecution{}
	}
	executions, err = json.Marshal(execs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal executions for analysis %s: %w", rec.ID, err)
	}

	progress, err = json.Marshal(rec.Progress)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal progress for analysis %s: %w", rec.ID, err)
	}

	if rec.DriftStatus != nil {
		driftStatus, err = json.Marshal(rec.DriftStatus)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal drift status for analysis %s: %w", rec.ID, err)
		}
	}
	return executions, progress, driftStatus, nil
}

// scanRecord reads one analyses row
func scanRecord(row pgx.Row) (*analysis.Record, error) {
	var (
		rec         analysis.Record
		status      string
		executions  []byte
		progress    []byte
		artifact    []byte
		driftStatus []byte
	)

	err := row.Scan(
		&rec.ID,
		&rec.Query,
		&rec.Symbols,
		&status,
		&executions,
		&progress,
		&artifact,
		&rec.ErrorMessage,
		&driftStatus,
		&rec.ContextDegraded,
		&rec.CreatedAt,
		&rec.CompletedAt,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = analysis.Status(status)
	if err := json.Unmarshal(executions, &rec.Executions); err != nil {
		return nil, fmt.Errorf("corrupt executions for analysis %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(progress, &rec.Progress); err != nil {
		return nil, fmt.Errorf("corrupt progress for analysis %s: %w", rec.ID, err)
	}
	if len(artifact) > 0 {
		rec.FinalArtifact = json.RawMessage(artifact)
	}
	if len(driftStatus) > 0 {
		if err := json.Unmarshal(driftStatus, &rec.DriftStatus); err != nil {
			return nil, fmt.Errorf("corrupt drift status for analysis %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// collectRecords drains rows into records
func collectRecords(rows pgx.Rows) ([]*analysis.Record, error) {
	var records []*analysis.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analysis rows: %w", err)
	}
	return records, nil
}
