package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// AuditEvent is one archived progress event. The event_id carries the
// bus event identity so re-archiving after a reconnect is idempotent.
type AuditEvent struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	AnalysisID string    `json:"analysis_id"`
	Kind       string    `json:"kind"`
	Sequence   uint64    `json:"sequence"`
	Payload    []byte    `json:"payload,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendAuditEvent archives one progress event. Duplicate event ids
// are silently ignored; on insert the row id is written back.
func (s *Store) AppendAuditEvent(ctx context.Context, ev *AuditEvent) error {
	defer observe("append_audit_event", time.Now())

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (
			event_id, analysis_id, kind, sequence, payload, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id
	`

	err := s.pool.QueryRow(
		ctx,
		query,
		ev.EventID,
		ev.AnalysisID,
		ev.Kind,
		ev.Sequence,
		ev.Payload,
		ev.CreatedAt,
	).Scan(&ev.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already archived
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to append audit event %s: %w", ev.EventID, err)
	}
	return nil
}

// ListAuditEvents returns archived events for an analysis with a row
// id greater than afterID, oldest first. limit <= 0 falls back to 100.
func (s *Store) ListAuditEvents(ctx context.Context, analysisID string, afterID int64, limit int) ([]AuditEvent, error) {
	defer observe("list_audit_events", time.Now())

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, event_id, analysis_id, kind, sequence, payload, created_at
		FROM audit_events
		WHERE analysis_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := s.pool.Query(ctx, query, analysisID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events for analysis %s: %w", analysisID, err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		err := rows.Scan(
			&ev.ID,
			&ev.EventID,
			&ev.AnalysisID,
			&ev.Kind,
			&ev.Sequence,
			&ev.Payload,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}
