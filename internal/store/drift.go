package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
)

// AppendDriftSnapshot records one drift sampling. Snapshots are
// append-only; (analysis_id, symbol, sampled_at) identifies a row.
func (s *Store) AppendDriftSnapshot(ctx context.Context, analysisID string, snap analysis.DriftSnapshot) error {
	defer observe("append_drift_snapshot", time.Now())

	query := `
		INSERT INTO drift_history (
			analysis_id, symbol, price_drift, volume_drift,
			volatility_drift, sentiment_drift, composite_score,
			severity, sampled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	_, err := s.pool.Exec(
		ctx,
		query,
		analysisID,
		snap.Symbol,
		snap.PriceDrift,
		snap.VolumeDrift,
		snap.VolatilityDrift,
		snap.SentimentDrift,
		snap.CompositeScore,
		string(snap.Severity),
		snap.SampledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append drift snapshot for analysis %s: %w", analysisID, err)
	}
	return nil
}

// UpdateDriftStatus replaces the drift_status column of an analysis.
// This touches only the drift column so it never races the
// orchestrator's versioned updates; the row lock serializes
// concurrent monitors.
func (s *Store) UpdateDriftStatus(ctx context.Context, analysisID string, status map[string]analysis.DriftSnapshot) error {
	defer observe("update_drift_status", time.Now())

	var payload []byte
	if status != nil {
		var err error
		payload, err = json.Marshal(status)
		if err != nil {
			return fmt.Errorf("failed to marshal drift status for analysis %s: %w", analysisID, err)
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET drift_status = $2 WHERE id = $1`,
		analysisID, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to update drift status for analysis %s: %w", analysisID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("analysis %s: %w", analysisID, ErrNotFound)
	}
	return nil
}

// ListDriftHistory returns drift snapshots for an analysis sampled at
// or after since, oldest first. A zero since returns everything.
func (s *Store) ListDriftHistory(ctx context.Context, analysisID string, since time.Time) ([]analysis.DriftSnapshot, error) {
	defer observe("list_drift_history", time.Now())

	query := `
		SELECT symbol, price_drift, volume_drift, volatility_drift,
		       sentiment_drift, composite_score, severity, sampled_at
		FROM drift_history
		WHERE analysis_id = $1 AND sampled_at >= $2
		ORDER BY sampled_at ASC
	`

	rows, err := s.pool.Query(ctx, query, analysisID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift history for analysis %s: %w", analysisID, err)
	}
	defer rows.Close()

	var snapshots []analysis.DriftSnapshot
	for rows.Next() {
		var (
			snap     analysis.DriftSnapshot
			severity string
		)
		err := rows.Scan(
			&snap.Symbol,
			&snap.PriceDrift,
			&snap.VolumeDrift,
			&snap.VolatilityDrift,
			&snap.SentimentDrift,
			&snap.CompositeScore,
			&severity,
			&snap.SampledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drift snapshot: %w", err)
		}
		snap.Severity = analysis.Severity(severity)
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate drift snapshots: %w", err)
	}
	return snapshots, nil
}

// AppendDriftAlert records a raised drift alert. Alerts are
// append-only and retained with the analysis.
func (s *Store) AppendDriftAlert(ctx context.Context, alert *analysis.DriftAlert) error {
	defer observe("append_drift_alert", time.Now())

	snapshot, err := json.Marshal(alert.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for alert %s: %w", alert.AlertID, err)
	}

	query := `
		INSERT INTO drift_alerts (
			alert_id, analysis_id, symbol, kind, severity,
			message, snapshot, triggered_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err = s.pool.Exec(
		ctx,
		query,
		alert.AlertID,
		alert.AnalysisID,
		alert.Symbol,
		string(alert.Kind),
		string(alert.Severity),
		alert.Message,
		snapshot,
		alert.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append drift alert %s: %w", alert.AlertID, err)
	}
	return nil
}

// ListDriftAlerts returns alerts for an analysis, newest first.
// limit <= 0 falls back to 50.
func (s *Store) ListDriftAlerts(ctx context.Context, analysisID string, limit int) ([]analysis.DriftAlert, error) {
	defer observe("list_drift_alerts", time.Now())

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT alert_id, analysis_id, symbol, kind, severity,
		       message, snapshot, triggered_at
		FROM drift_alerts
		WHERE analysis_id = $1
		ORDER BY triggered_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, analysisID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift alerts for analysis %s: %w", analysisID, err)
	}
	defer rows.Close()

	var alerts []analysis.DriftAlert
	for rows.Next() {
		var (
			alert    analysis.DriftAlert
			kind     string
			severity string
			snapshot []byte
		)
		err := rows.Scan(
			&alert.AlertID,
			&alert.AnalysisID,
			&alert.Symbol,
			&kind,
			&severity,
			&alert.Message,
			&snapshot,
			&alert.TriggeredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drift alert: %w", err)
		}
		alert.Kind = analysis.DriftKind(kind)
		alert.Severity = analysis.Severity(severity)
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &alert.Snapshot); err != nil {
				return nil, fmt.Errorf("corrupt snapshot for alert %s: %w", alert.AlertID, err)
			}
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate drift alerts: %w", err)
	}
	return alerts, nil
}

// PruneDriftHistory deletes drift snapshots sampled before the cutoff
// and returns how many rows were removed. Alerts and analyses are
// never pruned.
func (s *Store) PruneDriftHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	defer observe("prune_drift_history", time.Now())

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM drift_history WHERE sampled_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune drift history: %w", err)
	}
	return tag.RowsAffected(), nil
}
