package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

// SaveArtifact upserts the denormalized final artifact for an
// analysis. The full artifact lives in one JSONB column; symbol,
// action, and confidence are lifted out for querying.
func (s *Store) SaveArtifact(ctx context.Context, analysisID string, artifact *synthesis.FinalArtifact) error {
	defer observe("save_artifact", time.Now())

	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact for analysis %s: %w", analysisID, err)
	}

	createdAt := artifact.GeneratedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO analysis_results (
			analysis_id, symbol, action, confidence, artifact, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (analysis_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			action = EXCLUDED.action,
			confidence = EXCLUDED.confidence,
			artifact = EXCLUDED.artifact,
			created_at = EXCLUDED.created_at
	`

	_, err = s.pool.Exec(
		ctx,
		query,
		analysisID,
		artifact.Symbol,
		artifact.Action,
		artifact.Confidence,
		payload,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save artifact for analysis %s: %w", analysisID, err)
	}

	s.cache.Put(analysisID, artifact)
	return nil
}

// GetArtifact loads the final artifact for an analysis, consulting the
// cache first.
func (s *Store) GetArtifact(ctx context.Context, analysisID string) (*synthesis.FinalArtifact, error) {
	defer observe("get_artifact", time.Now())

	if artifact, ok := s.cache.Get(ctx, analysisID); ok {
		return artifact, nil
	}

	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT artifact FROM analysis_results WHERE analysis_id = $1`,
		analysisID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("artifact for analysis %s: %w", analysisID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load artifact for analysis %s: %w", analysisID, err)
	}

	var artifact synthesis.FinalArtifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return nil, fmt.Errorf("corrupt artifact for analysis %s: %w", analysisID, err)
	}

	s.cache.Put(analysisID, &artifact)
	return &artifact, nil
}
