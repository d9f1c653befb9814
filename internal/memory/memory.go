// Package memory provides semantic recall over completed analyses.
// Each completed analysis is summarized, embedded, and indexed; later
// queries are embedded the same way and matched by cosine distance so
// the API can answer "what did the engine conclude about situations
// like this" without replaying full records.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/llm"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
	"github.com/stockcouncil/stockcouncil/internal/store"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

// EmbeddingDim is the vector width of the embedding model
const EmbeddingDim = 1536

// ErrDisabled is returned when no embedder is configured
var ErrDisabled = errors.New("semantic memory disabled")

// Entry is one recalled analysis. Similarity is 1 minus the cosine
// distance, so 1.0 is an exact match.
type Entry struct {
	AnalysisID string    `json:"analysis_id"`
	Symbol     string    `json:"symbol"`
	Summary    string    `json:"summary"`
	Similarity float64   `json:"similarity"`
	CreatedAt  time.Time `json:"created_at"`
}

// AnalysisMemory indexes completed analyses for similarity search
type AnalysisMemory struct {
	pool     store.Querier
	embedder llm.Embedder
}

// New creates an analysis memory. A nil embedder disables indexing and
// search; Remember becomes a no-op and Search returns ErrDisabled.
func New(pool store.Querier, embedder llm.Embedder) *AnalysisMemory {
	return &AnalysisMemory{pool: pool, embedder: embedder}
}

// Enabled reports whether an embedder is configured
func (m *AnalysisMemory) Enabled() bool {
	return m.embedder != nil
}

// Remember indexes a completed analysis. The summary line carries the
// verdict, the original query, and the rationale so a search hit is
// readable on its own.
func (m *AnalysisMemory) Remember(ctx context.Context, rec *analysis.Record, artifact *synthesis.FinalArtifact) error {
	if m.embedder == nil {
		log.Debug().Str("analysis_id", rec.ID).Msg("Semantic memory disabled, skipping index")
		return nil
	}
	if rec.Status != analysis.StatusCompleted {
		return fmt.Errorf("analysis %s is %s, only completed analyses are indexed", rec.ID, rec.Status)
	}

	defer observeMemory("remember_analysis", time.Now())

	summary := summarize(rec, artifact)

	vectors, err := m.embedder.Embed(ctx, []string{summary})
	if err != nil {
		return fmt.Errorf("failed to embed analysis %s: %w", rec.ID, err)
	}
	if len(vectors) != 1 || len(vectors[0]) != EmbeddingDim {
		return fmt.Errorf("embedding for analysis %s must be %d dimensions", rec.ID, EmbeddingDim)
	}

	query := `
		INSERT INTO analysis_embeddings (
			analysis_id, symbol, summary, embedding, created_at
		) VALUES (
			$1, $2, $3, $4, $5
		)
		ON CONFLICT (analysis_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			summary = EXCLUDED.summary,
			embedding = EXCLUDED.embedding
	`

	_, err = m.pool.Exec(
		ctx,
		query,
		rec.ID,
		artifact.Symbol,
		summary,
		pgvector.NewVector(vectors[0]),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to index analysis %s: %w", rec.ID, err)
	}

	log.Debug().
		Str("analysis_id", rec.ID).
		Str("symbol", artifact.Symbol).
		Msg("Indexed analysis in semantic memory")
	return nil
}

// Search returns the indexed analyses closest to the query text,
// most similar first. symbol narrows the search when non-empty;
// limit <= 0 falls back to 5.
func (m *AnalysisMemory) Search(ctx context.Context, query, symbol string, limit int) ([]Entry, error) {
	if m.embedder == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 5
	}

	defer observeMemory("semantic_search", time.Now())

	vectors, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != EmbeddingDim {
		return nil, fmt.Errorf("query embedding must be %d dimensions", EmbeddingDim)
	}
	vec := pgvector.NewVector(vectors[0])

	var (
		rows pgx.Rows
		qerr error
	)
	if symbol == "" {
		sql := `
			SELECT analysis_id, symbol, summary, created_at,
			       embedding <=> $1 AS distance
			FROM analysis_embeddings
			ORDER BY embedding <=> $1
			LIMIT $2
		`
		rows, qerr = m.pool.Query(ctx, sql, vec, limit)
	} else {
		sql := `
			SELECT analysis_id, symbol, summary, created_at,
			       embedding <=> $1 AS distance
			FROM analysis_embeddings
			WHERE symbol = $2
			ORDER BY embedding <=> $1
			LIMIT $3
		`
		rows, qerr = m.pool.Query(ctx, sql, vec, symbol, limit)
	}
	if qerr != nil {
		return nil, fmt.Errorf("failed to search semantic memory: %w", qerr)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry    Entry
			distance float64
		)
		err := rows.Scan(
			&entry.AnalysisID,
			&entry.Symbol,
			&entry.Summary,
			&entry.CreatedAt,
			&distance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		entry.Similarity = 1 - distance
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memory entries: %w", err)
	}

	log.Debug().
		Int("count", len(entries)).
		Str("symbol", symbol).
		Msg("Semantic memory search complete")
	return entries, nil
}

// Forget removes an analysis from the index
func (m *AnalysisMemory) Forget(ctx context.Context, analysisID string) error {
	defer observeMemory("forget_analysis", time.Now())

	_, err := m.pool.Exec(ctx,
		`DELETE FROM analysis_embeddings WHERE analysis_id = $1`,
		analysisID,
	)
	if err != nil {
		return fmt.Errorf("failed to forget analysis %s: %w", analysisID, err)
	}
	return nil
}

// summarize builds the indexed text for one completed analysis
func summarize(rec *analysis.Record, artifact *synthesis.FinalArtifact) string {
	return fmt.Sprintf("%s %s (confidence %.2f). Query: %s. %s",
		artifact.Action, artifact.Symbol, artifact.Confidence, rec.Query, artifact.Rationale)
}

func observeMemory(op string, start time.Time) {
	metrics.RecordStoreQuery(op, float64(time.Since(start).Milliseconds()))
}
