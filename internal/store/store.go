// Package store persists analysis records, final artifacts, drift
// history, drift alerts, and the audit trail in PostgreSQL. Record
// updates use optimistic concurrency so concurrent writers for the
// same analysis are serialized; everything else is append-only or a
// single-column update.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an optimistic update lost the
	// race. Analyses are never deleted, so zero rows updated always
	// means a concurrent writer advanced the version first; callers
	// should re-read and reapply.
	ErrVersionConflict = errors.New("version conflict")
)

// Querier is the subset of pool operations the repositories need.
// Satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store is the persistence layer for the analysis engine
type Store struct {
	pool  Querier
	owned *pgxpool.Pool
	cache *ArtifactCache
}

// New creates a Store over an existing pool. The caller keeps
// ownership of the pool. cache may be nil to disable artifact caching.
func New(pool Querier, cache *ArtifactCache) *Store {
	return &Store{pool: pool, cache: cache}
}

// Open connects to PostgreSQL and returns a Store that owns the
// connection pool. cache may be nil to disable artifact caching.
func Open(ctx context.Context, cfg config.DatabaseConfig, cache *ArtifactCache) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.PoolSize)
	if poolCfg.MaxConns <= 0 {
		poolCfg.MaxConns = 10
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("Store connection pool created")

	return &Store{pool: pool, owned: pool, cache: cache}, nil
}

// Close releases the connection pool if the Store owns one
func (s *Store) Close() {
	if s.owned != nil {
		s.owned.Close()
		log.Info().Msg("Store connection pool closed")
	}
}

// Health checks database connectivity
func (s *Store) Health(ctx context.Context) error {
	if s.owned == nil {
		return nil
	}
	if err := s.owned.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	stat := s.owned.Stat()
	metrics.UpdateDatabaseConnections(stat.AcquiredConns(), stat.IdleConns())
	return nil
}

// Pool returns the underlying querier
func (s *Store) Pool() Querier {
	return s.pool
}

// observe records query latency under the operation label
func observe(op string, start time.Time) {
	metrics.RecordStoreQuery(op, float64(time.Since(start).Milliseconds()))
}
