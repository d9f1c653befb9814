package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/metrics"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

const (
	artifactCacheReadTimeout  = 500 * time.Millisecond
	artifactCacheWriteTimeout = 2 * time.Second

	defaultArtifactTTL = time.Hour
)

// ArtifactCache is a Redis read-through cache for final artifacts.
// Artifacts are immutable once written, so a stale entry can only be
// a missing one. A nil cache or nil client disables caching.
type ArtifactCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewArtifactCache creates a cache over the Redis client. ttl <= 0
// falls back to the default.
func NewArtifactCache(client *redis.Client, ttl time.Duration) *ArtifactCache {
	if ttl <= 0 {
		ttl = defaultArtifactTTL
	}
	return &ArtifactCache{client: client, ttl: ttl}
}

// Get returns the cached artifact for an analysis, if present
func (c *ArtifactCache) Get(ctx context.Context, analysisID string) (*synthesis.FinalArtifact, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, artifactCacheReadTimeout)
	defer cancel()

	data, err := c.client.Get(cacheCtx, artifactKey(analysisID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("analysis_id", analysisID).Msg("Artifact cache read failed")
		}
		return nil, false
	}
	metrics.RecordRedisOperation("artifact_cache_hit")

	var artifact synthesis.FinalArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		log.Warn().Err(err).Str("analysis_id", analysisID).Msg("Artifact cache entry corrupted")
		return nil, false
	}
	return &artifact, true
}

// Put stores the artifact asynchronously so a slow Redis never delays
// persistence.
func (c *ArtifactCache) Put(analysisID string, artifact *synthesis.FinalArtifact) {
	if c == nil || c.client == nil || artifact == nil {
		return
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		log.Warn().Err(err).Str("analysis_id", analysisID).Msg("Failed to marshal artifact cache entry")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), artifactCacheWriteTimeout)
		defer cancel()

		if err := c.client.Set(ctx, artifactKey(analysisID), data, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("analysis_id", analysisID).Msg("Artifact cache write failed")
			return
		}
		metrics.RecordRedisOperation("artifact_cache_set")
	}()
}

func artifactKey(analysisID string) string {
	return "analysis:artifact:" + analysisID
}
