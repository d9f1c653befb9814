package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

func newArtifactCacheFixture(t *testing.T) (*ArtifactCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewArtifactCache(client, time.Minute), mr
}

// TestArtifactCacheRoundTrip tests write-then-read through Redis
func TestArtifactCacheRoundTrip(t *testing.T) {
	cache, mr := newArtifactCacheFixture(t)

	cache.Put("an-1", &synthesis.FinalArtifact{
		Symbol:     "AAPL",
		Action:     "BUY",
		Confidence: 0.72,
	})

	// Cache writes are async; wait for the key to land.
	require.Eventually(t, func() bool {
		return mr.Exists("analysis:artifact:an-1")
	}, time.Second, 10*time.Millisecond)

	artifact, ok := cache.Get(context.Background(), "an-1")
	require.True(t, ok)
	assert.Equal(t, "AAPL", artifact.Symbol)
	assert.Equal(t, "BUY", artifact.Action)
}

// TestArtifactCacheMiss tests reading a key that was never written
func TestArtifactCacheMiss(t *testing.T) {
	cache, _ := newArtifactCacheFixture(t)

	artifact, ok := cache.Get(context.Background(), "unknown")
	assert.False(t, ok)
	assert.Nil(t, artifact)
}

// TestArtifactCacheExpiry tests that entries honor the TTL
func TestArtifactCacheExpiry(t *testing.T) {
	cache, mr := newArtifactCacheFixture(t)

	cache.Put("an-2", &synthesis.FinalArtifact{Symbol: "MSFT", Action: "HOLD"})
	require.Eventually(t, func() bool {
		return mr.Exists("analysis:artifact:an-2")
	}, time.Second, 10*time.Millisecond)

	mr.FastForward(2 * time.Minute)

	_, ok := cache.Get(context.Background(), "an-2")
	assert.False(t, ok)
}

// TestGetArtifactServedFromCache tests that a primed cache bypasses
// the database entirely
func TestGetArtifactServedFromCache(t *testing.T) {
	cache, mr := newArtifactCacheFixture(t)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := New(mock, cache)

	cache.Put("an-3", &synthesis.FinalArtifact{Symbol: "NVDA", Action: "BUY", Confidence: 0.8})
	require.Eventually(t, func() bool {
		return mr.Exists("analysis:artifact:an-3")
	}, time.Second, 10*time.Millisecond)

	// No query expectations registered: a database hit would fail.
	artifact, err := store.GetArtifact(context.Background(), "an-3")
	require.NoError(t, err)
	assert.Equal(t, "NVDA", artifact.Symbol)

	require.NoError(t, mock.ExpectationsWereMet())
}
