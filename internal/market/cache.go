package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/metrics"
)

const (
	cacheReadTimeout  = 500 * time.Millisecond
	cacheWriteTimeout = 2 * time.Second

	defaultQuoteTTL = 60 * time.Second
	historyTTL      = 5 * time.Minute
	sentimentTTL    = 5 * time.Minute
	newsTTL         = 5 * time.Minute
	fundamentalsTTL = 10 * time.Minute
	peersTTL        = 10 * time.Minute
	insiderTTL      = 10 * time.Minute
)

// CachedFetcher wraps a Fetcher with Redis read-through caching. Quotes
// use a short configurable TTL; slower-moving data (fundamentals, peers,
// insider filings) is held longer. A nil Redis client disables caching
// and every call goes straight to the underlying fetcher.
type CachedFetcher struct {
	fetcher  Fetcher
	client   *redis.Client
	quoteTTL time.Duration
}

var _ Fetcher = (*CachedFetcher)(nil)

// NewCachedFetcher wraps fetcher with Redis caching. quoteTTL <= 0
// falls back to the default.
func NewCachedFetcher(fetcher Fetcher, client *redis.Client, quoteTTL time.Duration) *CachedFetcher {
	if quoteTTL <= 0 {
		quoteTTL = defaultQuoteTTL
	}
	return &CachedFetcher{
		fetcher:  fetcher,
		client:   client,
		quoteTTL: quoteTTL,
	}
}

// GetQuote returns the cached quote or fetches a fresh one
func (c *CachedFetcher) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	key := cacheKey("quote", symbol)

	var cached Quote
	if c.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	quote, err := c.fetcher.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.cacheSet(key, quote, c.quoteTTL)
	return quote, nil
}

// GetHistory returns cached candles or fetches fresh ones
func (c *CachedFetcher) GetHistory(ctx context.Context, symbol string, days int, interval string) ([]Candle, error) {
	key := cacheKey("history", fmt.Sprintf("%s:%d:%s", symbol, days, interval))

	var cached []Candle
	if c.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	candles, err := c.fetcher.GetHistory(ctx, symbol, days, interval)
	if err != nil {
		return nil, err
	}
	c.cacheSet(key, candles, historyTTL)
	return candles, nil
}

// GetFundamentals returns the cached fundamental profile or fetches it
func (c *CachedFetcher) GetFundamentals(ctx context.Context, symbol string) (*Fundamentals, error) {
	key := cacheKey("fundamentals", symbol)

	var cached Fundamentals
	if c.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	f, err := c.fetcher.GetFundamentals(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.cacheSet(key, f, fundamentalsTTL)
	return f, nil
}

// GetSentiment returns the cached sentiment summary or fetches it
func (c *CachedFetcher) GetSentiment(ctx context.Context, symbol string) (*SentimentSummary, error) {
	key := cacheKey("sentiment", symbol)

	var cached SentimentSummary
	if c.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	s, err := c.fetcher.GetSentiment(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.cacheSet(key, s, sentimentTTL)
	return s, nil
}

// GetPeers returns the cached peer group or fetches it
func (c *CachedFetcher) GetPeers(ctx context.Context, symbol string) (*PeerGroup, error) {
	key := cacheKey("peers", symbol)

	var cached PeerGroup
	if c.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	g, err := c.fetcher.GetPeers(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.cacheSet(key, g, peersTTL)
	return g, nil
}

// GetInsiderActivity returns cached insider transactions or fetches them
func (c *CachedFetcher) GetInsiderActivity(ctx context.Context, symbol string) ([]InsiderTransaction, error) {
	key := cacheKey("insiders", symbol)

	var cached []InsiderTransaction
	if c.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	txs, err := c.fetcher.GetInsiderActivity(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.cacheSet(key, txs, insiderTTL)
	return txs, nil
}

// GetNews returns cached headlines or fetches fresh ones
func (c *CachedFetcher) GetNews(ctx context.Context, symbol string, limit int) ([]NewsItem, error) {
	key := cacheKey("news", fmt.Sprintf("%s:%d", symbol, limit))

	var cached []NewsItem
	if c.cacheGet(ctx, key, &cached) {
		return cached, nil
	}

	items, err := c.fetcher.GetNews(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	c.cacheSet(key, items, newsTTL)
	return items, nil
}

// cacheGet loads key into target. Returns false on miss, nil client,
// or any Redis/decode problem so the caller falls through to the fetcher.
func (c *CachedFetcher) cacheGet(ctx context.Context, key string, target interface{}) bool {
	if c.client == nil {
		return false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, cacheReadTimeout)
	defer cancel()

	data, err := c.client.Get(cacheCtx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("Market cache read failed")
		}
		return false
	}
	metrics.RecordRedisOperation("market_cache_hit")

	if err := json.Unmarshal(data, target); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Market cache entry corrupted")
		return false
	}
	return true
}

// cacheSet stores value under key asynchronously so a slow Redis never
// delays the data path.
func (c *CachedFetcher) cacheSet(key string, value interface{}, ttl time.Duration) {
	if c.client == nil {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to marshal market cache entry")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()

		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Market cache write failed")
			return
		}
		metrics.RecordRedisOperation("market_cache_set")
	}()
}

func cacheKey(kind, suffix string) string {
	return fmt.Sprintf("market:%s:%s", kind, strings.ToUpper(suffix))
}
