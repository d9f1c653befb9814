package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
)

const (
	defaultBaseURL   = "http://localhost:9020"
	defaultTimeout   = 10 * time.Second
	defaultRPS       = 5
	maxErrorBodySize = 200
)

// ProviderClient fetches market data from the provider's REST API.
// All calls pass through a client-side rate limiter and, when one is
// configured, a circuit breaker shared with the rest of the engine.
type ProviderClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

var _ Fetcher = (*ProviderClient)(nil)

// ProviderOption customizes a ProviderClient
type ProviderOption func(*ProviderClient)

// WithBreaker routes every provider call through the given circuit breaker
func WithBreaker(cb *gobreaker.CircuitBreaker) ProviderOption {
	return func(c *ProviderClient) {
		c.breaker = cb
	}
}

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(hc *http.Client) ProviderOption {
	return func(c *ProviderClient) {
		c.httpClient = hc
	}
}

// NewProviderClient creates a provider client from configuration
func NewProviderClient(cfg config.ProviderConfig, opts ...ProviderOption) *ProviderClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := cfg.ProviderTimeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}

	c := &ProviderClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
	}

	for _, opt := range opts {
		opt(c)
	}

	log.Info().
		Str("base_url", baseURL).
		Int("requests_per_second", rps).
		Bool("breaker", c.breaker != nil).
		Msg("Market data provider client initialized")

	return c
}

// GetQuote returns the latest quote for a symbol
func (c *ProviderClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	params := url.Values{"symbol": {symbol}}

	var quote Quote
	if err := c.doGet(ctx, "quote", params, &quote); err != nil {
		return nil, err
	}
	if quote.Timestamp.IsZero() {
		quote.Timestamp = time.Now().UTC()
	}
	return &quote, nil
}

type historyResponse struct {
	Symbol   string   `json:"symbol"`
	Interval string   `json:"interval"`
	Candles  []Candle `json:"candles"`
}

// GetHistory returns historical candles covering the last `days` days at
// the given interval ("1d", "1h", ...). Candles come back oldest first.
func (c *ProviderClient) GetHistory(ctx context.Context, symbol string, days int, interval string) ([]Candle, error) {
	if days <= 0 {
		days = 90
	}
	if interval == "" {
		interval = "1d"
	}

	params := url.Values{
		"symbol":   {symbol},
		"days":     {strconv.Itoa(days)},
		"interval": {interval},
	}

	var resp historyResponse
	if err := c.doGet(ctx, "history", params, &resp); err != nil {
		return nil, err
	}
	return resp.Candles, nil
}

// GetFundamentals returns the fundamental profile for a symbol
func (c *ProviderClient) GetFundamentals(ctx context.Context, symbol string) (*Fundamentals, error) {
	params := url.Values{"symbol": {symbol}}

	var f Fundamentals
	if err := c.doGet(ctx, "fundamentals", params, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// GetSentiment returns the aggregated news sentiment for a symbol
func (c *ProviderClient) GetSentiment(ctx context.Context, symbol string) (*SentimentSummary, error) {
	params := url.Values{"symbol": {symbol}}

	var s SentimentSummary
	if err := c.doGet(ctx, "sentiment", params, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetPeers returns sector peers with comparable metrics
func (c *ProviderClient) GetPeers(ctx context.Context, symbol string) (*PeerGroup, error) {
	params := url.Values{"symbol": {symbol}}

	var g PeerGroup
	if err := c.doGet(ctx, "peers", params, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

type insiderResponse struct {
	Symbol       string               `json:"symbol"`
	Transactions []InsiderTransaction `json:"transactions"`
}

// GetInsiderActivity returns recent insider transactions for a symbol
func (c *ProviderClient) GetInsiderActivity(ctx context.Context, symbol string) ([]InsiderTransaction, error) {
	params := url.Values{"symbol": {symbol}}

	var resp insiderResponse
	if err := c.doGet(ctx, "insiders", params, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

type newsResponse struct {
	Symbol string     `json:"symbol"`
	Items  []NewsItem `json:"items"`
}

// GetNews returns recent headlines for a symbol, newest first
func (c *ProviderClient) GetNews(ctx context.Context, symbol string, limit int) ([]NewsItem, error) {
	if limit <= 0 {
		limit = 10
	}

	params := url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(limit)},
	}

	var resp newsResponse
	if err := c.doGet(ctx, "news", params, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Health checks whether the provider API is reachable
func (c *ProviderClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// doGet runs a rate-limited, breaker-guarded GET against /v1/<endpoint>
// and decodes the JSON response into target.
func (c *ProviderClient) doGet(ctx context.Context, endpoint string, params url.Values, target interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ProviderError{Endpoint: endpoint, Kind: ErrorTransient, Message: "rate limiter wait aborted", Err: err}
	}

	start := time.Now()
	var err error
	if c.breaker != nil {
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, c.get(ctx, endpoint, params, target)
		})
	} else {
		err = c.get(ctx, endpoint, params, target)
	}
	metrics.RecordProviderCall(endpoint, float64(time.Since(start).Milliseconds()), err)

	if err != nil {
		log.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Str("kind", string(Classify(err))).
			Msg("Provider call failed")
	}
	return err
}

func (c *ProviderClient) get(ctx context.Context, endpoint string, params url.Values, target interface{}) error {
	u := fmt.Sprintf("%s/v1/%s", c.baseURL, endpoint)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Endpoint: endpoint, Kind: ErrorTransient, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProviderError{Endpoint: endpoint, Kind: ErrorTransient, Message: "failed to read response body", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Kind:       classifyStatus(resp.StatusCode),
			Message:    truncate(string(body), maxErrorBodySize),
		}
	}

	if err := json.Unmarshal(body, target); err != nil {
		return &ProviderError{
			Endpoint: endpoint,
			Kind:     ErrorPermanent,
			Message:  fmt.Sprintf("malformed response: %v", err),
			Err:      err,
		}
	}

	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
