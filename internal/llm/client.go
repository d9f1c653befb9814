package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
)

const (
	defaultEndpoint      = "http://localhost:8080/v1/chat/completions"
	defaultEmbedEndpoint = "http://localhost:8080/v1/embeddings"
	defaultModel         = "gpt-4o"
	defaultEmbedModel    = "text-embedding-3-small"
	defaultTemperature   = 0.3
	defaultMaxTokens     = 2000
	defaultTimeout       = 30 * time.Second

	maxAttempts      = 3
	defaultRetryBase = 1 * time.Second
	defaultRetryMax  = 10 * time.Second
	retryFactor      = 1.75
)

// APIError is a non-200 response from the LLM gateway. It carries the
// same classification the market package uses so callers share one
// retry predicate for all external calls.
type APIError struct {
	StatusCode int
	Message    string
	Kind       market.ErrorKind
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm gateway error (status %d, %s): %s", e.StatusCode, e.Kind, e.Message)
}

// Classification implements market.Classifier
func (e *APIError) Classification() market.ErrorKind {
	return e.Kind
}

func classifyStatus(statusCode int) market.ErrorKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return market.ErrorRateLimited
	case statusCode == http.StatusRequestTimeout:
		return market.ErrorTransient
	case statusCode >= 500:
		return market.ErrorTransient
	case statusCode >= 400:
		return market.ErrorPermanent
	default:
		return market.ErrorTransient
	}
}

// Client talks to an OpenAI-compatible chat completion gateway. One
// client serves every narrative agent; the gateway handles upstream
// provider routing.
type Client struct {
	endpoint      string
	embedEndpoint string
	apiKey        string
	model         string
	fallbackModel string
	embedModel    string
	temperature   float64
	maxTokens     int
	httpClient    *http.Client
	breaker       *gobreaker.CircuitBreaker

	// Backoff knobs, overridable in tests.
	retryBase time.Duration
	retryMax  time.Duration
}

// Option customizes a Client
type Option func(*Client)

// WithBreaker routes every gateway call through the given circuit breaker
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates an LLM client from configuration
func NewClient(cfg config.LLMConfig, opts ...Option) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	embedEndpoint := cfg.EmbedEndpoint
	if embedEndpoint == "" {
		embedEndpoint = defaultEmbedEndpoint
	}
	model := cfg.PrimaryModel
	if model == "" {
		model = defaultModel
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := time.Duration(cfg.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		endpoint:      endpoint,
		embedEndpoint: embedEndpoint,
		apiKey:        cfg.APIKey,
		model:         model,
		fallbackModel: cfg.FallbackModel,
		embedModel:    embedModel,
		temperature:   temperature,
		maxTokens:     maxTokens,
		httpClient:    &http.Client{Timeout: timeout},
		retryBase:     defaultRetryBase,
		retryMax:      defaultRetryMax,
	}

	for _, opt := range opts {
		opt(c)
	}

	log.Info().
		Str("endpoint", endpoint).
		Str("model", model).
		Str("fallback_model", cfg.FallbackModel).
		Bool("breaker", c.breaker != nil).
		Msg("LLM client initialized")

	return c
}

// Model returns the primary model name
func (c *Client) Model() string {
	return c.model
}

// Complete sends a chat completion request using the primary model
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	return c.complete(ctx, c.model, messages)
}

func (c *Client) complete(ctx context.Context, model string, messages []ChatMessage) (*ChatResponse, error) {
	start := time.Now()

	var resp *ChatResponse
	call := func() error {
		var err error
		resp, err = c.post(ctx, model, messages)
		return err
	}

	var err error
	if c.breaker != nil {
		_, err = c.breaker.Execute(func() (interface{}, error) {
			return nil, call()
		})
	} else {
		err = call()
	}

	durationMs := float64(time.Since(start).Milliseconds())
	metrics.RecordLLMRequest(model, durationMs, err)

	if err != nil {
		log.Warn().
			Err(err).
			Str("model", model).
			Str("kind", string(market.Classify(err))).
			Float64("duration_ms", durationMs).
			Msg("LLM request failed")
		return nil, err
	}

	log.Debug().
		Str("model", resp.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Float64("duration_ms", durationMs).
		Msg("LLM request completed")

	return resp, nil
}

func (c *Client) post(ctx context.Context, model string, messages []ChatMessage) (*ChatResponse, error) {
	request := ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Kind:       classifyStatus(resp.StatusCode),
		}
		var errResp ErrorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
			apiErr.Message = errResp.Error.Message
		} else {
			apiErr.Message = string(body)
		}
		return nil, apiErr
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		// A 200 with an undecodable body is a contract break, not a
		// blip, so it must not be retried.
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("malformed response body: %v", err),
			Kind:       market.ErrorPermanent,
		}
	}

	return &chatResp, nil
}

// CompleteWithSystem sends a request with a system message and user message
func (c *Client) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	resp, err := c.CompleteWithRetry(ctx, messages)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in LLM response")
	}

	return resp.Choices[0].Message.Content, nil
}

// CompleteWithRetry retries transient and rate-limited failures with
// exponential backoff, then tries the fallback model once if the
// primary is still failing. Permanent failures return immediately.
func (c *Client) CompleteWithRetry(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	resp, err := c.completeWithBackoff(ctx, c.model, messages)
	if err == nil {
		return resp, nil
	}

	if c.fallbackModel == "" || c.fallbackModel == c.model || !market.IsRetryable(err) {
		return nil, err
	}

	log.Warn().
		Err(err).
		Str("model", c.model).
		Str("fallback_model", c.fallbackModel).
		Msg("Primary model exhausted, trying fallback")

	resp, fallbackErr := c.complete(ctx, c.fallbackModel, messages)
	if fallbackErr != nil {
		return nil, fmt.Errorf("fallback model %s failed after primary %s: %w", c.fallbackModel, c.model, fallbackErr)
	}
	return resp, nil
}

func (c *Client) completeWithBackoff(ctx context.Context, model string, messages []ChatMessage) (*ChatResponse, error) {
	var lastErr error
	backoff := c.retryBase

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			log.Warn().
				Err(lastErr).
				Str("model", model).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying LLM request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * retryFactor)
			if backoff > c.retryMax {
				backoff = c.retryMax
			}
		}

		resp, err := c.complete(ctx, model, messages)
		if err == nil {
			return resp, nil
		}
		if !market.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("LLM request failed after %d attempts: %w", maxAttempts, lastErr)
}

// Embed returns one embedding vector per input text
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to embed")
	}

	request := EmbedRequest{
		Model: c.embedModel,
		Input: texts,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.embedEndpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	durationMs := float64(time.Since(start).Milliseconds())
	metrics.RecordLLMRequest(c.embedModel, durationMs, err)
	if err != nil {
		return nil, fmt.Errorf("failed to send embed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embed response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Kind:       classifyStatus(resp.StatusCode),
		}
	}

	var embedResp EmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("failed to parse embed response: %w", err)
	}

	vectors := make([][]float32, len(embedResp.Data))
	for _, d := range embedResp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embed response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// ParseJSONResponse parses a JSON response from the LLM
func (c *Client) ParseJSONResponse(content string, target interface{}) error {
	content = extractJSONFromMarkdown(content)

	if err := json.Unmarshal([]byte(content), target); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return nil
}

// extractJSONFromMarkdown extracts JSON from markdown code blocks
func extractJSONFromMarkdown(content string) string {
	start := -1
	end := -1

	contentBytes := []byte(content)
	if idx := bytes.Index(contentBytes, []byte("```json")); idx >= 0 {
		start = idx + 7
	} else if idx := bytes.Index(contentBytes, []byte("```")); idx >= 0 {
		start = idx + 3
	}

	if start >= 0 {
		if idx := bytes.Index(contentBytes[start:], []byte("```")); idx >= 0 {
			end = start + idx
			content = content[start:end]
		}
	}

	return string(bytes.TrimSpace([]byte(content)))
}
