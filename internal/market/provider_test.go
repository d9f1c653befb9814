package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/config"
)

// newProviderServer serves canned responses for every provider endpoint
// and records the last API key and query it saw.
func newProviderServer(t *testing.T) (*httptest.Server, *requestLog) {
	t.Helper()

	rl := &requestLog{}
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		rl.record(r)
		writeJSON(w, Quote{
			Symbol:        "AAPL",
			Price:         187.42,
			Open:          185.10,
			High:          188.00,
			Low:           184.75,
			PrevClose:     184.90,
			Volume:        54_321_000,
			AvgVolume:     58_000_000,
			ChangePercent: 1.36,
			Timestamp:     time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC),
		})
	})

	mux.HandleFunc("/v1/history", func(w http.ResponseWriter, r *http.Request) {
		rl.record(r)
		writeJSON(w, historyResponse{
			Symbol:   "AAPL",
			Interval: r.URL.Query().Get("interval"),
			Candles: []Candle{
				{Timestamp: time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), Open: 183, High: 186, Low: 182, Close: 185, Volume: 61_000_000},
				{Timestamp: time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC), Open: 185, High: 188, Low: 184, Close: 187, Volume: 54_000_000},
			},
		})
	})

	mux.HandleFunc("/v1/fundamentals", func(w http.ResponseWriter, r *http.Request) {
		rl.record(r)
		writeJSON(w, Fundamentals{
			Symbol:                 "AAPL",
			Name:                   "Apple Inc.",
			Sector:                 "Technology",
			MarketCap:              2.9e12,
			PERatio:                28.4,
			EPS:                    6.59,
			IntrinsicValuePerShare: 172.50,
		})
	})

	mux.HandleFunc("/v1/sentiment", func(w http.ResponseWriter, r *http.Request) {
		rl.record(r)
		writeJSON(w, SentimentSummary{Symbol: "AAPL", Score: 0.42, ArticleCount: 17})
	})

	mux.HandleFunc("/v1/peers", func(w http.ResponseWriter, r *http.Request) {
		rl.record(r)
		writeJSON(w, PeerGroup{
			Symbol: "AAPL",
			Sector: "Technology",
			Peers: []PeerMetric{
				{Symbol: "MSFT", Name: "Microsoft", PERatio: 32.1},
				{Symbol: "GOOG", Name: "Alphabet", PERatio: 24.8},
			},
		})
	})

	mux.HandleFunc("/v1/insiders", func(w http.ResponseWriter, r *http.Request) {
		rl.record(r)
		writeJSON(w, insiderResponse{
			Symbol: "AAPL",
			Transactions: []InsiderTransaction{
				{Symbol: "AAPL", Insider: "J. Doe", Role: "CFO", Type: "sell", Shares: 10000, Price: 186.2},
			},
		})
	})

	mux.HandleFunc("/v1/news", func(w http.ResponseWriter, r *http.Request) {
		rl.record(r)
		writeJSON(w, newsResponse{
			Symbol: "AAPL",
			Items: []NewsItem{
				{Symbol: "AAPL", Title: "Apple unveils new chip", Source: "newswire", Sentiment: 0.6},
			},
		})
	})

	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rl
}

type requestLog struct {
	apiKey    string
	lastQuery map[string]string
}

func (rl *requestLog) record(r *http.Request) {
	rl.apiKey = r.Header.Get("X-API-Key")
	rl.lastQuery = map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			rl.lastQuery[k] = vs[0]
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testProviderClient(baseURL string, opts ...ProviderOption) *ProviderClient {
	return NewProviderClient(config.ProviderConfig{
		BaseURL:           baseURL,
		APIKey:            "test-key",
		TimeoutMS:         2000,
		RequestsPerSecond: 100,
	}, opts...)
}

func TestGetQuote(t *testing.T) {
	srv, rl := newProviderServer(t)
	client := testProviderClient(srv.URL)

	quote, err := client.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", quote.Symbol)
	assert.InDelta(t, 187.42, quote.Price, 1e-9)
	assert.InDelta(t, 1.36, quote.ChangePercent, 1e-9)
	assert.Equal(t, "test-key", rl.apiKey)
	assert.Equal(t, "AAPL", rl.lastQuery["symbol"])
}

func TestGetHistoryDefaults(t *testing.T) {
	srv, rl := newProviderServer(t)
	client := testProviderClient(srv.URL)

	candles, err := client.GetHistory(context.Background(), "AAPL", 0, "")
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, "90", rl.lastQuery["days"])
	assert.Equal(t, "1d", rl.lastQuery["interval"])
	assert.InDelta(t, 187.0, candles[1].Close, 1e-9)
	assert.True(t, candles[0].Timestamp.Before(candles[1].Timestamp))
}

func TestGetFundamentals(t *testing.T) {
	srv, _ := newProviderServer(t)
	client := testProviderClient(srv.URL)

	f, err := client.GetFundamentals(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, "Apple Inc.", f.Name)
	assert.InDelta(t, 172.50, f.IntrinsicValuePerShare, 1e-9)
}

func TestGetPeersAndInsiders(t *testing.T) {
	srv, _ := newProviderServer(t)
	client := testProviderClient(srv.URL)

	peers, err := client.GetPeers(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, peers.Peers, 2)
	assert.Equal(t, "MSFT", peers.Peers[0].Symbol)

	txs, err := client.GetInsiderActivity(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "sell", txs[0].Type)
}

func TestGetNewsLimit(t *testing.T) {
	srv, rl := newProviderServer(t)
	client := testProviderClient(srv.URL)

	items, err := client.GetNews(context.Background(), "AAPL", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "10", rl.lastQuery["limit"])

	_, err = client.GetNews(context.Background(), "AAPL", 3)
	require.NoError(t, err)
	assert.Equal(t, "3", rl.lastQuery["limit"])
}

func TestErrorClassificationByStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  ErrorKind
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, ErrorRateLimited, true},
		{"server error", http.StatusInternalServerError, ErrorTransient, true},
		{"bad gateway", http.StatusBadGateway, ErrorTransient, true},
		{"request timeout", http.StatusRequestTimeout, ErrorTransient, true},
		{"not found", http.StatusNotFound, ErrorPermanent, false},
		{"unauthorized", http.StatusUnauthorized, ErrorPermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			client := testProviderClient(srv.URL)
			_, err := client.GetQuote(context.Background(), "AAPL")
			require.Error(t, err)

			var perr *ProviderError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.Equal(t, tt.wantKind, perr.Kind)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestMalformedResponseIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not json"))
	}))
	defer srv.Close()

	client := testProviderClient(srv.URL)
	_, err := client.GetQuote(context.Background(), "AAPL")
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorPermanent, perr.Kind)
	assert.False(t, IsRetryable(err))
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "test-provider",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= 2
		},
		Timeout: time.Minute,
	})
	client := testProviderClient(srv.URL, WithBreaker(cb))

	for i := 0; i < 2; i++ {
		_, err := client.GetQuote(context.Background(), "AAPL")
		require.Error(t, err)
	}

	// Breaker is now open; the call fails without reaching the server
	// and still classifies as retryable.
	_, err := client.GetQuote(context.Background(), "AAPL")
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, ErrorTransient, Classify(err))
	assert.True(t, IsRetryable(err))
}

func TestHealth(t *testing.T) {
	srv, _ := newProviderServer(t)
	client := testProviderClient(srv.URL)
	require.NoError(t, client.Health(context.Background()))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	client = testProviderClient(down.URL)
	assert.Error(t, client.Health(context.Background()))
}
