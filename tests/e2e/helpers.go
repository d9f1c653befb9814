// Package e2e exercises the whole analysis pipeline end to end: HTTP
// API, orchestration engine, consensus, synthesis, critique, audit
// archival, and drift monitoring, backed by an in-memory store and a
// scripted market provider.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/agents"
	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/api"
	"github.com/stockcouncil/stockcouncil/internal/audit"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/consensus"
	"github.com/stockcouncil/stockcouncil/internal/critique"
	"github.com/stockcouncil/stockcouncil/internal/drift"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/orchestrator"
	"github.com/stockcouncil/stockcouncil/internal/profiles"
	"github.com/stockcouncil/stockcouncil/internal/progress"
	"github.com/stockcouncil/stockcouncil/internal/store"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

// scriptedMarket is a market.Fetcher whose quote can be re-priced
// mid-test to simulate post-analysis drift.
type scriptedMarket struct {
	mu      sync.Mutex
	price   float64
	candles []market.Candle
}

func newScriptedMarket(price float64) *scriptedMarket {
	candles := make([]market.Candle, 60)
	base := time.Now().UTC().AddDate(0, 0, -60)
	for i := range candles {
		candles[i] = market.Candle{
			Timestamp: base.AddDate(0, 0, i),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    1_000_000,
		}
	}
	return &scriptedMarket{price: price, candles: candles}
}

func (m *scriptedMarket) setPrice(price float64) {
	m.mu.Lock()
	m.price = price
	m.mu.Unlock()
}

func (m *scriptedMarket) GetQuote(ctx context.Context, symbol string) (*market.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &market.Quote{
		Symbol:    symbol,
		Price:     m.price,
		Volume:    1_200_000,
		AvgVolume: 1_000_000,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (m *scriptedMarket) GetHistory(ctx context.Context, symbol string, days int, interval string) ([]market.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.Candle, len(m.candles))
	copy(out, m.candles)
	return out, nil
}

func (m *scriptedMarket) GetFundamentals(ctx context.Context, symbol string) (*market.Fundamentals, error) {
	return &market.Fundamentals{Symbol: symbol, Sector: "Technology"}, nil
}

func (m *scriptedMarket) GetSentiment(ctx context.Context, symbol string) (*market.SentimentSummary, error) {
	return nil, errors.New("sentiment provider not scripted")
}

func (m *scriptedMarket) GetPeers(ctx context.Context, symbol string) (*market.PeerGroup, error) {
	return nil, errors.New("peers not scripted")
}

func (m *scriptedMarket) GetInsiderActivity(ctx context.Context, symbol string) ([]market.InsiderTransaction, error) {
	return nil, errors.New("insider activity not scripted")
}

func (m *scriptedMarket) GetNews(ctx context.Context, symbol string, limit int) ([]market.NewsItem, error) {
	return nil, errors.New("news not scripted")
}

// stack is a fully wired engine with its HTTP surface
type stack struct {
	server  *httptest.Server
	engine  *orchestrator.Engine
	store   *store.Memory
	bus     *progress.Bus
	market  *scriptedMarket
	monitor *drift.Monitor
}

func driftTestConfig() config.DriftConfig {
	return config.DriftConfig{
		Enabled:            true,
		TickSeconds:        300,
		ActiveWindowHours:  24,
		RetentionDays:      30,
		PriceThreshold:     0.05,
		VolumeThreshold:    0.50,
		VolatilityThresh:   0.30,
		SentimentThreshold: 0.20,
	}
}

func newStack(t *testing.T, registry *agents.Registry) *stack {
	t.Helper()

	mem := store.NewMemory()
	bus := progress.NewBus()
	mkt := newScriptedMarket(100)

	engineCfg := config.EngineConfig{
		Agents:             registry.IDs(),
		AgentTimeoutMS:     2000,
		RunTimeoutMS:       15000,
		MaxRetriesPerAgent: 1,
		PerRunParallelism:  4,
		GlobalParallelism:  8,
	}
	synthCfg := config.SynthesisConfig{
		StopLossATRMultiplier: 2.0,
		AccountValue:          100000,
		RiskFractions:         config.RiskFractions{Conservative: 0.01, Moderate: 0.02, Aggressive: 0.05},
	}

	engine := orchestrator.New(engineCfg, orchestrator.Deps{
		Registry:  registry,
		Runtime:   agents.NewRuntime(engineCfg, bus),
		Market:    mkt,
		Consensus: consensus.NewEngine(),
		Synthesis: synthesis.NewStage(synthCfg),
		Critique:  critique.NewStage(synthCfg),
		Store:     mem,
		Bus:       bus,
	})

	archiverCtx, archiverCancel := context.WithCancel(context.Background())
	archiver := audit.NewArchiver(bus, mem)
	go archiver.Run(archiverCtx)

	monitor := drift.NewMonitor(driftTestConfig(), mem, mkt, bus)

	apiServer := api.NewServer(config.APIConfig{Host: "127.0.0.1", Port: 0}, api.Deps{
		Engine:   engine,
		Store:    mem,
		Bus:      bus,
		Profiles: profiles.NewStore(),
		Version:  "e2e",
	})
	ts := httptest.NewServer(apiServer.Router())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		archiver.Shutdown()
		archiverCancel()
		bus.Close()
	})

	return &stack{
		server:  ts,
		engine:  engine,
		store:   mem,
		bus:     bus,
		market:  mkt,
		monitor: monitor,
	}
}

func defaultRegistry() *agents.Registry {
	r := agents.NewRegistry()
	r.Register("technical", scripted(analysis.Buy, 0.85, map[string]float64{"atr": 2.0}))
	r.Register("fundamental", scripted(analysis.Buy, 0.75, nil))
	r.Register("sentiment", scripted(analysis.Hold, 0.6, map[string]float64{"sentiment_score": 0.2}))
	r.Register("risk", scripted("LOW", 0.8, map[string]float64{"sharpe_ratio": 1.4}))
	return r
}

func scripted(recommendation string, confidence float64, metrics map[string]float64) agents.AnalyzeFunc {
	return func(ctx context.Context, actx *agents.Context) (*analysis.Opinion, error) {
		return &analysis.Opinion{
			Symbol:         actx.Symbol,
			Recommendation: recommendation,
			Confidence:     confidence,
			Rationale:      "scripted",
			KeyMetrics:     metrics,
		}, nil
	}
}

func (s *stack) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func (s *stack) getJSON(t *testing.T, path string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(s.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// waitCompleted blocks until the engine has persisted a terminal record
func (s *stack) waitCompleted(t *testing.T, id string) *analysis.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	rec, err := s.engine.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}
