package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/market"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("b_agent", func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		return nil, nil
	})
	r.Register("a_agent", func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		return nil, nil
	})

	fn, ok := r.Lookup("a_agent")
	require.True(t, ok)
	assert.NotNil(t, fn)

	_, ok = r.Lookup("ghost")
	assert.False(t, ok)

	assert.Equal(t, []string{"a_agent", "b_agent"}, r.IDs())
}

func TestDefaultRegistryFullFleet(t *testing.T) {
	r := DefaultRegistry(Deps{Market: &fakeFetcher{}, LLM: &scriptedLLM{}})

	want := []string{
		AgentCatalyst,
		AgentFundamental,
		AgentInsiderActivity,
		AgentMacro,
		AgentNews,
		AgentPeerComparison,
		AgentRisk,
		AgentSentiment,
		AgentTechnical,
		AgentValuation,
	}
	assert.Equal(t, want, r.IDs())
}

func TestDefaultRegistryWithoutLLM(t *testing.T) {
	r := DefaultRegistry(Deps{Market: &fakeFetcher{}})

	ids := r.IDs()
	assert.Contains(t, ids, AgentTechnical)
	assert.Contains(t, ids, AgentRisk)
	assert.Contains(t, ids, AgentValuation)
	assert.Contains(t, ids, AgentPeerComparison)
	assert.Contains(t, ids, AgentInsiderActivity)
	assert.NotContains(t, ids, AgentFundamental)
	assert.NotContains(t, ids, AgentSentiment)
	assert.Len(t, ids, 5)
}

func TestDefaultRegistryWithoutMarket(t *testing.T) {
	r := DefaultRegistry(Deps{LLM: &scriptedLLM{}})

	ids := r.IDs()
	assert.Contains(t, ids, AgentFundamental)
	assert.Contains(t, ids, AgentMacro)
	assert.NotContains(t, ids, AgentSentiment, "sentiment needs the market surface for headlines")
	assert.NotContains(t, ids, AgentPeerComparison)
	assert.Len(t, ids, 5)
}

func TestDefaultRegistryBare(t *testing.T) {
	r := DefaultRegistry(Deps{})

	assert.Equal(t, []string{AgentRisk, AgentTechnical, AgentValuation}, r.IDs())
}

func TestNewContextDerivesSeries(t *testing.T) {
	candles := []market.Candle{
		{Open: 99, High: 102, Low: 98, Close: 100, Volume: 1e6},
		{Open: 100, High: 104, Low: 99, Close: 103, Volume: 1.2e6},
	}
	quote := &market.Quote{Symbol: "AAPL", Price: 103.5}
	f := &market.Fundamentals{Symbol: "AAPL", Sector: "Technology"}

	c := NewContext("AAPL", "is AAPL a buy", quote, candles, f)

	assert.Equal(t, []float64{100, 103}, c.Prices)
	assert.Equal(t, []float64{1e6, 1.2e6}, c.Volumes)
	assert.Equal(t, []float64{102, 104}, c.Highs)
	assert.Equal(t, []float64{98, 99}, c.Lows)
	assert.Equal(t, "Technology", c.Sector)
	assert.False(t, c.IsDegraded())
	assert.Equal(t, 103.5, c.EntryPrice())
}

func TestNewContextMarksDegradedInputs(t *testing.T) {
	c := NewContext("AAPL", "q", nil, nil, nil)

	assert.True(t, c.IsDegraded())
	assert.ElementsMatch(t, []string{InputQuote, InputHistory, InputFundamentals}, c.Degraded)
	assert.Equal(t, 0.0, c.EntryPrice())
}

func TestEntryPriceFallsBackToLastClose(t *testing.T) {
	candles := []market.Candle{{Close: 100}, {Close: 101.25}}

	c := NewContext("AAPL", "q", nil, candles, nil)
	assert.Equal(t, 101.25, c.EntryPrice())

	c = NewContext("AAPL", "q", &market.Quote{Price: 0}, candles, nil)
	assert.Equal(t, 101.25, c.EntryPrice(), "zero-priced quote is no price reference")
}
