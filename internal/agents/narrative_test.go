package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/llm"
	"github.com/stockcouncil/stockcouncil/internal/market"
)

func TestFundamentalAnalystKeepsPlausibleAnchors(t *testing.T) {
	client := &scriptedLLM{content: `{
		"recommendation": "BUY",
		"confidence": 0.78,
		"rationale": "strong cash generation at a discount to fair value",
		"key_metrics": {
			"intrinsic_value_per_share": 150,
			"analyst_target_price": 140,
			"fcf_yield": 0.05
		}
	}`}
	fn := NewFundamentalAnalyst(client)
	f := &market.Fundamentals{Symbol: "AAPL", Sector: "Technology", PERatio: 24, FreeCashFlow: 9.9e10}
	quote := &market.Quote{Symbol: "AAPL", Price: 100}

	op, err := fn(context.Background(), testContext("AAPL", quote, nil, f))
	require.NoError(t, err)
	require.NoError(t, op.Validate())

	assert.Equal(t, AgentFundamental, op.AgentID)
	assert.Equal(t, analysis.Buy, op.Recommendation)
	assert.InDelta(t, 0.78, op.Confidence, 1e-9)

	iv, ok := op.Metric("intrinsic_value_per_share")
	require.True(t, ok)
	assert.Equal(t, 150.0, iv)

	target, ok := op.Metric("analyst_target_price")
	require.True(t, ok)
	assert.Equal(t, 140.0, target)

	assert.Contains(t, client.user, "Current Price: $100.00")
	assert.Contains(t, client.user, `"sector": "Technology"`)
	assert.Contains(t, client.system, "per share")
}

func TestFundamentalAnalystScrubsAggregateFigures(t *testing.T) {
	client := &scriptedLLM{content: `{
		"recommendation": "BUY",
		"confidence": 0.7,
		"rationale": "dcf",
		"key_metrics": {
			"intrinsic_value_per_share": 2500000000,
			"analyst_target_price": 140,
			"enterprise_value": 3100000000000,
			"market_cap": 2800000000000
		}
	}`}
	fn := NewFundamentalAnalyst(client)
	quote := &market.Quote{Symbol: "AAPL", Price: 100}

	op, err := fn(context.Background(), testContext("AAPL", quote, nil, &market.Fundamentals{Symbol: "AAPL"}))
	require.NoError(t, err)

	// The model confused an aggregate with a per-share figure; the
	// implausible anchor is dropped rather than poisoning synthesis.
	_, ok := op.Metric("intrinsic_value_per_share")
	assert.False(t, ok)
	_, ok = op.Metric("enterprise_value")
	assert.False(t, ok)
	_, ok = op.Metric("market_cap")
	assert.False(t, ok)

	target, ok := op.Metric("analyst_target_price")
	require.True(t, ok)
	assert.Equal(t, 140.0, target)
}

func TestFundamentalAnalystDropsTinyAnchor(t *testing.T) {
	client := &scriptedLLM{content: `{
		"recommendation": "HOLD",
		"confidence": 0.5,
		"rationale": "x",
		"key_metrics": {"intrinsic_value_per_share": 0.8}
	}`}
	fn := NewFundamentalAnalyst(client)
	quote := &market.Quote{Symbol: "AAPL", Price: 100}

	op, err := fn(context.Background(), testContext("AAPL", quote, nil, &market.Fundamentals{Symbol: "AAPL"}))
	require.NoError(t, err)

	_, ok := op.Metric("intrinsic_value_per_share")
	assert.False(t, ok, "a figure below one twentieth of the price is not a per-share value")
}

func TestFundamentalAnalystMalformedOutputIsPermanent(t *testing.T) {
	client := &scriptedLLM{content: "I think you should buy this stock because"}
	fn := NewFundamentalAnalyst(client)
	quote := &market.Quote{Symbol: "AAPL", Price: 100}

	_, err := fn(context.Background(), testContext("AAPL", quote, nil, &market.Fundamentals{Symbol: "AAPL"}))
	require.Error(t, err)
	assert.False(t, market.IsRetryable(err), "malformed output fails the run, never retries")
	assert.Contains(t, err.Error(), "malformed output")
}

func TestFundamentalAnalystMissingRecommendationIsPermanent(t *testing.T) {
	client := &scriptedLLM{content: `{"confidence": 0.6, "rationale": "hmm"}`}
	fn := NewFundamentalAnalyst(client)
	quote := &market.Quote{Symbol: "AAPL", Price: 100}

	_, err := fn(context.Background(), testContext("AAPL", quote, nil, &market.Fundamentals{Symbol: "AAPL"}))
	require.Error(t, err)
	assert.False(t, market.IsRetryable(err))
	assert.Contains(t, err.Error(), "no recommendation")
}

func TestFundamentalAnalystModelErrorKeepsClassification(t *testing.T) {
	client := &scriptedLLM{err: &llm.APIError{StatusCode: 503, Message: "upstream", Kind: market.ErrorTransient}}
	fn := NewFundamentalAnalyst(client)
	quote := &market.Quote{Symbol: "AAPL", Price: 100}

	_, err := fn(context.Background(), testContext("AAPL", quote, nil, &market.Fundamentals{Symbol: "AAPL"}))
	require.Error(t, err)
	assert.True(t, market.IsRetryable(err), "gateway hiccups stay retryable through the wrap")
}

func TestFundamentalAnalystRequiresFundamentals(t *testing.T) {
	client := &scriptedLLM{}
	fn := NewFundamentalAnalyst(client)

	_, err := fn(context.Background(), testContext("AAPL", &market.Quote{Price: 100}, nil, nil))
	require.Error(t, err)
	assert.False(t, market.IsRetryable(err))
	assert.Zero(t, client.calls, "no model call without a financial snapshot")
}

func TestNarrateClampsConfidence(t *testing.T) {
	client := &scriptedLLM{content: `{"recommendation": "STRONG_BUY", "confidence": 1.4, "rationale": "!"}`}

	op, err := narrate(context.Background(), client, AgentMacro, testContext("AAPL", nil, nil, nil), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, 1.0, op.Confidence)
}

func TestNarrateNilClientIsPermanent(t *testing.T) {
	_, err := narrate(context.Background(), nil, AgentMacro, testContext("AAPL", nil, nil, nil), "system", "user")
	require.Error(t, err)
	assert.False(t, market.IsRetryable(err))
}

func TestSentimentAnalystReadsProviderAndHeadlines(t *testing.T) {
	fetcher := &fakeFetcher{
		sentiment: &market.SentimentSummary{Symbol: "AAPL", Score: 0.42, ArticleCount: 18},
		news: []market.NewsItem{
			{Symbol: "AAPL", Title: "Record quarter", Source: "Reuters", Sentiment: 0.6},
			{Symbol: "AAPL", Title: "Supplier delays", Source: "Bloomberg", Sentiment: -0.2},
		},
	}
	client := &scriptedLLM{content: `{"recommendation": "bullish", "confidence": 0.66, "rationale": "coverage leans positive"}`}
	fn := NewSentimentAnalyst(fetcher, client)

	op, err := fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.NoError(t, err)

	// Native label; the consensus engine normalizes it later.
	assert.Equal(t, "bullish", op.Recommendation)
	assert.Contains(t, client.user, "Provider sentiment score: 0.42")
	assert.Contains(t, client.user, "Record quarter")

	// Model omitted key_metrics; the provider score backfills it.
	score, ok := op.Metric("sentiment_score")
	require.True(t, ok)
	assert.InDelta(t, 0.42, score, 1e-9)

	count, ok := op.Metric("article_count")
	require.True(t, ok)
	assert.Equal(t, 2.0, count)
}

func TestSentimentAnalystNeutralWithoutData(t *testing.T) {
	client := &scriptedLLM{}
	fn := NewSentimentAnalyst(&fakeFetcher{}, client)

	op, err := fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, "neutral", op.Recommendation)
	assert.InDelta(t, 0.3, op.Confidence, 1e-9)
	assert.Zero(t, client.calls)

	score, ok := op.Metric("sentiment_score")
	require.True(t, ok)
	assert.Equal(t, 0.0, score)
}

func TestSentimentAnalystBothFetchesFailing(t *testing.T) {
	fetcher := &fakeFetcher{
		sentimentErr: &market.ProviderError{Endpoint: "sentiment", Kind: market.ErrorTransient, Message: "503"},
		newsErr:      &market.ProviderError{Endpoint: "news", Kind: market.ErrorTransient, Message: "503"},
	}
	client := &scriptedLLM{}
	fn := NewSentimentAnalyst(fetcher, client)

	_, err := fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.Error(t, err)
	assert.True(t, market.IsRetryable(err))
	assert.Zero(t, client.calls)
}

func TestSentimentAnalystSurvivesOneFailedFetch(t *testing.T) {
	fetcher := &fakeFetcher{
		sentimentErr: &market.ProviderError{Endpoint: "sentiment", Kind: market.ErrorTransient, Message: "503"},
		news:         []market.NewsItem{{Symbol: "AAPL", Title: "Launch event", Source: "AP", Sentiment: 0.3}},
	}
	client := &scriptedLLM{content: `{"recommendation": "neutral", "confidence": 0.4, "rationale": "thin coverage", "key_metrics": {"sentiment_score": 0.1}}`}
	fn := NewSentimentAnalyst(fetcher, client)

	op, err := fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "neutral", op.Recommendation)

	score, ok := op.Metric("sentiment_score")
	require.True(t, ok)
	assert.InDelta(t, 0.1, score, 1e-9, "model-reported score wins over the backfill")
}

func TestNewsAnalystJudgesProviderHeadlines(t *testing.T) {
	fetcher := &fakeFetcher{news: []market.NewsItem{
		{Symbol: "AAPL", Title: "Antitrust probe widens", Source: "FT", Sentiment: -0.5},
		{Symbol: "AAPL", Title: "New product ships early", Source: "Reuters", Sentiment: 0.4},
	}}
	client := &scriptedLLM{content: `{"recommendation": "HOLD", "confidence": 0.5, "rationale": "offsetting stories", "key_metrics": {"news_sentiment": -0.05}}`}
	fn := NewNewsAnalyst(fetcher, client, nil)

	op, err := fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, analysis.Hold, op.Recommendation)
	assert.Contains(t, client.user, "Antitrust probe widens")

	count, ok := op.Metric("headline_count")
	require.True(t, ok)
	assert.Equal(t, 2.0, count)
}

func TestNewsAnalystHoldsWithoutCoverage(t *testing.T) {
	client := &scriptedLLM{}
	fn := NewNewsAnalyst(&fakeFetcher{}, client, nil)

	op, err := fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, analysis.Hold, op.Recommendation)
	assert.InDelta(t, 0.3, op.Confidence, 1e-9)
	assert.Zero(t, client.calls)
}

func TestNewsAnalystProviderErrorKeepsClassification(t *testing.T) {
	fetcher := &fakeFetcher{newsErr: &market.ProviderError{Endpoint: "news", Kind: market.ErrorTransient, Message: "timeout"}}
	fn := NewNewsAnalyst(fetcher, &scriptedLLM{}, nil)

	_, err := fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.Error(t, err)
	assert.True(t, market.IsRetryable(err))
}

func TestMacroAnalystWorksOnDegradedContext(t *testing.T) {
	client := &scriptedLLM{content: `{"recommendation": "HOLD", "confidence": 0.45, "rationale": "rates steady", "key_metrics": {"macro_risk": 0.4}}`}
	fn := NewMacroAnalyst(client)

	// No quote, no candles, no fundamentals: the macro view still runs.
	actx := testContext("AAPL", nil, nil, nil)
	require.True(t, actx.IsDegraded())

	op, err := fn(context.Background(), actx)
	require.NoError(t, err)

	assert.Equal(t, analysis.Hold, op.Recommendation)
	assert.Contains(t, client.user, "unknown sector")

	risk, ok := op.Metric("macro_risk")
	require.True(t, ok)
	assert.InDelta(t, 0.4, risk, 1e-9)
}

func TestMacroAnalystIncludesBetaAndSector(t *testing.T) {
	client := &scriptedLLM{content: `{"recommendation": "BUY", "confidence": 0.5, "rationale": "easing cycle"}`}
	fn := NewMacroAnalyst(client)
	f := &market.Fundamentals{Symbol: "CAT", Sector: "Industrials", Industry: "Construction Machinery", Beta: 1.2}

	_, err := fn(context.Background(), testContext("CAT", nil, nil, f))
	require.NoError(t, err)

	assert.Contains(t, client.user, "Industrials sector")
	assert.Contains(t, client.user, "Beta: 1.20")
	assert.Contains(t, client.user, "Construction Machinery")
}

func TestCatalystAnalystHoldsWithoutEvents(t *testing.T) {
	client := &scriptedLLM{}
	fn := NewCatalystAnalyst(&fakeFetcher{}, client, nil)

	op, err := fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, analysis.Hold, op.Recommendation)
	assert.InDelta(t, 0.3, op.Confidence, 1e-9)
	assert.Zero(t, client.calls)

	count, ok := op.Metric("catalyst_count")
	require.True(t, ok)
	assert.Equal(t, 0.0, count)
}

func TestCatalystAnalystReadsCoverage(t *testing.T) {
	fetcher := &fakeFetcher{news: []market.NewsItem{
		{Symbol: "AAPL", Title: "Earnings call scheduled June 3", Source: "IR", Sentiment: 0.1},
	}}
	client := &scriptedLLM{content: `{"recommendation": "BUY", "confidence": 0.55, "rationale": "earnings beat setup", "key_metrics": {"catalyst_count": 1, "catalyst_score": 0.4}}`}
	fn := NewCatalystAnalyst(fetcher, client, nil)

	op, err := fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.NoError(t, err)

	assert.Equal(t, analysis.Buy, op.Recommendation)
	assert.Contains(t, client.user, "Earnings call scheduled June 3")

	count, ok := op.Metric("catalyst_count")
	require.True(t, ok)
	assert.Equal(t, 1.0, count)
}
