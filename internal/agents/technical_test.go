package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/indicators"
	"github.com/stockcouncil/stockcouncil/internal/market"
)

func TestAnalyzeRSI(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		wantRec  string
		wantConf float64
	}{
		{"deep oversold", 20, analysis.Buy, 0.5 + (10.0/30.0)*0.5},
		{"oversold boundary", 30, analysis.Buy, 0.5},
		{"deep overbought", 80, analysis.Sell, 0.5 + (10.0/30.0)*0.5},
		{"overbought boundary", 70, analysis.Sell, 0.5},
		{"dead center", 50, analysis.Hold, 1.0},
		{"near oversold", 35, analysis.Hold, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, conf, reason := analyzeRSI(&indicators.RSIResult{Value: tt.value})
			assert.Equal(t, tt.wantRec, rec)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestAnalyzeMACD(t *testing.T) {
	tests := []struct {
		name      string
		crossover string
		histogram float64
		wantRec   string
		wantConf  float64
	}{
		{"bullish crossover", "bullish", 0.8, analysis.Buy, 0.75},
		{"bearish crossover", "bearish", -0.8, analysis.Sell, 0.75},
		{"above signal", "none", 0.5, analysis.Buy, 0.4},
		{"below signal", "none", -0.5, analysis.Sell, 0.4},
		{"flat", "none", 0, analysis.Hold, 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, conf, _ := analyzeMACD(&indicators.MACDResult{Crossover: tt.crossover, Histogram: tt.histogram})
			assert.Equal(t, tt.wantRec, rec)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
		})
	}
}

func TestAnalyzeBollinger(t *testing.T) {
	rec, conf, _ := analyzeBollinger(&indicators.BollingerResult{Signal: "buy", Lower: 95})
	assert.Equal(t, analysis.Buy, rec)
	assert.InDelta(t, 0.65, conf, 1e-9)

	rec, conf, _ = analyzeBollinger(&indicators.BollingerResult{Signal: "sell", Upper: 110})
	assert.Equal(t, analysis.Sell, rec)
	assert.InDelta(t, 0.65, conf, 1e-9)

	rec, conf, _ = analyzeBollinger(&indicators.BollingerResult{Signal: "neutral"})
	assert.Equal(t, analysis.Hold, rec)
	assert.InDelta(t, 0.4, conf, 1e-9)
}

func TestAnalyzeTrend(t *testing.T) {
	fast := &indicators.EMAResult{Period: 12, Value: 105}
	slow := &indicators.EMAResult{Period: 26, Value: 100}

	rec, conf, reason := analyzeTrend(fast, slow, &indicators.ADXResult{Value: 30, Strength: "strong"}, 110)
	assert.Equal(t, analysis.Buy, rec)
	assert.InDelta(t, 0.7, conf, 1e-9)
	assert.Contains(t, reason, "uptrend")

	rec, conf, _ = analyzeTrend(fast, slow, &indicators.ADXResult{Value: 45, Strength: "very_strong"}, 110)
	assert.Equal(t, analysis.Buy, rec)
	assert.InDelta(t, 0.9, conf, 1e-9)

	rec, conf, _ = analyzeTrend(fast, slow, &indicators.ADXResult{Value: 15, Strength: "weak"}, 110)
	assert.Equal(t, analysis.Buy, rec)
	assert.InDelta(t, 0.4, conf, 1e-9)

	rec, conf, _ = analyzeTrend(fast, slow, nil, 110)
	assert.Equal(t, analysis.Buy, rec)
	assert.InDelta(t, 0.5, conf, 1e-9)

	rec, _, reason = analyzeTrend(&indicators.EMAResult{Period: 12, Value: 95}, slow, nil, 90)
	assert.Equal(t, analysis.Sell, rec)
	assert.Contains(t, reason, "downtrend")

	rec, conf, _ = analyzeTrend(fast, slow, nil, 100)
	assert.Equal(t, analysis.Hold, rec)
	assert.InDelta(t, 0.4, conf, 1e-9)
}

func TestAnalyzeVolume(t *testing.T) {
	rec, conf, _ := analyzeVolume(&market.Quote{Volume: 2e6, AvgVolume: 1e6, ChangePercent: 2})
	assert.Equal(t, analysis.Buy, rec)
	assert.InDelta(t, 0.6, conf, 1e-9)

	rec, conf, _ = analyzeVolume(&market.Quote{Volume: 2e6, AvgVolume: 1e6, ChangePercent: -2})
	assert.Equal(t, analysis.Sell, rec)
	assert.InDelta(t, 0.6, conf, 1e-9)

	rec, conf, _ = analyzeVolume(&market.Quote{Volume: 4e5, AvgVolume: 1e6, ChangePercent: 2})
	assert.Equal(t, analysis.Hold, rec)
	assert.InDelta(t, 0.5, conf, 1e-9)

	rec, conf, _ = analyzeVolume(&market.Quote{Volume: 1e6, AvgVolume: 1e6, ChangePercent: 0.2})
	assert.Equal(t, analysis.Hold, rec)
	assert.InDelta(t, 0.3, conf, 1e-9)
}

func TestCombineVotes(t *testing.T) {
	t.Run("unanimous", func(t *testing.T) {
		rec, conf, reasons := combineVotes([]indicatorVote{
			{analysis.Buy, 0.8, 0.25, "rsi"},
			{analysis.Buy, 0.6, 0.25, "macd"},
		})
		assert.Equal(t, analysis.Buy, rec)
		assert.InDelta(t, 0.7, conf, 1e-9)
		assert.Equal(t, []string{"rsi", "macd"}, reasons)
	})

	t.Run("highest weighted score wins", func(t *testing.T) {
		rec, conf, _ := combineVotes([]indicatorVote{
			{analysis.Buy, 0.8, 0.25, "rsi"},
			{analysis.Sell, 0.9, 0.25, "macd"},
			{analysis.Hold, 0.5, 0.20, "bollinger"},
		})
		assert.Equal(t, analysis.Sell, rec)
		assert.InDelta(t, 0.225/0.7, conf, 1e-9)
	})
}

func TestTrendDirection(t *testing.T) {
	up := &indicators.Snapshot{
		Close:   110,
		EMAFast: &indicators.EMAResult{Value: 105},
		EMASlow: &indicators.EMAResult{Value: 100},
	}
	assert.Equal(t, 1.0, trendDirection(up))

	down := &indicators.Snapshot{
		Close:   90,
		EMAFast: &indicators.EMAResult{Value: 95},
		EMASlow: &indicators.EMAResult{Value: 100},
	}
	assert.Equal(t, -1.0, trendDirection(down))

	assert.Equal(t, 0.0, trendDirection(&indicators.Snapshot{Close: 100}))

	mixed := &indicators.Snapshot{
		Close:   100,
		EMAFast: &indicators.EMAResult{Value: 105},
		EMASlow: &indicators.EMAResult{Value: 100},
	}
	assert.Equal(t, 0.0, trendDirection(mixed))
}

func TestTechnicalAnalystTrendingSeries(t *testing.T) {
	fn := NewTechnicalAnalyst(indicators.NewService())
	quote := &market.Quote{Symbol: "AAPL", Price: 0, Volume: 2.5e6, AvgVolume: 1e6, ChangePercent: 2.1}
	actx := testContext("AAPL", quote, trendingCandles(80), nil)

	op, err := fn(context.Background(), actx)
	require.NoError(t, err)
	require.NoError(t, op.Validate())

	assert.Equal(t, AgentTechnical, op.AgentID)
	assert.Equal(t, "AAPL", op.Symbol)
	assert.Contains(t, []string{analysis.Buy, analysis.Sell, analysis.Hold}, op.Recommendation)

	atr, ok := op.Metric("atr")
	require.True(t, ok)
	assert.Greater(t, atr, 0.0)

	rsi, ok := op.Metric("rsi")
	require.True(t, ok)
	assert.Greater(t, rsi, 0.0)
	assert.LessOrEqual(t, rsi, 100.0)

	trend, ok := op.Metric("trend")
	require.True(t, ok)
	assert.Equal(t, 1.0, trend, "steady uptrend closing on an up day")

	assert.Contains(t, op.Rationale, ";", "rationale joins per-indicator reasons")
}

func TestTechnicalAnalystInsufficientHistory(t *testing.T) {
	fn := NewTechnicalAnalyst(indicators.NewService())

	_, err := fn(context.Background(), testContext("AAPL", nil, trendingCandles(5), nil))
	require.Error(t, err)
	assert.False(t, market.IsRetryable(err), "short history does not improve on retry")

	_, err = fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.Error(t, err)
	assert.False(t, market.IsRetryable(err))
}
