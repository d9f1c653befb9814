package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/risk"
)

func TestRiskAnalystVolatileSeries(t *testing.T) {
	fn := NewRiskAnalyst(risk.NewCalculator(0))
	actx := testContext("TSLA", nil, choppyCandles(60), nil)

	op, err := fn(context.Background(), actx)
	require.NoError(t, err)
	require.NoError(t, op.Validate())

	assert.Equal(t, AgentRisk, op.AgentID)
	assert.Equal(t, "VERY_HIGH", op.Recommendation, "five-percent daily swings annualize far past the top band")

	vol, ok := op.Metric("annualized_volatility")
	require.True(t, ok)
	assert.Greater(t, vol, 0.55)

	_, ok = op.Metric("sharpe_ratio")
	assert.True(t, ok)
	_, ok = op.Metric("var_95")
	assert.True(t, ok)

	// 60 candles yield 59 returns.
	assert.InDelta(t, 0.55+0.4*59.0/252.0, op.Confidence, 1e-9)
	assert.Contains(t, op.Rationale, "risk level VERY_HIGH")
}

func TestRiskAnalystQuietSeries(t *testing.T) {
	fn := NewRiskAnalyst(risk.NewCalculator(0))
	actx := testContext("KO", nil, quietCandles(260), nil)

	op, err := fn(context.Background(), actx)
	require.NoError(t, err)

	assert.Equal(t, "LOW", op.Recommendation)

	vol, ok := op.Metric("annualized_volatility")
	require.True(t, ok)
	assert.Less(t, vol, 0.20)

	dd, ok := op.Metric("max_drawdown")
	require.True(t, ok)
	assert.Less(t, dd, 0.10)

	// A full trading year of history reaches the confidence ceiling.
	assert.InDelta(t, 0.95, op.Confidence, 1e-9)
}

func TestRiskAnalystInsufficientHistory(t *testing.T) {
	fn := NewRiskAnalyst(risk.NewCalculator(0))

	_, err := fn(context.Background(), testContext("AAPL", nil, quietCandles(5), nil))
	require.Error(t, err)
	assert.False(t, market.IsRetryable(err))

	_, err = fn(context.Background(), testContext("AAPL", nil, nil, nil))
	require.Error(t, err)
	assert.False(t, market.IsRetryable(err))
}
