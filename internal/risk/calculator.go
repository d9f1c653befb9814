package risk

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/market"
)

const (
	// DefaultRiskFreeRate is the annualized risk-free rate used when no
	// rate is configured.
	DefaultRiskFreeRate = 0.04

	// DefaultVaRConfidence is the confidence level for VaR/CVaR.
	DefaultVaRConfidence = 0.95

	tradingDaysPerYear = 252.0

	// minObservations is the fewest daily returns the calculator accepts.
	minObservations = 10
)

// Calculator computes risk metrics from price history
type Calculator struct {
	riskFreeRate float64
}

// NewCalculator creates a risk calculator. riskFreeRate <= 0 uses the
// default annualized rate.
func NewCalculator(riskFreeRate float64) *Calculator {
	if riskFreeRate <= 0 {
		riskFreeRate = DefaultRiskFreeRate
	}
	return &Calculator{riskFreeRate: riskFreeRate}
}

// Metrics summarizes the risk profile of one symbol's price history
type Metrics struct {
	DailyVolatility      float64   `json:"daily_volatility"`
	AnnualizedVolatility float64   `json:"annualized_volatility"`
	SharpeRatio          float64   `json:"sharpe_ratio"`
	VaR95                float64   `json:"var_95"`
	CVaR95               float64   `json:"cvar_95"`
	MaxDrawdown          float64   `json:"max_drawdown"`
	CurrentDrawdown      float64   `json:"current_drawdown"`
	Observations         int       `json:"observations"`
	AsOf                 time.Time `json:"as_of"`
}

// RegimeData describes the detected market regime
type RegimeData struct {
	Regime        string  `json:"regime"` // "bullish", "bearish", "sideways", "volatile_sideways"
	Volatility    float64 `json:"volatility"`
	ShortMA       float64 `json:"short_ma"`
	LongMA        float64 `json:"long_ma"`
	TrendStrength float64 `json:"trend_strength"`
}

// Returns converts a price series into simple daily returns
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 {
			returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
		}
	}
	return returns
}

// ============================================================================
// AGGREGATE METRICS
// ============================================================================

// Compute derives the full metric set from daily candles
func (c *Calculator) Compute(candles []market.Candle) (*Metrics, error) {
	if len(candles) < minObservations+1 {
		return nil, fmt.Errorf("insufficient history: need at least %d candles, got %d", minObservations+1, len(candles))
	}

	closes := make([]float64, len(candles))
	for i, candle := range candles {
		closes[i] = candle.Close
	}
	returns := Returns(closes)
	if len(returns) < minObservations {
		return nil, fmt.Errorf("insufficient returns: need at least %d, got %d", minObservations, len(returns))
	}

	daily, annualized := c.Volatility(returns)

	sharpe, err := c.SharpeRatio(returns)
	if err != nil {
		return nil, fmt.Errorf("sharpe calculation failed: %w", err)
	}

	varValue, cvarValue, err := c.VaR(returns, DefaultVaRConfidence)
	if err != nil {
		return nil, fmt.Errorf("var calculation failed: %w", err)
	}

	currentDD, maxDD, _ := c.Drawdown(closes)

	m := &Metrics{
		DailyVolatility:      daily,
		AnnualizedVolatility: annualized,
		SharpeRatio:          sharpe,
		VaR95:                varValue,
		CVaR95:               cvarValue,
		MaxDrawdown:          maxDD,
		CurrentDrawdown:      currentDD,
		Observations:         len(returns),
		AsOf:                 candles[len(candles)-1].Timestamp,
	}

	log.Debug().
		Float64("annualized_volatility", annualized).
		Float64("sharpe", sharpe).
		Float64("var_95", varValue).
		Float64("max_drawdown", maxDD).
		Int("observations", len(returns)).
		Msg("Risk metrics computed")

	return m, nil
}

// ============================================================================
// SHARPE RATIO
// ============================================================================

// SharpeRatio calculates the annualized Sharpe ratio from daily returns.
// Sharpe = (annualized mean return - risk-free rate) / annualized std dev.
func (c *Calculator) SharpeRatio(returns []float64) (float64, error) {
	if len(returns) == 0 {
		return 0, fmt.Errorf("returns array is empty")
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	meanReturn := sum / float64(len(returns))

	stdDevValue := stdDev(returns)
	if stdDevValue == 0 {
		return 0, fmt.Errorf("standard deviation is zero")
	}

	annualizedReturn := meanReturn * tradingDaysPerYear
	annualizedStdDev := stdDevValue * math.Sqrt(tradingDaysPerYear)

	return (annualizedReturn - c.riskFreeRate) / annualizedStdDev, nil
}

// ============================================================================
// VALUE AT RISK
// ============================================================================

// VaR calculates Value at Risk and Conditional VaR (expected shortfall)
// by historical simulation. Both are returned as positive loss fractions.
func (c *Calculator) VaR(returns []float64, confidenceLevel float64) (float64, float64, error) {
	if len(returns) == 0 {
		return 0, 0, fmt.Errorf("returns array is empty")
	}
	if confidenceLevel <= 0 || confidenceLevel >= 1 {
		return 0, 0, fmt.Errorf("confidence level must be between 0 and 1")
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	slices.Sort(sorted)

	// For 95% confidence the cutoff is the worst 5% of returns.
	percentile := 1 - confidenceLevel
	index := int(float64(len(sorted)) * percentile)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	varValue := -sorted[index]

	// CVaR averages every loss at or beyond the VaR cutoff.
	var cvarSum float64
	for i := 0; i <= index; i++ {
		cvarSum += sorted[i]
	}
	cvarValue := -cvarSum / float64(index+1)

	return varValue, cvarValue, nil
}

// ============================================================================
// DRAWDOWN
// ============================================================================

// Drawdown walks the price series tracking the running peak and returns
// the current and maximum peak-to-trough declines as fractions.
func (c *Calculator) Drawdown(prices []float64) (currentDD float64, maxDD float64, peak float64) {
	if len(prices) == 0 {
		return 0, 0, 0
	}

	peak = prices[0]
	current := prices[len(prices)-1]

	for _, p := range prices {
		if p > peak {
			peak = p
		}
		if peak > 0 {
			if dd := (peak - p) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}

	if current < peak && peak > 0 {
		currentDD = (peak - current) / peak
	}

	return currentDD, maxDD, peak
}

// ============================================================================
// VOLATILITY AND REGIME
// ============================================================================

// Volatility returns the daily and annualized standard deviation of returns
func (c *Calculator) Volatility(returns []float64) (daily float64, annualized float64) {
	daily = stdDev(returns)
	annualized = daily * math.Sqrt(tradingDaysPerYear)
	return daily, annualized
}

// DetectRegime classifies the market regime from daily candles using
// 10/20-day moving averages and return volatility.
func (c *Calculator) DetectRegime(candles []market.Candle) (*RegimeData, error) {
	if len(candles) < 20 {
		return nil, fmt.Errorf("insufficient data for regime detection (need 20+ days, got %d)", len(candles))
	}

	closes := make([]float64, len(candles))
	for i, candle := range candles {
		closes[i] = candle.Close
	}
	returns := Returns(closes)

	volatility := stdDev(returns)
	shortMA := movingAverage(closes, 10)
	longMA := movingAverage(closes, 20)

	currentPrice := closes[len(closes)-1]
	startPrice := closes[0]

	priceTrend := 0.0
	if startPrice > 0 {
		priceTrend = (currentPrice - startPrice) / startPrice
	}
	maTrend := 0.0
	if longMA > 0 {
		maTrend = (shortMA - longMA) / longMA
	}

	trendStrength := (priceTrend + maTrend) / 2.0

	var regime string
	switch {
	case maTrend > 0.02 && priceTrend > 0:
		regime = "bullish"
	case maTrend < -0.02 && priceTrend < 0:
		regime = "bearish"
	default:
		regime = "sideways"
	}

	// Above 5% daily volatility a flat trend reading is not calm, it is churn.
	if volatility > 0.05 && regime == "sideways" {
		regime = "volatile_sideways"
	}

	return &RegimeData{
		Regime:        regime,
		Volatility:    volatility,
		ShortMA:       shortMA,
		LongMA:        longMA,
		TrendStrength: trendStrength,
	}, nil
}

// RiskLevel maps metrics onto the risk vocabulary used by analyst opinions.
// A negative Sharpe escalates the level one step.
func RiskLevel(m *Metrics) string {
	if m == nil {
		return "HIGH"
	}

	var level int
	switch {
	case m.AnnualizedVolatility < 0.20 && m.MaxDrawdown < 0.10:
		level = 0 // LOW
	case m.AnnualizedVolatility < 0.35 && m.MaxDrawdown < 0.20:
		level = 1 // MEDIUM
	case m.AnnualizedVolatility < 0.55 && m.MaxDrawdown < 0.35:
		level = 2 // HIGH
	default:
		level = 3 // VERY_HIGH
	}

	if m.SharpeRatio < 0 && level < 3 {
		level++
	}

	return [...]string{"LOW", "MEDIUM", "HIGH", "VERY_HIGH"}[level]
}

// ============================================================================
// POSITION SIZING
// ============================================================================

// KellyFraction computes the Kelly criterion bet fraction
// f = (p*b - q) / b with b = avgWin/avgLoss and q = 1-p, scaled by the
// given fraction (quarter Kelly by default) and floored at zero.
func KellyFraction(winRate, avgWin, avgLoss, fraction float64) (float64, error) {
	if winRate < 0 || winRate > 1 {
		return 0, fmt.Errorf("win rate must be between 0 and 1")
	}
	if avgWin <= 0 || avgLoss <= 0 {
		return 0, fmt.Errorf("average win and loss must be positive")
	}
	if fraction <= 0 || fraction > 1 {
		return 0, fmt.Errorf("kelly fraction must be between 0 and 1")
	}

	b := avgWin / avgLoss
	q := 1 - winRate
	kelly := (winRate*b - q) / b

	adjusted := kelly * fraction
	if adjusted < 0 {
		adjusted = 0
	}
	return adjusted, nil
}

// ============================================================================
// HELPERS
// ============================================================================

// stdDev calculates the sample standard deviation (Bessel's correction)
func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	if len(values) > 1 {
		variance /= float64(len(values) - 1)
	} else {
		variance /= float64(len(values))
	}

	return math.Sqrt(variance)
}

// movingAverage calculates a simple moving average over the most recent
// period values.
func movingAverage(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}
