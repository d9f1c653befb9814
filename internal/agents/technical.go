package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/indicators"
	"github.com/stockcouncil/stockcouncil/internal/market"
)

// Indicator weights for combining per-indicator votes
const (
	weightRSI       = 0.25
	weightMACD      = 0.25
	weightBollinger = 0.20
	weightTrend     = 0.20
	weightVolume    = 0.10
)

// indicatorVote is one indicator's contribution to the combined signal
type indicatorVote struct {
	recommendation string
	confidence     float64
	weight         float64
	reason         string
}

// NewTechnicalAnalyst builds the technical analyst. It computes the
// indicator snapshot over the daily history and combines per-indicator
// votes into one recommendation. The ATR lands in key_metrics in price
// units; the synthesis stage derives stop distances from it.
func NewTechnicalAnalyst(svc *indicators.Service) AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		if len(actx.Candles) == 0 {
			return nil, Permanentf("technical: no price history for %s", actx.Symbol)
		}

		snap, err := svc.Compute(actx.Symbol, actx.Candles)
		if err != nil {
			return nil, Permanent(fmt.Errorf("technical: %w", err))
		}

		var votes []indicatorVote
		if snap.RSI != nil {
			rec, conf, reason := analyzeRSI(snap.RSI)
			votes = append(votes, indicatorVote{rec, conf, weightRSI, reason})
		}
		if snap.MACD != nil {
			rec, conf, reason := analyzeMACD(snap.MACD)
			votes = append(votes, indicatorVote{rec, conf, weightMACD, reason})
		}
		if snap.Bollinger != nil {
			rec, conf, reason := analyzeBollinger(snap.Bollinger)
			votes = append(votes, indicatorVote{rec, conf, weightBollinger, reason})
		}
		if snap.EMAFast != nil && snap.EMASlow != nil {
			rec, conf, reason := analyzeTrend(snap.EMAFast, snap.EMASlow, snap.ADX, snap.Close)
			votes = append(votes, indicatorVote{rec, conf, weightTrend, reason})
		}
		if actx.Quote != nil && actx.Quote.AvgVolume > 0 {
			rec, conf, reason := analyzeVolume(actx.Quote)
			votes = append(votes, indicatorVote{rec, conf, weightVolume, reason})
		}

		if len(votes) == 0 {
			return nil, Permanentf("technical: no indicators computable for %s", actx.Symbol)
		}

		recommendation, confidence, reasons := combineVotes(votes)

		keyMetrics := map[string]float64{
			"atr":   snap.ATRValue(),
			"trend": trendDirection(snap),
		}
		if snap.RSI != nil {
			keyMetrics["rsi"] = snap.RSI.Value
		}
		if snap.ATR != nil {
			keyMetrics["atr_percent"] = snap.ATR.Percent
		}
		if snap.MACD != nil {
			keyMetrics["macd_histogram"] = snap.MACD.Histogram
		}
		if snap.ADX != nil {
			keyMetrics["adx"] = snap.ADX.Value
		}

		return &analysis.Opinion{
			AgentID:        AgentTechnical,
			Symbol:         actx.Symbol,
			Recommendation: recommendation,
			Confidence:     confidence,
			Rationale:      strings.Join(reasons, "; "),
			KeyMetrics:     keyMetrics,
		}, nil
	}
}

// analyzeRSI votes on overbought/oversold conditions. Confidence grows
// with the distance past the threshold.
func analyzeRSI(rsi *indicators.RSIResult) (string, float64, string) {
	const (
		oversold   = 30.0
		overbought = 70.0
	)

	switch {
	case rsi.Value <= oversold:
		intensity := (oversold - rsi.Value) / oversold
		conf := clamp01(0.5 + intensity*0.5)
		return analysis.Buy, conf, fmt.Sprintf("RSI oversold at %.1f", rsi.Value)
	case rsi.Value >= overbought:
		intensity := (rsi.Value - overbought) / (100 - overbought)
		conf := clamp01(0.5 + intensity*0.5)
		return analysis.Sell, conf, fmt.Sprintf("RSI overbought at %.1f", rsi.Value)
	default:
		half := (overbought - oversold) / 2
		distance := rsi.Value - oversold
		if d := overbought - rsi.Value; d < distance {
			distance = d
		}
		return analysis.Hold, clamp01(distance / half), fmt.Sprintf("RSI neutral at %.1f", rsi.Value)
	}
}

// analyzeMACD votes on signal-line crossovers
func analyzeMACD(macd *indicators.MACDResult) (string, float64, string) {
	switch macd.Crossover {
	case "bullish":
		return analysis.Buy, 0.75, fmt.Sprintf("MACD bullish crossover (histogram %.3f)", macd.Histogram)
	case "bearish":
		return analysis.Sell, 0.75, fmt.Sprintf("MACD bearish crossover (histogram %.3f)", macd.Histogram)
	}
	if macd.Histogram > 0 {
		return analysis.Buy, 0.4, fmt.Sprintf("MACD above signal (histogram %.3f)", macd.Histogram)
	}
	if macd.Histogram < 0 {
		return analysis.Sell, 0.4, fmt.Sprintf("MACD below signal (histogram %.3f)", macd.Histogram)
	}
	return analysis.Hold, 0.3, "MACD flat"
}

// analyzeBollinger votes on band position
func analyzeBollinger(bb *indicators.BollingerResult) (string, float64, string) {
	switch bb.Signal {
	case "buy":
		return analysis.Buy, 0.65, fmt.Sprintf("price near lower Bollinger band (%.2f)", bb.Lower)
	case "sell":
		return analysis.Sell, 0.65, fmt.Sprintf("price near upper Bollinger band (%.2f)", bb.Upper)
	}
	return analysis.Hold, 0.4, "price inside Bollinger bands"
}

// analyzeTrend votes on the EMA alignment, scaled by ADX strength
func analyzeTrend(fast, slow *indicators.EMAResult, adx *indicators.ADXResult, close float64) (string, float64, string) {
	strength := 0.5
	label := ""
	if adx != nil {
		label = fmt.Sprintf(", ADX %.1f %s", adx.Value, adx.Strength)
		switch adx.Strength {
		case "very_strong":
			strength = 0.9
		case "strong":
			strength = 0.7
		default:
			strength = 0.4
		}
	}

	switch {
	case fast.Value > slow.Value && close > fast.Value:
		return analysis.Buy, strength, fmt.Sprintf("uptrend: close %.2f above EMA%d > EMA%d%s", close, fast.Period, slow.Period, label)
	case fast.Value < slow.Value && close < fast.Value:
		return analysis.Sell, strength, fmt.Sprintf("downtrend: close %.2f below EMA%d < EMA%d%s", close, fast.Period, slow.Period, label)
	}
	return analysis.Hold, 0.4, fmt.Sprintf("no EMA alignment (close %.2f, EMA%d %.2f, EMA%d %.2f)", close, fast.Period, fast.Value, slow.Period, slow.Value)
}

// analyzeVolume votes on volume confirming the day's move
func analyzeVolume(quote *market.Quote) (string, float64, string) {
	ratio := quote.Volume / quote.AvgVolume
	switch {
	case ratio > 1.5 && quote.ChangePercent > 1:
		return analysis.Buy, 0.6, fmt.Sprintf("volume %.1fx average confirms advance", ratio)
	case ratio > 1.5 && quote.ChangePercent < -1:
		return analysis.Sell, 0.6, fmt.Sprintf("volume %.1fx average confirms decline", ratio)
	case ratio < 0.5:
		return analysis.Hold, 0.5, fmt.Sprintf("volume dried up at %.1fx average", ratio)
	}
	return analysis.Hold, 0.3, fmt.Sprintf("volume %.1fx average, no confirmation", ratio)
}

// combineVotes merges weighted indicator votes. The winning class's
// weighted confidence share becomes the opinion confidence.
func combineVotes(votes []indicatorVote) (string, float64, []string) {
	scores := make(map[string]float64, 3)
	totalWeight := 0.0
	reasons := make([]string, 0, len(votes))

	for _, v := range votes {
		scores[v.recommendation] += v.weight * v.confidence
		totalWeight += v.weight
		reasons = append(reasons, v.reason)
	}

	recommendation := analysis.Hold
	best := -1.0
	for _, class := range []string{analysis.Buy, analysis.Sell, analysis.Hold} {
		if s := scores[class]; s > best {
			recommendation = class
			best = s
		}
	}

	confidence := 0.0
	if totalWeight > 0 {
		confidence = clamp01(best / totalWeight)
	}
	return recommendation, confidence, reasons
}

// trendDirection encodes the EMA trend as +1 up, -1 down, 0 flat
func trendDirection(snap *indicators.Snapshot) float64 {
	if snap.EMAFast == nil || snap.EMASlow == nil {
		return 0
	}
	switch {
	case snap.EMAFast.Value > snap.EMASlow.Value && snap.Close > snap.EMAFast.Value:
		return 1
	case snap.EMAFast.Value < snap.EMASlow.Value && snap.Close < snap.EMAFast.Value:
		return -1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
