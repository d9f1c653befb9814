package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/llm"
)

const fundamentalSystemPrompt = `You are an expert fundamental analysis agent for equity markets.

Your role is to assess a company's business quality and fair value from its financial metrics.

Key responsibilities:
- Evaluate growth, profitability, balance sheet strength, and cash generation
- Estimate a discounted-cash-flow fair value for the stock
- Compare the current price against your fair value estimate
- Generate STRONG_BUY, BUY, HOLD, SELL, or STRONG_SELL recommendations with confidence scores

Guidelines:
- Always provide detailed reasoning for your assessment
- Report intrinsic value strictly per share, in the same currency as the quoted price
- Never report an enterprise value, equity value, or any aggregate figure as intrinsic value
- Be conservative when the data is incomplete or contradictory

` + jsonOnly

// aggregateKeys are model outputs that must never reach synthesis as
// if they were per-share prices.
var aggregateKeys = []string{"enterprise_value", "equity_value", "intrinsic_value", "market_cap", "dcf_value"}

// anchorMetricKeys are the per-share anchors the fundamental analyst
// may expose; each is plausibility-checked against the current price.
var anchorMetricKeys = []string{"intrinsic_value_per_share", "analyst_target_price"}

// NewFundamentalAnalyst builds the fundamental analyst. Its opinion may
// carry the intrinsic_value_per_share and analyst_target_price anchors
// the synthesis stage prices targets from, so the model output is
// scrubbed of aggregate-value figures and implausible per-share values
// before it leaves this function.
func NewFundamentalAnalyst(client llm.LLMClient) AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		f := actx.Fundamentals
		if f == nil {
			return nil, Permanentf("fundamental: fundamentals unavailable for %s", actx.Symbol)
		}

		price := actx.EntryPrice()
		userPrompt := fmt.Sprintf(`Assess the fundamentals of %s and provide an investment recommendation.

Current Price: $%.2f

Financial Snapshot:
%s

Provide your assessment in the following JSON format:
{
  "recommendation": "STRONG_BUY" | "BUY" | "HOLD" | "SELL" | "STRONG_SELL",
  "confidence": 0.0-1.0,
  "rationale": "detailed explanation of your fundamental analysis",
  "key_metrics": {
    "intrinsic_value_per_share": your per-share fair value estimate in USD,
    "analyst_target_price": your 12-month per-share price target in USD
  }
}`,
			actx.Symbol,
			price,
			formatJSON(f),
		)

		op, err := narrate(ctx, client, AgentFundamental, actx, fundamentalSystemPrompt, userPrompt)
		if err != nil {
			return nil, err
		}

		scrubAnchors(op, price)
		return op, nil
	}
}

// scrubAnchors drops aggregate-value keys and per-share anchors whose
// magnitude says the model confused a total with a per-share figure.
func scrubAnchors(op *analysis.Opinion, price float64) {
	if op.KeyMetrics == nil {
		return
	}
	for _, key := range aggregateKeys {
		if _, ok := op.KeyMetrics[key]; ok {
			delete(op.KeyMetrics, key)
			log.Warn().
				Str("symbol", op.Symbol).
				Str("key", key).
				Msg("aggregate valuation figure dropped from fundamental opinion")
		}
	}
	if price <= 0 {
		return
	}
	for _, key := range anchorMetricKeys {
		v, ok := op.KeyMetrics[key]
		if !ok {
			continue
		}
		if v <= 0 || v > price*20 || v < price*0.05 {
			delete(op.KeyMetrics, key)
			log.Warn().
				Str("symbol", op.Symbol).
				Str("key", key).
				Float64("value", v).
				Float64("price", price).
				Msg("implausible per-share anchor dropped from fundamental opinion")
		}
	}
}
