package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/market"
)

// insiderLookback is how far back filed transactions count
const insiderLookback = 90 * 24 * time.Hour

// clusterBuyers is the distinct-buyer count treated as cluster buying
const clusterBuyers = 3

// NewInsiderAnalyst builds the insider-activity analyst. Buying is
// weighted more heavily than selling, since insiders sell for many
// reasons but buy for one.
func NewInsiderAnalyst(fetcher market.Fetcher) AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		txs, err := fetcher.GetInsiderActivity(ctx, actx.Symbol)
		if err != nil {
			return nil, fmt.Errorf("insider_activity: %w", err)
		}

		cutoff := time.Now().UTC().Add(-insiderLookback)
		var buyValue, sellValue float64
		buyers := map[string]bool{}
		count := 0
		for _, tx := range txs {
			if tx.FiledAt.Before(cutoff) {
				continue
			}
			count++
			switch tx.Type {
			case "buy":
				buyValue += tx.Value
				buyers[tx.Insider] = true
			case "sell":
				sellValue += tx.Value
			}
		}

		if count == 0 {
			return &analysis.Opinion{
				AgentID:        AgentInsiderActivity,
				Symbol:         actx.Symbol,
				Recommendation: analysis.Hold,
				Confidence:     0.3,
				Rationale:      "no insider transactions filed in the last 90 days",
				KeyMetrics:     map[string]float64{"insider_tx_count": 0},
			}, nil
		}

		total := buyValue + sellValue
		buyRatio := 0.5
		if total > 0 {
			buyRatio = buyValue / total
		}

		var recommendation, rationale string
		var confidence float64
		switch {
		case len(buyers) >= clusterBuyers && buyRatio > 0.7:
			recommendation = analysis.StrongBuy
			confidence = 0.8
			rationale = fmt.Sprintf("cluster buying: %d insiders bought $%.0fk against $%.0fk sold", len(buyers), buyValue/1000, sellValue/1000)
		case buyRatio > 0.65:
			recommendation = analysis.Buy
			confidence = 0.5 + 0.3*(buyRatio-0.65)/0.35
			rationale = fmt.Sprintf("net insider buying: $%.0fk bought vs $%.0fk sold", buyValue/1000, sellValue/1000)
		case buyRatio < 0.35:
			// Selling is a weak signal; cap the conviction.
			recommendation = analysis.Sell
			confidence = 0.35 + 0.15*(0.35-buyRatio)/0.35
			rationale = fmt.Sprintf("net insider selling: $%.0fk sold vs $%.0fk bought", sellValue/1000, buyValue/1000)
		default:
			recommendation = analysis.Hold
			confidence = 0.4
			rationale = fmt.Sprintf("balanced insider activity across %d transactions", count)
		}

		// Small-dollar activity earns less conviction.
		weight := total / 5e6
		if weight > 1 {
			weight = 1
		}
		confidence *= 0.6 + 0.4*weight

		return &analysis.Opinion{
			AgentID:        AgentInsiderActivity,
			Symbol:         actx.Symbol,
			Recommendation: recommendation,
			Confidence:     confidence,
			Rationale:      rationale,
			KeyMetrics: map[string]float64{
				"insider_buy_ratio": buyRatio,
				"insider_net_value": buyValue - sellValue,
				"insider_tx_count":  float64(count),
				"distinct_buyers":   float64(len(buyers)),
			},
		}, nil
	}
}
