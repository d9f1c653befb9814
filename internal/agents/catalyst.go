package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/llm"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/research"
)

const catalystSystemPrompt = `You are an expert catalyst tracking agent for equity markets.

Your role is to identify discrete upcoming events that could reprice a stock.

Key responsibilities:
- Find scheduled catalysts: earnings dates, product launches, regulatory decisions, index changes
- Judge each catalyst's direction and the market's positioning into it
- Distinguish binary events from gradual developments
- Generate STRONG_BUY, BUY, HOLD, SELL, or STRONG_SELL recommendations with confidence scores

Guidelines:
- A stock with no identifiable catalyst is a HOLD from this lens
- Binary events cut both ways; positioning matters more than the event itself
- Include catalyst_count and a catalyst_score between -1.0 and 1.0 in key_metrics

` + jsonOnly

const catalystHeadlineLimit = 8

// NewCatalystAnalyst builds the catalyst analyst. It hunts for
// scheduled events in research-gateway results and provider headlines.
func NewCatalystAnalyst(fetcher market.Fetcher, client llm.LLMClient, gw *research.Gateway) AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		var lines []string

		if gw != nil && gw.Available() {
			query := fmt.Sprintf("%s upcoming earnings catalyst events", actx.Symbol)
			headlines, err := gw.SearchNews(ctx, query, catalystHeadlineLimit)
			if err != nil {
				log.Debug().Err(err).Str("symbol", actx.Symbol).Msg("research catalyst search failed")
			}
			for _, h := range headlines {
				lines = append(lines, fmt.Sprintf("- [%s] %s", h.Source, h.Title))
			}
		}

		items, err := fetcher.GetNews(ctx, actx.Symbol, catalystHeadlineLimit)
		if err != nil {
			if len(lines) == 0 {
				return nil, fmt.Errorf("catalyst: %w", err)
			}
			log.Debug().Err(err).Str("symbol", actx.Symbol).Msg("provider news unavailable for catalyst scan")
		}
		for _, item := range items {
			lines = append(lines, fmt.Sprintf("- [%s] %s", item.Source, item.Title))
		}

		if len(lines) == 0 {
			return &analysis.Opinion{
				AgentID:        AgentCatalyst,
				Symbol:         actx.Symbol,
				Recommendation: analysis.Hold,
				Confidence:     0.3,
				Rationale:      "no identifiable upcoming catalysts",
				KeyMetrics:     map[string]float64{"catalyst_count": 0, "catalyst_score": 0},
			}, nil
		}

		userPrompt := fmt.Sprintf(`Identify upcoming catalysts for %s from the coverage below and judge their likely direction.

Coverage:
%s

Provide your assessment in the following JSON format:
{
  "recommendation": "STRONG_BUY" | "BUY" | "HOLD" | "SELL" | "STRONG_SELL",
  "confidence": 0.0-1.0,
  "rationale": "each catalyst you found, its timing, and its likely direction",
  "key_metrics": {
    "catalyst_count": number of discrete catalysts identified,
    "catalyst_score": -1.0 to 1.0 net directional pull
  }
}`,
			actx.Symbol,
			strings.Join(lines, "\n"),
		)

		return narrate(ctx, client, AgentCatalyst, actx, catalystSystemPrompt, userPrompt)
	}
}
