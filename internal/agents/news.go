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

const newsSystemPrompt = `You are an expert news intelligence agent for equity markets.

Your role is to judge whether recent news materially changes the investment case for a stock.

Key responsibilities:
- Separate market-moving news from noise
- Judge the direction and durability of each story's impact
- Weigh primary sources over aggregators
- Generate STRONG_BUY, BUY, HOLD, SELL, or STRONG_SELL recommendations with confidence scores

Guidelines:
- Most news does not change the thesis; HOLD is the usual answer
- Old news is priced in; weight recency heavily
- Include a news_sentiment score between -1.0 and 1.0 in key_metrics

` + jsonOnly

const newsHeadlineLimit = 10

// NewNewsAnalyst builds the news analyst. Headlines come from the
// research gateway when one is configured, topped up from the market
// provider; the model judges their materiality.
func NewNewsAnalyst(fetcher market.Fetcher, client llm.LLMClient, gw *research.Gateway) AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		var lines []string

		if gw != nil && gw.Available() {
			query := fmt.Sprintf("%s stock news", actx.Symbol)
			headlines, err := gw.SearchNews(ctx, query, newsHeadlineLimit)
			if err != nil {
				log.Debug().Err(err).Str("symbol", actx.Symbol).Msg("research news search failed")
			}
			for _, h := range headlines {
				lines = append(lines, fmt.Sprintf("- [%s] %s", h.Source, h.Title))
			}
		}

		items, err := fetcher.GetNews(ctx, actx.Symbol, newsHeadlineLimit)
		if err != nil {
			if len(lines) == 0 {
				return nil, fmt.Errorf("news: %w", err)
			}
			log.Debug().Err(err).Str("symbol", actx.Symbol).Msg("provider news unavailable, using research headlines only")
		}
		for _, item := range items {
			if len(lines) >= 2*newsHeadlineLimit {
				break
			}
			lines = append(lines, fmt.Sprintf("- [%s] %s (sentiment %+.2f)", item.Source, item.Title, item.Sentiment))
		}

		if len(lines) == 0 {
			return &analysis.Opinion{
				AgentID:        AgentNews,
				Symbol:         actx.Symbol,
				Recommendation: analysis.Hold,
				Confidence:     0.3,
				Rationale:      "no recent news coverage found",
				KeyMetrics:     map[string]float64{"news_sentiment": 0, "headline_count": 0},
			}, nil
		}

		userPrompt := fmt.Sprintf(`Judge whether recent news changes the investment case for %s.

Recent headlines:
%s

Provide your assessment in the following JSON format:
{
  "recommendation": "STRONG_BUY" | "BUY" | "HOLD" | "SELL" | "STRONG_SELL",
  "confidence": 0.0-1.0,
  "rationale": "which stories matter, their direction, and why",
  "key_metrics": {
    "news_sentiment": -1.0 to 1.0
  }
}`,
			actx.Symbol,
			strings.Join(lines, "\n"),
		)

		op, err := narrate(ctx, client, AgentNews, actx, newsSystemPrompt, userPrompt)
		if err != nil {
			return nil, err
		}
		setMetric(op, "headline_count", float64(len(lines)))
		return op, nil
	}
}
