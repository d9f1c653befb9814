package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/llm"
	"github.com/stockcouncil/stockcouncil/internal/market"
)

const sentimentSystemPrompt = `You are an expert sentiment analysis agent for equity markets.

Your role is to read market sentiment from news coverage and provider sentiment scores.

Key responsibilities:
- Weigh recent headlines by relevance and tone
- Reconcile headline tone with the aggregate provider sentiment score
- Identify sentiment shifts rather than static levels
- Generate bullish, bearish, or neutral calls with confidence scores

Guidelines:
- A handful of headlines is weak evidence; temper your confidence accordingly
- Contradictory coverage means neutral, not a coin flip
- Include a sentiment_score between -1.0 (bearish) and 1.0 (bullish) in key_metrics

` + jsonOnly

const sentimentHeadlineLimit = 10

// NewSentimentAnalyst builds the sentiment analyst. It feeds provider
// sentiment and recent headlines to the model and emits a native
// bullish/bearish/neutral label the consensus engine normalizes. The
// sentiment_score key metric is the figure the drift monitor tracks.
func NewSentimentAnalyst(fetcher market.Fetcher, client llm.LLMClient) AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		summary, sumErr := fetcher.GetSentiment(ctx, actx.Symbol)
		if sumErr != nil {
			log.Debug().Err(sumErr).Str("symbol", actx.Symbol).Msg("provider sentiment unavailable")
		}
		items, newsErr := fetcher.GetNews(ctx, actx.Symbol, sentimentHeadlineLimit)
		if newsErr != nil {
			log.Debug().Err(newsErr).Str("symbol", actx.Symbol).Msg("provider news unavailable")
		}

		if sumErr != nil && newsErr != nil {
			// Nothing to read; surface the classified error for retry.
			return nil, fmt.Errorf("sentiment: %w", newsErr)
		}
		if summary == nil && len(items) == 0 {
			return &analysis.Opinion{
				AgentID:        AgentSentiment,
				Symbol:         actx.Symbol,
				Recommendation: "neutral",
				Confidence:     0.3,
				Rationale:      "no provider sentiment and no recent coverage",
				KeyMetrics:     map[string]float64{"sentiment_score": 0, "article_count": 0},
			}, nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Analyze the market sentiment for %s.\n\n", actx.Symbol)
		if summary != nil {
			fmt.Fprintf(&sb, "Provider sentiment score: %.2f across %d articles.\n\n", summary.Score, summary.ArticleCount)
		}
		if len(items) > 0 {
			sb.WriteString("Recent headlines:\n")
			for _, item := range items {
				fmt.Fprintf(&sb, "- [%s] %s (sentiment %+.2f)\n", item.Source, item.Title, item.Sentiment)
			}
			sb.WriteString("\n")
		}
		sb.WriteString(`Provide your assessment in the following JSON format:
{
  "recommendation": "bullish" | "bearish" | "neutral",
  "confidence": 0.0-1.0,
  "rationale": "what the coverage says and how convinced you are",
  "key_metrics": {
    "sentiment_score": -1.0 to 1.0
  }
}`)

		op, err := narrate(ctx, client, AgentSentiment, actx, sentimentSystemPrompt, sb.String())
		if err != nil {
			return nil, err
		}

		if _, ok := op.Metric("sentiment_score"); !ok && summary != nil {
			setMetric(op, "sentiment_score", summary.Score)
		}
		setMetric(op, "article_count", float64(len(items)))
		return op, nil
	}
}
