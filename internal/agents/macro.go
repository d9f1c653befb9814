package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/llm"
)

const macroSystemPrompt = `You are an expert macroeconomic analysis agent for equity markets.

Your role is to judge how the macro backdrop treats one company given its sector and rate sensitivity.

Key responsibilities:
- Assess the rate, inflation, and growth environment for the sector
- Judge cyclical positioning: early, mid, or late cycle
- Weigh currency and commodity exposure where the sector implies it
- Generate STRONG_BUY, BUY, HOLD, SELL, or STRONG_SELL recommendations with confidence scores

Guidelines:
- Macro is a slow force; avoid high-confidence calls from macro alone
- High-beta names amplify whatever the macro backdrop does
- Include a macro_risk score between 0.0 (benign) and 1.0 (hostile) in key_metrics

` + jsonOnly

// NewMacroAnalyst builds the macro analyst. It needs only the sector
// and beta, so it keeps working on a degraded context.
func NewMacroAnalyst(client llm.LLMClient) AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		sector := actx.Sector
		if sector == "" {
			sector = "unknown"
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Assess the current macroeconomic backdrop for %s, a company in the %s sector.\n\n", actx.Symbol, sector)
		if actx.Fundamentals != nil {
			fmt.Fprintf(&sb, "Beta: %.2f\n", actx.Fundamentals.Beta)
			if actx.Fundamentals.Industry != "" {
				fmt.Fprintf(&sb, "Industry: %s\n", actx.Fundamentals.Industry)
			}
			sb.WriteString("\n")
		}
		if actx.Quote != nil {
			fmt.Fprintf(&sb, "Today's move: %+.2f%%\n\n", actx.Quote.ChangePercent)
		}
		sb.WriteString(`Provide your assessment in the following JSON format:
{
  "recommendation": "STRONG_BUY" | "BUY" | "HOLD" | "SELL" | "STRONG_SELL",
  "confidence": 0.0-1.0,
  "rationale": "the macro forces acting on this sector and their direction",
  "key_metrics": {
    "macro_risk": 0.0 to 1.0
  }
}`)

		return narrate(ctx, client, AgentMacro, actx, macroSystemPrompt, sb.String())
	}
}
