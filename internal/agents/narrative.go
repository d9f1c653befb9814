package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/llm"
)

// jsonOnly is the shared tail of every narrative system prompt
const jsonOnly = "Respond ONLY with valid JSON in the specified format. Do not include explanatory text outside the JSON."

// modelOpinion is the JSON shape narrative analysts require from the
// model. Anything that does not parse into it is a contract violation
// and is never retried.
type modelOpinion struct {
	Recommendation string             `json:"recommendation"`
	Confidence     float64            `json:"confidence"`
	Rationale      string             `json:"rationale"`
	KeyMetrics     map[string]float64 `json:"key_metrics"`
}

// narrate runs one narrative completion and shapes the model output
// into an opinion. Provider failures keep their classification so the
// runtime can retry transient ones; malformed output is permanent.
func narrate(ctx context.Context, client llm.LLMClient, agentID string, actx *Context, systemPrompt, userPrompt string) (*analysis.Opinion, error) {
	if client == nil {
		return nil, Permanentf("%s: llm client not configured", agentID)
	}

	content, err := client.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("%s model call: %w", agentID, err)
	}

	var mo modelOpinion
	if err := client.ParseJSONResponse(content, &mo); err != nil {
		return nil, Permanent(fmt.Errorf("%s returned malformed output: %w", agentID, err))
	}

	recommendation := strings.TrimSpace(mo.Recommendation)
	if recommendation == "" {
		return nil, Permanentf("%s returned no recommendation", agentID)
	}

	return &analysis.Opinion{
		AgentID:        agentID,
		Symbol:         actx.Symbol,
		Recommendation: recommendation,
		Confidence:     clamp01(mo.Confidence),
		Rationale:      strings.TrimSpace(mo.Rationale),
		KeyMetrics:     mo.KeyMetrics,
	}, nil
}

// formatJSON renders a value as indented JSON for prompt interpolation
func formatJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// setMetric fills a key metric on an opinion, creating the map if the
// model omitted it entirely.
func setMetric(op *analysis.Opinion, key string, value float64) {
	if op.KeyMetrics == nil {
		op.KeyMetrics = map[string]float64{}
	}
	op.KeyMetrics[key] = value
}
