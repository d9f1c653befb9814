package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
)

const (
	defaultBaseWeight = 0.10

	// An opinion more than 0.3 away from the final score on the
	// recommendation axis counts as a dissenter.
	dissentThreshold = 0.3

	// Below this agreement level the final confidence is damped.
	lowAgreementLevel = 0.3

	riskAgentID     = "risk"
	sharpeFloor     = 0.5
	drawdownCeiling = 0.30

	minConfidence = 0.1
	maxConfidence = 0.95
)

// defaultBaseWeights reflect how much each analyst's view moves the
// needle before confidence and track record scale it.
var defaultBaseWeights = map[string]float64{
	"fundamental":      0.35,
	"valuation":        0.30,
	"technical":        0.25,
	"risk":             0.20,
	"news":             0.15,
	"sentiment":        0.10,
	"macro":            0.10,
	"peer_comparison":  0.08,
	"insider_activity": 0.07,
	"catalyst":         0.05,
	"market":           0.05,
}

// Engine computes weighted consensus over agent opinions
type Engine struct {
	baseWeights map[string]float64
}

// Option customizes an Engine
type Option func(*Engine)

// WithBaseWeights overrides base weights for the given agents; agents
// not named keep their defaults.
func WithBaseWeights(overrides map[string]float64) Option {
	return func(e *Engine) {
		for agentID, w := range overrides {
			if w > 0 {
				e.baseWeights[agentID] = w
			}
		}
	}
}

// NewEngine creates a consensus engine with default base weights
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		baseWeights: make(map[string]float64, len(defaultBaseWeights)),
	}
	for agentID, w := range defaultBaseWeights {
		e.baseWeights[agentID] = w
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BaseWeight returns the configured base weight for an agent
func (e *Engine) BaseWeight(agentID string) float64 {
	if w, ok := e.baseWeights[agentID]; ok {
		return w
	}
	return defaultBaseWeight
}

// Evaluate computes the consensus for one symbol's opinions. Invalid
// opinions are skipped; with none usable a conservative HOLD fallback
// is returned so downstream stages always have a result.
func (e *Engine) Evaluate(symbol string, opinions []*analysis.Opinion) *Result {
	usable := make([]*analysis.Opinion, 0, len(opinions))
	for _, op := range opinions {
		if op == nil {
			continue
		}
		if err := op.Validate(); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Skipping invalid opinion in consensus")
			continue
		}
		usable = append(usable, op)
	}

	if len(usable) == 0 {
		log.Warn().Str("symbol", symbol).Msg("No usable opinions, returning fallback consensus")
		return &Result{
			Recommendation: analysis.Hold,
			ConsensusScore: scoreHold,
			AgreementLevel: 0,
			Confidence:     0.3,
			Reasoning:      "insufficient data",
		}
	}

	weights := e.normalizedWeights(usable)

	// Tally weighted votes per canonical class.
	canon := make([]string, len(usable))
	votes := make(map[string]float64, len(analysis.FivePointScale))
	for _, rec := range analysis.FivePointScale {
		votes[rec] = 0
	}
	for i, op := range usable {
		canon[i] = Normalize(op.Recommendation)
		votes[canon[i]] += weights[i]
	}

	score := 0.0
	for rec, v := range votes {
		score += v * Score(rec)
	}
	recommendation := Bucket(score)

	recommendation, score, conflicts := e.applyRiskAdjustment(usable, recommendation, score)

	agreement := 0.0
	weightedConfidence := 0.0
	for i, op := range usable {
		agreement += weights[i] * matchScore(canon[i], recommendation)
		weightedConfidence += weights[i] * op.Confidence
	}

	finalScore := Score(recommendation)
	var dissenters []Dissenter
	for i, op := range usable {
		divergence := math.Abs(Score(canon[i]) - finalScore)
		if divergence > dissentThreshold {
			dissenters = append(dissenters, Dissenter{
				AgentID:        op.AgentID,
				Recommendation: canon[i],
				Confidence:     op.Confidence,
				Weight:         weights[i],
				Divergence:     divergence,
			})
		}
	}
	sort.Slice(dissenters, func(i, j int) bool {
		if dissenters[i].Weight != dissenters[j].Weight {
			return dissenters[i].Weight > dissenters[j].Weight
		}
		return dissenters[i].AgentID < dissenters[j].AgentID
	})

	conviction := 2 * math.Abs(score-0.5)
	confidence := 0.4*agreement + 0.4*weightedConfidence + 0.2*conviction
	if agreement < lowAgreementLevel {
		confidence *= 0.7
	}
	confidence = math.Min(math.Max(confidence, minConfidence), maxConfidence)

	breakdown := make([]AgentVote, len(usable))
	for i, op := range usable {
		breakdown[i] = AgentVote{
			AgentID:    op.AgentID,
			Raw:        op.Recommendation,
			Normalized: canon[i],
			Confidence: op.Confidence,
			Weight:     weights[i],
		}
	}

	result := &Result{
		Recommendation:    recommendation,
		ConsensusScore:    score,
		AgreementLevel:    agreement,
		Confidence:        confidence,
		WeightedVotes:     votes,
		Dissenters:        dissenters,
		ConflictsResolved: conflicts,
		AgentBreakdown:    breakdown,
	}
	result.Reasoning = composeReasoning(result, weightedConfidence)

	metrics.RecordConsensus(recommendation, agreement)
	log.Debug().
		Str("symbol", symbol).
		Str("recommendation", recommendation).
		Float64("score", score).
		Float64("agreement", agreement).
		Float64("confidence", confidence).
		Int("opinions", len(usable)).
		Int("dissenters", len(dissenters)).
		Msg("Consensus computed")

	return result
}

// normalizedWeights computes base_weight x confidence x accuracy per
// opinion, L1-normalized. If every product is zero the opinions share
// equal weight.
func (e *Engine) normalizedWeights(opinions []*analysis.Opinion) []float64 {
	weights := make([]float64, len(opinions))
	total := 0.0
	for i, op := range opinions {
		accuracy := op.HistoricalAccuracy
		if accuracy == 0 {
			accuracy = analysis.DefaultHistoricalAccuracy
		}
		weights[i] = e.BaseWeight(op.AgentID) * op.Confidence * accuracy
		total += weights[i]
	}

	if total <= 0 {
		equal := 1.0 / float64(len(weights))
		for i := range weights {
			weights[i] = equal
		}
		return weights
	}

	for i := range weights {
		weights[i] /= total
	}
	return weights
}

// applyRiskAdjustment downgrades bullish consensus when the risk agent
// reports hostile conditions.
func (e *Engine) applyRiskAdjustment(opinions []*analysis.Opinion, recommendation string, score float64) (string, float64, []string) {
	if !IsBuy(recommendation) {
		return recommendation, score, nil
	}

	var riskOp *analysis.Opinion
	for _, op := range opinions {
		if op.AgentID == riskAgentID {
			riskOp = op
			break
		}
	}
	if riskOp == nil {
		return recommendation, score, nil
	}

	level := strings.ToUpper(strings.TrimSpace(riskOp.Recommendation))
	elevated := level == "HIGH" || level == "VERY_HIGH"
	sharpe, hasSharpe := riskOp.Metric("sharpe_ratio")
	drawdown, hasDrawdown := riskOp.Metric("max_drawdown")

	var conflicts []string
	switch {
	case elevated && hasSharpe && sharpe < sharpeFloor:
		conflicts = append(conflicts, fmt.Sprintf(
			"risk override: sharpe %.2f below %.2f with %s risk, %s forced to HOLD",
			sharpe, sharpeFloor, level, recommendation))
		recommendation = analysis.Hold
		score = scoreHold

	case elevated && hasDrawdown && drawdown > drawdownCeiling:
		conflicts = append(conflicts, fmt.Sprintf(
			"risk override: max drawdown %.0f%% with %s risk, %s forced to HOLD",
			drawdown*100, level, recommendation))
		recommendation = analysis.Hold
		score = math.Max(score-0.2, scoreHold)

	case level == "HIGH":
		conflicts = append(conflicts, "elevated risk: consensus score damped by 20%")
		score *= 0.8
	}

	return recommendation, score, conflicts
}

// composeReasoning builds the human-readable consensus summary
func composeReasoning(r *Result, weightedConfidence float64) string {
	var parts []string

	var voteParts []string
	for _, rec := range analysis.FivePointScale {
		if v := r.WeightedVotes[rec]; v > 0.001 {
			voteParts = append(voteParts, fmt.Sprintf("%s %.0f%%", rec, v*100))
		}
	}
	parts = append(parts, fmt.Sprintf("votes: %s", strings.Join(voteParts, ", ")))
	parts = append(parts, fmt.Sprintf("agreement %.0f%%", r.AgreementLevel*100))

	supporters := make([]AgentVote, 0, len(r.AgentBreakdown))
	for _, vote := range r.AgentBreakdown {
		if matchScore(vote.Normalized, r.Recommendation) > 0 {
			supporters = append(supporters, vote)
		}
	}
	sort.Slice(supporters, func(i, j int) bool {
		if supporters[i].Weight != supporters[j].Weight {
			return supporters[i].Weight > supporters[j].Weight
		}
		return supporters[i].AgentID < supporters[j].AgentID
	})
	if len(supporters) > 3 {
		supporters = supporters[:3]
	}
	if len(supporters) > 0 {
		names := make([]string, len(supporters))
		for i, s := range supporters {
			names[i] = fmt.Sprintf("%s (w=%.2f)", s.AgentID, s.Weight)
		}
		parts = append(parts, fmt.Sprintf("led by %s", strings.Join(names, ", ")))
	}

	if len(r.Dissenters) > 0 {
		names := make([]string, len(r.Dissenters))
		for i, d := range r.Dissenters {
			names[i] = d.AgentID
		}
		parts = append(parts, fmt.Sprintf("dissent from %s", strings.Join(names, ", ")))
	}

	parts = append(parts, r.ConflictsResolved...)
	parts = append(parts, fmt.Sprintf("avg confidence %.2f", weightedConfidence))

	return fmt.Sprintf("%s (score %.2f): %s", r.Recommendation, r.ConsensusScore, strings.Join(parts, "; "))
}
