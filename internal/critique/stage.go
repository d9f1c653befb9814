// Package critique is the independent validator that runs after
// synthesis: it re-checks the price and confidence invariants on a
// final artifact, auto-corrects what it can and flags the rest.
package critique

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/consensus"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

const (
	minRiskReward = 1.0
	sharpeFloor   = 0.5
	lowAgreement  = 0.3
	agreementCap  = 0.6
	degradedCap   = 0.5

	// A stop within this distance of a reported VaR figure is assumed
	// to be the VaR dollar amount pasted in as a price.
	varEpsilon = 1e-9

	riskAgent = "risk"
)

// Stage re-verifies artifacts. Corrections recompute prices with the
// same defaults synthesis uses.
type Stage struct {
	atrMultiplier float64
}

// NewStage builds the validator; it shares the synthesis configuration
// so recomputed stops use the same ATR multiplier.
func NewStage(cfg config.SynthesisConfig) *Stage {
	return &Stage{atrMultiplier: cfg.StopLossATRMultiplier}
}

// Review runs all checks against the artifact, mutating it in place
// where a correction applies, and merges the verdict into it. The
// returned result is the same one stored on the artifact.
func (s *Stage) Review(art *synthesis.FinalArtifact, opinions []*analysis.Opinion, degraded bool) *synthesis.CritiqueResult {
	if art == nil {
		return nil
	}

	res := &synthesis.CritiqueResult{Passed: true, ReviewedAt: time.Now().UTC()}
	original := art.Confidence
	entry := art.EntryPrice.Value
	pricesCorrected := false

	// 1. Stop/target/entry ordering.
	if art.Actionable() && !orderingValid(art) {
		s.recomputePrices(art, opinions)
		pricesCorrected = true
		s.flag(res, art, synthesis.FlagSynthesisCorrected, fmt.Sprintf(
			"price ordering violated for %s: recomputed stop %.2f and target %.2f",
			art.Action, art.StopLoss.Value, art.TargetPrice.Value))
	}

	// 2. Risk/reward floor on actionable plans.
	if art.Actionable() && art.RiskRewardRatio.Value < minRiskReward {
		prev := art.Action
		art.DowngradeToHold()
		s.flag(res, art, synthesis.FlagRRBelowOne, fmt.Sprintf(
			"risk/reward %.2f below %.1f: %s downgraded to HOLD",
			art.RiskRewardRatio.Value, minRiskReward, prev))
	}

	// 3. The stop must be a positive price, not a VaR dollar amount.
	if reason, bad := stopNotAPrice(art, opinions); bad {
		s.recomputeStop(art, opinions)
		pricesCorrected = true
		s.flag(res, art, synthesis.FlagStopNotAPrice, fmt.Sprintf(
			"%s: recomputed stop %.2f", reason, art.StopLoss.Value))

		if art.Actionable() && art.RiskRewardRatio.Value < minRiskReward {
			prev := art.Action
			art.DowngradeToHold()
			s.flag(res, art, synthesis.FlagRRBelowOne, fmt.Sprintf(
				"risk/reward %.2f below %.1f after stop correction: %s downgraded to HOLD",
				art.RiskRewardRatio.Value, minRiskReward, prev))
		}
	}

	// 4. Re-verify the sharpe/risk-level override.
	level := synthesis.RiskLevelOf(opinions)
	sharpe, hasSharpe := synthesis.MetricFrom(opinions, "sharpe_ratio", riskAgent)
	if consensus.IsBuy(art.Action) && hasSharpe && sharpe < sharpeFloor &&
		(level == "HIGH" || level == "VERY_HIGH") {
		prev := art.Action
		art.DowngradeToHold()
		s.flag(res, art, synthesis.FlagRiskOverride, fmt.Sprintf(
			"sharpe %.2f below %.1f with %s risk: %s downgraded to HOLD",
			sharpe, sharpeFloor, level, prev))
	}

	// 5. Low agreement caps confidence on actionable plans.
	if art.Actionable() && art.Consensus.AgreementLevel < lowAgreement && art.Confidence > agreementCap {
		art.Confidence = agreementCap
		s.flag(res, art, synthesis.FlagConfidenceCapped, fmt.Sprintf(
			"agreement %.2f below %.1f: confidence capped at %.1f",
			art.Consensus.AgreementLevel, lowAgreement, agreementCap))
	}

	// 6. A degraded context marks the artifact and caps confidence.
	if degraded {
		art.AddQualityFlag(synthesis.FlagContextDegraded)
		res.Flags = append(res.Flags, synthesis.FlagContextDegraded)
		metrics.RecordCritiqueFlag(synthesis.FlagContextDegraded)
		if art.Confidence > degradedCap {
			art.Confidence = degradedCap
			res.Corrections = append(res.Corrections, fmt.Sprintf(
				"degraded context: confidence capped at %.1f", degradedCap))
		}
	}

	if pricesCorrected && art.Actionable() {
		shares := 0.0
		if rec := art.PositionSizing.RecommendedScenario(); rec != nil {
			shares = rec.Shares.Value
		}
		art.Orders = synthesis.BracketOrders(art.Action, entry, art.StopLoss.Value, art.TargetPrice.Value, shares)
	}

	res.ConfidenceDelta = art.Confidence - original
	res.Passed = len(res.Corrections) == 0 && len(res.Flags) == 0
	art.Critique = res

	if res.Passed {
		log.Debug().Str("symbol", art.Symbol).Str("action", art.Action).Msg("artifact passed critique")
	} else {
		log.Warn().
			Str("symbol", art.Symbol).
			Str("action", art.Action).
			Strs("flags", res.Flags).
			Float64("confidence_delta", res.ConfidenceDelta).
			Msg("critique corrected artifact")
	}
	return res
}

func (s *Stage) flag(res *synthesis.CritiqueResult, art *synthesis.FinalArtifact, flag, correction string) {
	res.Flags = append(res.Flags, flag)
	res.Corrections = append(res.Corrections, correction)
	art.AddQualityFlag(flag)
	metrics.RecordCritiqueFlag(flag)
	log.Warn().Str("symbol", art.Symbol).Str("flag", flag).Msg(correction)
}

func orderingValid(art *synthesis.FinalArtifact) bool {
	entry := art.EntryPrice.Value
	stop := art.StopLoss.Value
	target := art.TargetPrice.Value
	if consensus.IsSell(art.Action) {
		return target < entry && entry < stop
	}
	return stop < entry && entry < target
}

func stopNotAPrice(art *synthesis.FinalArtifact, opinions []*analysis.Opinion) (string, bool) {
	if art.StopLoss.Value <= 0 {
		return fmt.Sprintf("stop %.2f is not a positive price", art.StopLoss.Value), true
	}
	if v, ok := synthesis.MetricFrom(opinions, "var_95", riskAgent); ok && math.Abs(art.StopLoss.Value-v) < varEpsilon {
		return fmt.Sprintf("stop %.2f equals reported var_95, a loss amount rather than a price", v), true
	}
	return "", false
}

// recomputePrices rebuilds stop, target and ratio from the synthesis
// defaults, discarding whatever the artifact carried.
func (s *Stage) recomputePrices(art *synthesis.FinalArtifact, opinions []*analysis.Opinion) {
	entry := art.EntryPrice.Value
	atr, _ := synthesis.MetricFrom(opinions, "atr", "technical", riskAgent)
	distance := synthesis.StopDistance(entry, atr, s.atrMultiplier)
	art.StopLoss = synthesis.USD(synthesis.StopPrice(art.Action, entry, distance), "recomputed protective stop")
	art.TargetPrice = synthesis.USD(synthesis.FormulaTarget(art.Action, entry, art.Consensus.ConsensusScore), "recomputed score-scaled target")
	art.RiskRewardRatio = synthesis.Ratio(
		synthesis.RiskReward(art.Action, entry, art.StopLoss.Value, art.TargetPrice.Value),
		"reward per unit of risk")
}

// recomputeStop rebuilds only the stop. The ratio follows when the
// plan is actionable; a HOLD keeps its informational ratio.
func (s *Stage) recomputeStop(art *synthesis.FinalArtifact, opinions []*analysis.Opinion) {
	entry := art.EntryPrice.Value
	atr, _ := synthesis.MetricFrom(opinions, "atr", "technical", riskAgent)
	distance := synthesis.StopDistance(entry, atr, s.atrMultiplier)
	art.StopLoss = synthesis.USD(synthesis.StopPrice(art.Action, entry, distance), "recomputed protective stop")
	if art.Actionable() {
		art.RiskRewardRatio = synthesis.Ratio(
			synthesis.RiskReward(art.Action, entry, art.StopLoss.Value, art.TargetPrice.Value),
			"reward per unit of risk")
	}
}
