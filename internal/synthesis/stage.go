package synthesis

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/consensus"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
	"github.com/stockcouncil/stockcouncil/internal/risk"
)

const (
	defaultATRMultiplier = 2.0
	defaultAccountValue  = 100000.0
	fallbackStopPct      = 0.02 // of entry, when no usable ATR

	// Score-scaled target: entry x (1 +/- min(base + scale*score, max)).
	targetBasePct  = 0.10
	targetScalePct = 0.05
	targetMaxPct   = 0.25

	// Anchored targets outside [0.5x, 3x] entry are treated as garbage.
	sanityWindowLow  = 0.5
	sanityWindowHigh = 3.0

	minRiskReward = 1.0
	holdWatchBand = 0.05 // watch levels at entry +/- 5%
	quarterKelly  = 0.25

	riskAgentID         = "risk"
	fallbackConfidence  = 0.3
	fallbackStopFactor  = 0.90
	fallbackTargetBoost = 1.05
	maxCatalysts        = 3
)

// anchorKeys are the per-share target anchors, in preference order.
// Enterprise-value figures are never accepted as a per-share price.
var anchorKeys = []string{"intrinsic_value_per_share", "analyst_target_price"}

// Stage derives final artifacts from consensus results and the
// structured key metrics reported by the analyst agents.
type Stage struct {
	atrMultiplier float64
	accountValue  float64
	fractions     config.RiskFractions
}

// NewStage builds a stage from configuration, filling unset knobs with
// the standard defaults.
func NewStage(cfg config.SynthesisConfig) *Stage {
	s := &Stage{
		atrMultiplier: cfg.StopLossATRMultiplier,
		accountValue:  cfg.AccountValue,
		fractions:     cfg.RiskFractions,
	}
	if s.atrMultiplier <= 0 {
		s.atrMultiplier = defaultATRMultiplier
	}
	if s.accountValue <= 0 {
		s.accountValue = defaultAccountValue
	}
	if s.fractions.Conservative <= 0 {
		s.fractions.Conservative = 0.01
	}
	if s.fractions.Moderate <= 0 {
		s.fractions.Moderate = 0.02
	}
	if s.fractions.Aggressive <= 0 {
		s.fractions.Aggressive = 0.05
	}
	return s
}

// Build derives the full trade plan for one symbol. The entry price is
// the current quote; stops, targets, sizing and orders follow from it
// deterministically.
func (s *Stage) Build(quote *market.Quote, cons *consensus.Result, opinions []*analysis.Opinion) (*FinalArtifact, error) {
	if quote == nil || quote.Price <= 0 {
		return nil, fmt.Errorf("synthesis requires a quote with a positive price")
	}
	if cons == nil {
		return nil, fmt.Errorf("synthesis requires a consensus result")
	}

	entry := quote.Price
	action := cons.Recommendation
	if action == "" {
		action = analysis.Hold
	}

	atr, _ := MetricFrom(opinions, "atr", "technical", riskAgentID)
	distance := StopDistance(entry, atr, s.atrMultiplier)
	stop := StopPrice(action, entry, distance)

	target, anchor, anchorRejected := s.target(action, entry, cons.ConsensusScore, opinions)

	var flags []string
	if anchorRejected {
		flags = append(flags, FlagAnchorRejected)
	}

	var rr float64
	if consensus.IsBuy(action) || consensus.IsSell(action) {
		rr = RiskReward(action, entry, stop, target)
		if rr < minRiskReward {
			log.Warn().
				Str("symbol", quote.Symbol).
				Str("action", action).
				Float64("risk_reward", rr).
				Msg("risk/reward below floor, downgrading to HOLD")
			action = analysis.Hold
			flags = append(flags, FlagRRFloorViolated)
		}
	} else {
		// Informational ratio for HOLD: upside to the upper watch
		// level against the protective stop.
		rr = RiskReward(analysis.Buy, entry, stop, entry*(1+holdWatchBand))
	}

	level := RiskLevelOf(opinions)
	reward := math.Abs(target - entry)
	if reward <= 0 {
		reward = entry * holdWatchBand
	}
	sizing := s.positionSizing(entry, distance, reward, cons.Confidence, level)

	rationale, catalysts, risks := narrative(cons, opinions, action)

	art := &FinalArtifact{
		Symbol:          quote.Symbol,
		Action:          action,
		Confidence:      cons.Confidence,
		EntryPrice:      USD(entry, "current price at synthesis"),
		StopLoss:        USD(stop, "protective stop price"),
		TargetPrice:     USD(target, targetDescription(anchor)),
		RiskRewardRatio: Ratio(rr, "reward per unit of risk"),
		TimeHorizon:     timeHorizon(action, anchor),
		PositionSizing:  sizing,
		Rationale:       rationale,
		Catalysts:       catalysts,
		Risks:           risks,
		QualityFlags:    flags,
		Consensus:       *cons,
		GeneratedAt:     time.Now().UTC(),
	}

	if art.Actionable() {
		shares := 0.0
		if rec := art.PositionSizing.RecommendedScenario(); rec != nil {
			shares = rec.Shares.Value
		}
		art.Orders = BracketOrders(action, entry, stop, target, shares)
	} else {
		art.WatchLevels = &WatchLevels{
			Lower: USD(entry*(1-holdWatchBand), "re-evaluate on a close below"),
			Upper: USD(entry*(1+holdWatchBand), "re-evaluate on a close above"),
		}
	}

	log.Debug().
		Str("symbol", art.Symbol).
		Str("action", art.Action).
		Float64("entry", entry).
		Float64("stop", stop).
		Float64("target", target).
		Float64("risk_reward", rr).
		Str("horizon", art.TimeHorizon).
		Str("sizing", sizing.Recommended).
		Msg("artifact synthesized")

	return art, nil
}

// Fallback builds the conservative artifact installed when synthesis
// fails: HOLD at low confidence with a 10% stop and a 5% target, so
// consumers always see a well-formed plan.
func (s *Stage) Fallback(symbol string, entry float64, cons *consensus.Result) *FinalArtifact {
	if cons == nil {
		cons = &consensus.Result{
			Recommendation: analysis.Hold,
			ConsensusScore: 0.5,
			Confidence:     fallbackConfidence,
			Reasoning:      "consensus unavailable",
		}
	}

	stop := entry * fallbackStopFactor
	target := entry * fallbackTargetBoost
	sizing := s.positionSizing(entry, entry-stop, target-entry, fallbackConfidence, "")
	sizing.Recommended = ProfileConservative

	art := &FinalArtifact{
		Symbol:          symbol,
		Action:          analysis.Hold,
		Confidence:      fallbackConfidence,
		EntryPrice:      USD(entry, "price at synthesis fallback"),
		StopLoss:        USD(stop, "fallback stop 10% below entry"),
		TargetPrice:     USD(target, "fallback target 5% above entry"),
		RiskRewardRatio: Ratio(RiskReward(analysis.Buy, entry, stop, target), "reward per unit of risk"),
		TimeHorizon:     HorizonShortTerm,
		PositionSizing:  sizing,
		WatchLevels: &WatchLevels{
			Lower: USD(entry*(1-holdWatchBand), "re-evaluate on a close below"),
			Upper: USD(entry*(1+holdWatchBand), "re-evaluate on a close above"),
		},
		Rationale:    "synthesis failed; conservative defaults installed",
		QualityFlags: []string{FlagSynthesisFallback},
		Consensus:    *cons,
		GeneratedAt:  time.Now().UTC(),
	}

	metrics.SynthesisFallbacks.Inc()
	log.Warn().Str("symbol", symbol).Float64("entry", entry).Msg("installed fallback artifact")
	return art
}

// DowngradeToHold rewrites the action to HOLD, drops the order scaffold
// and installs watch levels. Derived prices stay in place as evidence
// of the original plan.
func (a *FinalArtifact) DowngradeToHold() {
	a.Action = analysis.Hold
	a.Orders = nil
	a.TimeHorizon = HorizonShortTerm
	entry := a.EntryPrice.Value
	a.WatchLevels = &WatchLevels{
		Lower: USD(entry*(1-holdWatchBand), "re-evaluate on a close below"),
		Upper: USD(entry*(1+holdWatchBand), "re-evaluate on a close above"),
	}
}

// StopDistance returns the stop offset from entry. A positive ATR uses
// multiplier x ATR, otherwise the offset falls back to 2% of entry. An
// offset that would push a long stop to zero or below also falls back,
// so the stop always stays a positive price.
func StopDistance(entry, atr, multiplier float64) float64 {
	if multiplier <= 0 {
		multiplier = defaultATRMultiplier
	}
	d := fallbackStopPct * entry
	if atr > 0 {
		d = multiplier * atr
	}
	if d >= entry {
		d = fallbackStopPct * entry
	}
	return d
}

// StopPrice places the stop on the protective side of entry. SELL
// variants stop above, everything else below.
func StopPrice(action string, entry, distance float64) float64 {
	if consensus.IsSell(action) {
		return entry + distance
	}
	return entry - distance
}

// FormulaTarget is the score-scaled target used when no per-share
// anchor is available. HOLD keeps the entry.
func FormulaTarget(action string, entry, score float64) float64 {
	switch {
	case consensus.IsBuy(action):
		return entry * (1 + targetMove(score))
	case consensus.IsSell(action):
		return entry * (1 - targetMove(1-score))
	default:
		return entry
	}
}

func targetMove(score float64) float64 {
	move := targetBasePct + targetScalePct*score
	if move > targetMaxPct {
		move = targetMaxPct
	}
	return move
}

// RiskReward computes reward over risk in the action's direction.
// Degenerate geometry (zero or inverted risk) yields 0.
func RiskReward(action string, entry, stop, target float64) float64 {
	if consensus.IsSell(action) {
		riskDist := stop - entry
		if riskDist <= 0 {
			return 0
		}
		return (entry - target) / riskDist
	}
	riskDist := entry - stop
	if riskDist <= 0 {
		return 0
	}
	return (target - entry) / riskDist
}

// target picks the anchored per-share value when one exists, passes the
// sanity window and points the same way as the action, else the formula
// target. It also reports whether a present anchor had to be rejected.
func (s *Stage) target(action string, entry, score float64, opinions []*analysis.Opinion) (float64, string, bool) {
	sawAnchor := false
	for _, key := range anchorKeys {
		v, ok := MetricFrom(opinions, key, "fundamental", "valuation")
		if !ok {
			continue
		}
		sawAnchor = true
		if v < sanityWindowLow*entry || v > sanityWindowHigh*entry {
			log.Warn().
				Str("anchor", key).
				Float64("value", v).
				Float64("entry", entry).
				Msg("target anchor outside sanity window, ignoring")
			continue
		}
		if !directionallyConsistent(action, entry, v) {
			continue
		}
		return v, key, false
	}
	return FormulaTarget(action, entry, score), "", sawAnchor
}

func directionallyConsistent(action string, entry, v float64) bool {
	switch {
	case consensus.IsBuy(action):
		return v > entry
	case consensus.IsSell(action):
		return v < entry
	default:
		return true
	}
}

func targetDescription(anchor string) string {
	if anchor != "" {
		return "anchored to " + anchor
	}
	return "score-scaled target"
}

// timeHorizon maps the plan shape onto a horizon: HOLD plans are
// re-evaluated soon, valuation-anchored trades need time to converge,
// everything else is a swing position.
func timeHorizon(action, anchor string) string {
	switch {
	case !consensus.IsBuy(action) && !consensus.IsSell(action):
		return HorizonShortTerm
	case anchor != "":
		return HorizonLongTerm
	default:
		return HorizonMediumTerm
	}
}

// positionSizing produces the three fixed-fractional scenarios. The
// aggressive budget is the configured cap shrunk by a quarter-Kelly
// estimate when the edge is weak.
func (s *Stage) positionSizing(entry, riskPerShare, rewardPerShare, confidence float64, riskLevel string) PositionSizing {
	aggressive := s.fractions.Aggressive
	if kelly, err := risk.KellyFraction(confidence, rewardPerShare, riskPerShare, quarterKelly); err == nil && kelly < aggressive {
		aggressive = kelly
	}

	recommended := ProfileModerate
	if riskLevel == "HIGH" || riskLevel == "VERY_HIGH" {
		recommended = ProfileConservative
	}

	return PositionSizing{
		AccountValue: USD(s.accountValue, "account value assumed for sizing"),
		Recommended:  recommended,
		Scenarios: []PositionScenario{
			s.scenario(ProfileConservative, s.fractions.Conservative, entry, riskPerShare),
			s.scenario(ProfileModerate, s.fractions.Moderate, entry, riskPerShare),
			s.scenario(ProfileAggressive, aggressive, entry, riskPerShare),
		},
	}
}

// scenario sizes one risk budget: shares = budget x account / risk per
// share, floored, and capped so the position never exceeds the account.
func (s *Stage) scenario(profile string, budget, entry, riskPerShare float64) PositionScenario {
	var shares float64
	if budget > 0 && entry > 0 && riskPerShare > 0 {
		shares = math.Floor(budget * s.accountValue / riskPerShare)
		if maxShares := math.Floor(s.accountValue / entry); shares > maxShares {
			shares = maxShares
		}
	}
	value := shares * entry
	atRisk := shares * riskPerShare
	return PositionScenario{
		Profile:       profile,
		RiskBudget:    Percent(budget*100, "fraction of account risked"),
		Shares:        Shares(shares, "whole shares at this budget"),
		PositionValue: USD(value, "notional position value"),
		CapitalAtRisk: USD(atRisk, "loss if the stop is hit"),
		PositionPct:   Percent(value/s.accountValue*100, "position share of account"),
	}
}

// BracketOrders emits the entry, take-profit and stop legs for an
// actionable recommendation. The critique stage rebuilds the scaffold
// after correcting prices.
func BracketOrders(action string, entry, stop, target, shares float64) []Order {
	side, exitSide := "buy", "sell"
	if consensus.IsSell(action) {
		side, exitSide = "sell", "buy"
	}
	qty := Shares(shares, "recommended scenario size")
	return []Order{
		{Type: OrderEntry, Side: side, Price: USD(entry, "entry price"), Quantity: qty},
		{Type: OrderTakeProfit, Side: exitSide, Price: USD(target, "take profit price"), Quantity: qty},
		{Type: OrderStopLoss, Side: exitSide, Price: USD(stop, "protective stop price"), Quantity: qty},
	}
}

// narrative adopts the consensus reasoning and lifts the risk agent's
// view plus top supporting rationales into the artifact.
func narrative(cons *consensus.Result, opinions []*analysis.Opinion, finalAction string) (string, []string, []string) {
	var risks []string
	if riskOp := opinionBy(opinions, riskAgentID); riskOp != nil && riskOp.Rationale != "" {
		risks = append(risks, riskOp.Rationale)
	}
	risks = append(risks, cons.ConflictsResolved...)

	supporters := make([]consensus.AgentVote, 0, len(cons.AgentBreakdown))
	for _, vote := range cons.AgentBreakdown {
		if vote.AgentID == riskAgentID {
			continue
		}
		if sameDirection(vote.Normalized, finalAction) {
			supporters = append(supporters, vote)
		}
	}
	sort.Slice(supporters, func(i, j int) bool {
		if supporters[i].Weight != supporters[j].Weight {
			return supporters[i].Weight > supporters[j].Weight
		}
		return supporters[i].AgentID < supporters[j].AgentID
	})

	var catalysts []string
	for _, vote := range supporters {
		if len(catalysts) == maxCatalysts {
			break
		}
		if op := opinionBy(opinions, vote.AgentID); op != nil && op.Rationale != "" {
			catalysts = append(catalysts, op.Rationale)
		}
	}

	return cons.Reasoning, catalysts, risks
}

func sameDirection(a, b string) bool {
	switch {
	case consensus.IsBuy(a):
		return consensus.IsBuy(b)
	case consensus.IsSell(a):
		return consensus.IsSell(b)
	default:
		return !consensus.IsBuy(b) && !consensus.IsSell(b)
	}
}

func opinionBy(opinions []*analysis.Opinion, agentID string) *analysis.Opinion {
	for _, op := range opinions {
		if op != nil && op.AgentID == agentID {
			return op
		}
	}
	return nil
}

// MetricFrom returns the named key metric, preferring the given agent
// ids in order before falling back to any opinion that reports it.
func MetricFrom(opinions []*analysis.Opinion, key string, preferred ...string) (float64, bool) {
	for _, id := range preferred {
		for _, op := range opinions {
			if op == nil || op.AgentID != id {
				continue
			}
			if v, ok := op.Metric(key); ok {
				return v, true
			}
		}
	}
	for _, op := range opinions {
		if op == nil {
			continue
		}
		if v, ok := op.Metric(key); ok {
			return v, true
		}
	}
	return 0, false
}

// RiskLevelOf returns the risk agent's level label, uppercased, or the
// empty string when no risk opinion is present.
func RiskLevelOf(opinions []*analysis.Opinion) string {
	if op := opinionBy(opinions, riskAgentID); op != nil {
		return strings.ToUpper(strings.TrimSpace(op.Recommendation))
	}
	return ""
}
