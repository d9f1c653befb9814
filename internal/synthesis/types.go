// Package synthesis derives a complete trade plan from a consensus
// result: ATR-based stop, anchored or score-scaled target, risk/reward,
// three-scenario position sizing and bracket orders, with every number
// carrying an explicit unit.
package synthesis

import (
	"time"

	"github.com/stockcouncil/stockcouncil/internal/consensus"
)

// Time horizons attached to a final artifact.
const (
	HorizonShortTerm  = "short_term"
	HorizonMediumTerm = "medium_term"
	HorizonLongTerm   = "long_term"
)

// Units carried by structured numerics.
const (
	UnitUSD     = "USD"
	UnitPercent = "percent"
	UnitRatio   = "ratio"
	UnitShares  = "shares"
)

// Quality flags appended to artifacts by the synthesis and critique
// stages and by the orchestrator's fallback path.
const (
	FlagRRFloorViolated    = "rr_floor_violated"
	FlagRRBelowOne         = "rr_below_one"
	FlagSynthesisCorrected = "synthesis_corrected"
	FlagSynthesisFallback  = "synthesis_fallback"
	FlagStopNotAPrice      = "stop_not_a_price"
	FlagAnchorRejected     = "target_anchor_rejected"
	FlagRiskOverride       = "risk_override_reapplied"
	FlagConfidenceCapped   = "confidence_capped"
	FlagContextDegraded    = "context_degraded"
)

// Position sizing profiles.
const (
	ProfileConservative = "conservative"
	ProfileModerate     = "moderate"
	ProfileAggressive   = "aggressive"
)

// Order legs of a bracket.
const (
	OrderEntry      = "entry"
	OrderTakeProfit = "take_profit"
	OrderStopLoss   = "stop_loss"
)

// Numeric is a unit-tagged value. Prices, ratios, percentages and share
// counts are never stored as bare floats so a dollar loss amount cannot
// be mistaken for a price downstream.
type Numeric struct {
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
	Description string  `json:"description,omitempty"`
}

// USD builds a dollar-denominated numeric.
func USD(value float64, description string) Numeric {
	return Numeric{Value: value, Unit: UnitUSD, Description: description}
}

// Percent builds a percentage numeric (0-100 scale).
func Percent(value float64, description string) Numeric {
	return Numeric{Value: value, Unit: UnitPercent, Description: description}
}

// Ratio builds a dimensionless ratio numeric.
func Ratio(value float64, description string) Numeric {
	return Numeric{Value: value, Unit: UnitRatio, Description: description}
}

// Shares builds a share-count numeric.
func Shares(value float64, description string) Numeric {
	return Numeric{Value: value, Unit: UnitShares, Description: description}
}

// PositionScenario is one fixed-fractional sizing outcome.
type PositionScenario struct {
	Profile       string  `json:"profile"`
	RiskBudget    Numeric `json:"risk_budget"`
	Shares        Numeric `json:"shares"`
	PositionValue Numeric `json:"position_value"`
	CapitalAtRisk Numeric `json:"capital_at_risk"`
	PositionPct   Numeric `json:"position_pct_of_account"`
}

// PositionSizing holds the three sizing scenarios plus the recommended
// profile for the artifact's risk level.
type PositionSizing struct {
	AccountValue Numeric            `json:"account_value"`
	Recommended  string             `json:"recommended"`
	Scenarios    []PositionScenario `json:"scenarios"`
}

// Scenario returns the named scenario, or nil if absent.
func (p *PositionSizing) Scenario(profile string) *PositionScenario {
	for i := range p.Scenarios {
		if p.Scenarios[i].Profile == profile {
			return &p.Scenarios[i]
		}
	}
	return nil
}

// RecommendedScenario returns the scenario selected as recommended.
func (p *PositionSizing) RecommendedScenario() *PositionScenario {
	return p.Scenario(p.Recommended)
}

// Order is one leg of a bracket order scaffold.
type Order struct {
	Type     string  `json:"type"`
	Side     string  `json:"side"`
	Price    Numeric `json:"price"`
	Quantity Numeric `json:"quantity"`
}

// WatchLevels are the passive re-evaluation bounds emitted for HOLD
// recommendations instead of orders.
type WatchLevels struct {
	Lower Numeric `json:"lower"`
	Upper Numeric `json:"upper"`
}

// CritiqueResult is the validator's verdict, merged into the artifact
// by the critique stage.
type CritiqueResult struct {
	Passed          bool      `json:"passed"`
	Corrections     []string  `json:"corrections,omitempty"`
	Flags           []string  `json:"flags,omitempty"`
	ConfidenceDelta float64   `json:"confidence_delta"`
	ReviewedAt      time.Time `json:"reviewed_at"`
}

// FinalArtifact is the fully derived trade plan for one symbol.
type FinalArtifact struct {
	Symbol          string           `json:"symbol"`
	Action          string           `json:"action"`
	Confidence      float64          `json:"confidence"`
	EntryPrice      Numeric          `json:"entry_price"`
	StopLoss        Numeric          `json:"stop_loss"`
	TargetPrice     Numeric          `json:"target_price"`
	RiskRewardRatio Numeric          `json:"risk_reward_ratio"`
	TimeHorizon     string           `json:"time_horizon"`
	PositionSizing  PositionSizing   `json:"position_sizing"`
	Orders          []Order          `json:"orders,omitempty"`
	WatchLevels     *WatchLevels     `json:"watch_levels,omitempty"`
	Rationale       string           `json:"rationale"`
	Catalysts       []string         `json:"catalysts,omitempty"`
	Risks           []string         `json:"risks,omitempty"`
	QualityFlags    []string         `json:"quality_flags,omitempty"`
	Consensus       consensus.Result `json:"consensus"`
	Critique        *CritiqueResult  `json:"critique,omitempty"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// AddQualityFlag appends a flag unless it is already present.
func (a *FinalArtifact) AddQualityFlag(flag string) {
	for _, f := range a.QualityFlags {
		if f == flag {
			return
		}
	}
	a.QualityFlags = append(a.QualityFlags, flag)
}

// HasQualityFlag reports whether the flag is attached.
func (a *FinalArtifact) HasQualityFlag(flag string) bool {
	for _, f := range a.QualityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Actionable reports whether the action is a BUY or SELL variant.
func (a *FinalArtifact) Actionable() bool {
	return consensus.IsBuy(a.Action) || consensus.IsSell(a.Action)
}
