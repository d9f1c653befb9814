package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/risk"
)

// NewRiskAnalyst builds the risk analyst. Its recommendation is the
// native risk level (LOW through VERY_HIGH), which the consensus engine
// both normalizes onto the five-point scale and reads directly for the
// risk-adjusted overrides.
func NewRiskAnalyst(calc *risk.Calculator) AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		if len(actx.Candles) == 0 {
			return nil, Permanentf("risk: no price history for %s", actx.Symbol)
		}

		m, err := calc.Compute(actx.Candles)
		if err != nil {
			return nil, Permanent(fmt.Errorf("risk: %w", err))
		}

		level := risk.RiskLevel(m)

		parts := []string{
			fmt.Sprintf("annualized volatility %.1f%%", m.AnnualizedVolatility*100),
			fmt.Sprintf("Sharpe %.2f", m.SharpeRatio),
			fmt.Sprintf("max drawdown %.1f%%", m.MaxDrawdown*100),
			fmt.Sprintf("95%% daily VaR %.2f%%", m.VaR95*100),
		}
		if regime, err := calc.DetectRegime(actx.Candles); err == nil {
			parts = append(parts, fmt.Sprintf("%s regime", regime.Regime))
		}
		parts = append(parts, fmt.Sprintf("risk level %s", level))

		// Confidence grows with observation depth; a full trading year
		// reaches 0.95.
		depth := float64(m.Observations) / 252.0
		if depth > 1 {
			depth = 1
		}
		confidence := 0.55 + 0.4*depth

		return &analysis.Opinion{
			AgentID:        AgentRisk,
			Symbol:         actx.Symbol,
			Recommendation: level,
			Confidence:     confidence,
			Rationale:      strings.Join(parts, "; "),
			KeyMetrics: map[string]float64{
				"sharpe_ratio":          m.SharpeRatio,
				"max_drawdown":          m.MaxDrawdown,
				"current_drawdown":      m.CurrentDrawdown,
				"var_95":                m.VaR95,
				"cvar_95":               m.CVaR95,
				"annualized_volatility": m.AnnualizedVolatility,
			},
		}, nil
	}
}
