package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
)

// Valuation part weights
const (
	weightIntrinsic = 0.35
	weightTrailing  = 0.25
	weightForward   = 0.15
	weightQuality   = 0.15
	weightRange     = 0.10
)

// NewValuationAnalyst builds the valuation analyst. It works entirely
// from the fundamentals snapshot in the context and reports ratios
// only; per-share price anchors belong to the fundamental analyst.
func NewValuationAnalyst() AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		f := actx.Fundamentals
		if f == nil {
			return nil, Permanentf("valuation: fundamentals unavailable for %s", actx.Symbol)
		}
		price := actx.EntryPrice()
		if price <= 0 {
			return nil, Permanentf("valuation: no price reference for %s", actx.Symbol)
		}

		var votes []indicatorVote
		keyMetrics := map[string]float64{}

		// Discount or premium to the provider's fair-value estimate.
		if f.IntrinsicValuePerShare > 0 {
			discount := (f.IntrinsicValuePerShare - price) / f.IntrinsicValuePerShare
			keyMetrics["discount_to_intrinsic"] = discount
			switch {
			case discount > 0.2:
				votes = append(votes, indicatorVote{analysis.Buy, clamp01(0.5 + discount), weightIntrinsic,
					fmt.Sprintf("trading %.0f%% below fair value", discount*100)})
			case discount < -0.2:
				votes = append(votes, indicatorVote{analysis.Sell, clamp01(0.5 - discount), weightIntrinsic,
					fmt.Sprintf("trading %.0f%% above fair value", -discount*100)})
			default:
				votes = append(votes, indicatorVote{analysis.Hold, 0.5, weightIntrinsic, "price near fair value"})
			}
		}

		if f.PERatio > 0 {
			keyMetrics["pe_ratio"] = f.PERatio
			switch {
			case f.PERatio < 15:
				votes = append(votes, indicatorVote{analysis.Buy, 0.55, weightTrailing,
					fmt.Sprintf("P/E %.1f is undemanding", f.PERatio)})
			case f.PERatio > 40:
				votes = append(votes, indicatorVote{analysis.Sell, 0.55, weightTrailing,
					fmt.Sprintf("P/E %.1f prices in heavy growth", f.PERatio)})
			default:
				votes = append(votes, indicatorVote{analysis.Hold, 0.4, weightTrailing,
					fmt.Sprintf("P/E %.1f in normal range", f.PERatio)})
			}
		} else if f.EPS < 0 {
			votes = append(votes, indicatorVote{analysis.Sell, 0.45, weightTrailing, "negative earnings"})
		}

		if f.ForwardPE > 0 && f.PERatio > 0 {
			keyMetrics["forward_pe"] = f.ForwardPE
			switch {
			case f.ForwardPE < f.PERatio*0.85:
				votes = append(votes, indicatorVote{analysis.Buy, 0.5, weightForward,
					fmt.Sprintf("forward P/E %.1f implies earnings growth", f.ForwardPE)})
			case f.ForwardPE > f.PERatio*1.15:
				votes = append(votes, indicatorVote{analysis.Sell, 0.5, weightForward,
					fmt.Sprintf("forward P/E %.1f implies earnings decline", f.ForwardPE)})
			}
		}

		// Growth plus margins as a quality screen.
		keyMetrics["revenue_growth"] = f.RevenueGrowth
		keyMetrics["profit_margin"] = f.ProfitMargin
		switch {
		case f.RevenueGrowth > 0.15 && f.ProfitMargin > 0.15:
			votes = append(votes, indicatorVote{analysis.Buy, 0.5, weightQuality,
				fmt.Sprintf("%.0f%% revenue growth at %.0f%% margins", f.RevenueGrowth*100, f.ProfitMargin*100)})
		case f.RevenueGrowth < 0:
			votes = append(votes, indicatorVote{analysis.Sell, 0.5, weightQuality,
				fmt.Sprintf("revenue shrinking %.0f%%", -f.RevenueGrowth*100)})
		}

		if f.FiftyTwoWeekHigh > f.FiftyTwoWeekLow {
			position := (price - f.FiftyTwoWeekLow) / (f.FiftyTwoWeekHigh - f.FiftyTwoWeekLow)
			keyMetrics["fifty_two_week_position"] = position
			switch {
			case position < 0.3:
				votes = append(votes, indicatorVote{analysis.Buy, 0.5, weightRange, "near the 52-week low"})
			case position > 0.9:
				votes = append(votes, indicatorVote{analysis.Sell, 0.45, weightRange, "at the top of the 52-week range"})
			}
		}

		if len(votes) == 0 {
			return nil, Permanentf("valuation: fundamentals for %s carry no usable metrics", actx.Symbol)
		}

		recommendation, confidence, reasons := combineVotes(votes)

		return &analysis.Opinion{
			AgentID:        AgentValuation,
			Symbol:         actx.Symbol,
			Recommendation: recommendation,
			Confidence:     confidence,
			Rationale:      strings.Join(reasons, "; "),
			KeyMetrics:     keyMetrics,
		}, nil
	}
}
