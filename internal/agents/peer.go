package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/market"
)

// NewPeerAnalyst builds the peer-comparison analyst. It fetches the
// sector peer group and scores the company's multiples and quality
// metrics against peer medians.
func NewPeerAnalyst(fetcher market.Fetcher) AnalyzeFunc {
	return func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		f := actx.Fundamentals
		if f == nil {
			return nil, Permanentf("peer_comparison: fundamentals unavailable for %s", actx.Symbol)
		}

		group, err := fetcher.GetPeers(ctx, actx.Symbol)
		if err != nil {
			return nil, fmt.Errorf("peer_comparison: %w", err)
		}
		if group == nil || len(group.Peers) == 0 {
			return nil, Permanentf("peer_comparison: no peers reported for %s", actx.Symbol)
		}

		var pes, growths, margins []float64
		for _, p := range group.Peers {
			if p.PERatio > 0 {
				pes = append(pes, p.PERatio)
			}
			growths = append(growths, p.RevenueGrowth)
			margins = append(margins, p.ProfitMargin)
		}

		var votes []indicatorVote
		keyMetrics := map[string]float64{
			"peer_count": float64(len(group.Peers)),
		}

		if medPE, ok := median(pes); ok && f.PERatio > 0 {
			rel := f.PERatio / medPE
			keyMetrics["pe_vs_peer_median"] = rel
			switch {
			case rel < 0.8:
				votes = append(votes, indicatorVote{analysis.Buy, clamp01(0.5 + (0.8-rel)), 0.4,
					fmt.Sprintf("P/E %.1f vs peer median %.1f", f.PERatio, medPE)})
			case rel > 1.25:
				votes = append(votes, indicatorVote{analysis.Sell, clamp01(0.5 + (rel-1.25)/2), 0.4,
					fmt.Sprintf("P/E %.1f vs peer median %.1f", f.PERatio, medPE)})
			default:
				votes = append(votes, indicatorVote{analysis.Hold, 0.5, 0.4, "valued in line with peers"})
			}
		}

		if medGrowth, ok := median(growths); ok {
			delta := f.RevenueGrowth - medGrowth
			keyMetrics["growth_vs_peer_median"] = delta
			switch {
			case delta > 0.05:
				votes = append(votes, indicatorVote{analysis.Buy, 0.55, 0.3,
					fmt.Sprintf("growing %.0fpp faster than peers", delta*100)})
			case delta < -0.05:
				votes = append(votes, indicatorVote{analysis.Sell, 0.55, 0.3,
					fmt.Sprintf("growing %.0fpp slower than peers", -delta*100)})
			}
		}

		if medMargin, ok := median(margins); ok {
			delta := f.ProfitMargin - medMargin
			keyMetrics["margin_vs_peer_median"] = delta
			switch {
			case delta > 0.05:
				votes = append(votes, indicatorVote{analysis.Buy, 0.5, 0.3,
					fmt.Sprintf("margins %.0fpp above peers", delta*100)})
			case delta < -0.05:
				votes = append(votes, indicatorVote{analysis.Sell, 0.5, 0.3,
					fmt.Sprintf("margins %.0fpp below peers", -delta*100)})
			}
		}

		if len(votes) == 0 {
			return &analysis.Opinion{
				AgentID:        AgentPeerComparison,
				Symbol:         actx.Symbol,
				Recommendation: analysis.Hold,
				Confidence:     0.3,
				Rationale:      fmt.Sprintf("indistinguishable from its %d %s peers", len(group.Peers), group.Sector),
				KeyMetrics:     keyMetrics,
			}, nil
		}

		recommendation, confidence, reasons := combineVotes(votes)

		// Thin peer groups earn less conviction.
		coverage := float64(len(group.Peers)) / 5.0
		if coverage > 1 {
			coverage = 1
		}
		confidence *= 0.6 + 0.4*coverage

		return &analysis.Opinion{
			AgentID:        AgentPeerComparison,
			Symbol:         actx.Symbol,
			Recommendation: recommendation,
			Confidence:     confidence,
			Rationale:      strings.Join(reasons, "; "),
			KeyMetrics:     keyMetrics,
		}, nil
	}
}

// median returns the middle value, false on empty input
func median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2, true
	}
	return sorted[mid], true
}
