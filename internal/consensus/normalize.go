package consensus

import (
	"strconv"
	"strings"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
)

// Recommendation scores on the bullish..bearish axis
const (
	scoreStrongBuy  = 1.0
	scoreBuy        = 0.75
	scoreHold       = 0.5
	scoreSell       = 0.25
	scoreStrongSell = 0.0
)

// Normalize maps an agent-native recommendation onto the canonical
// five-point scale. Unrecognizable labels fall back to HOLD.
func Normalize(raw string) string {
	label := strings.ToUpper(strings.TrimSpace(raw))
	if analysis.IsCanonical(label) {
		return label
	}

	// Sentiment vocabulary.
	switch label {
	case "BULLISH", "POSITIVE":
		return analysis.Buy
	case "BEARISH", "NEGATIVE":
		return analysis.Sell
	case "NEUTRAL":
		return analysis.Hold
	}

	// Risk levels inverted onto the action scale: low risk invites
	// entry, extreme risk demands exit.
	switch label {
	case "LOW":
		return analysis.Buy
	case "MEDIUM":
		return analysis.Hold
	case "HIGH":
		return analysis.Sell
	case "VERY_HIGH":
		return analysis.StrongSell
	}

	// Raw sentiment score in [-1, 1].
	if score, err := strconv.ParseFloat(label, 64); err == nil && score >= -1 && score <= 1 {
		switch {
		case score > 0.3:
			return analysis.Buy
		case score < -0.3:
			return analysis.Sell
		default:
			return analysis.Hold
		}
	}

	// Last resort: substring match.
	switch {
	case strings.Contains(label, "BUY"):
		return analysis.Buy
	case strings.Contains(label, "SELL"):
		return analysis.Sell
	case strings.Contains(label, "HOLD"):
		return analysis.Hold
	}

	return analysis.Hold
}

// Score maps a canonical recommendation to [0, 1], 1 most bullish
func Score(rec string) float64 {
	switch rec {
	case analysis.StrongBuy:
		return scoreStrongBuy
	case analysis.Buy:
		return scoreBuy
	case analysis.Sell:
		return scoreSell
	case analysis.StrongSell:
		return scoreStrongSell
	default:
		return scoreHold
	}
}

// Bucket maps a consensus score back to a recommendation
func Bucket(score float64) string {
	switch {
	case score >= 0.875:
		return analysis.StrongBuy
	case score >= 0.625:
		return analysis.Buy
	case score >= 0.375:
		return analysis.Hold
	case score >= 0.125:
		return analysis.Sell
	default:
		return analysis.StrongSell
	}
}

// direction is +1 for BUY variants, -1 for SELL variants, 0 for HOLD
func direction(rec string) int {
	switch rec {
	case analysis.StrongBuy, analysis.Buy:
		return 1
	case analysis.StrongSell, analysis.Sell:
		return -1
	default:
		return 0
	}
}

// matchScore grades an opinion against the final recommendation: exact
// canonical match 1.0, same direction 0.5, otherwise 0.
func matchScore(rec, final string) float64 {
	if rec == final {
		return 1.0
	}
	d := direction(rec)
	if d != 0 && d == direction(final) {
		return 0.5
	}
	return 0.0
}

// IsBuy reports whether rec is a BUY variant
func IsBuy(rec string) bool {
	return direction(rec) > 0
}

// IsSell reports whether rec is a SELL variant
func IsSell(rec string) bool {
	return direction(rec) < 0
}
