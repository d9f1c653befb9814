// Package consensus turns heterogeneous agent opinions into a single
// weighted recommendation with agreement scoring and risk-adjusted
// downgrades.
package consensus

// Dissenter is an agent whose view diverges materially from the
// consensus recommendation.
type Dissenter struct {
	AgentID        string  `json:"agent_id"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	Weight         float64 `json:"weight"`
	Divergence     float64 `json:"divergence"`
}

// AgentVote records how one opinion entered the tally
type AgentVote struct {
	AgentID        string  `json:"agent_id"`
	Raw            string  `json:"raw"`
	Normalized     string  `json:"normalized"`
	Confidence     float64 `json:"confidence"`
	Weight         float64 `json:"weight"`
}

// Result is the consensus over one symbol's opinions
type Result struct {
	Recommendation    string             `json:"recommendation"`
	ConsensusScore    float64            `json:"consensus_score"`
	AgreementLevel    float64            `json:"agreement_level"`
	Confidence        float64            `json:"confidence"`
	WeightedVotes     map[string]float64 `json:"weighted_votes"`
	Dissenters        []Dissenter        `json:"dissenters,omitempty"`
	ConflictsResolved []string           `json:"conflicts_resolved,omitempty"`
	Reasoning         string             `json:"reasoning"`
	AgentBreakdown    []AgentVote        `json:"agent_breakdown,omitempty"`
}
