// Package agents implements the analyst fleet and the runtime that
// executes it.
//
// An analyst is any function from an immutable Context to an Opinion.
// The registry maps stable agent ids to those functions; the
// orchestrator consults it when fanning out a run, so adding an analyst
// is registering one more function value. Computational analysts
// (technical, risk, valuation, peer_comparison, insider_activity)
// derive their opinions from market data and indicator math; narrative
// analysts (fundamental, sentiment, news, macro, catalyst) shape theirs
// through the LLM with JSON-validated output.
package agents

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/indicators"
	"github.com/stockcouncil/stockcouncil/internal/llm"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/research"
	"github.com/stockcouncil/stockcouncil/internal/risk"
)

// Stable analyst identifiers. Consensus base weights and the engine
// roster configuration key off these.
const (
	AgentFundamental     = "fundamental"
	AgentTechnical       = "technical"
	AgentRisk            = "risk"
	AgentValuation       = "valuation"
	AgentSentiment       = "sentiment"
	AgentNews            = "news"
	AgentMacro           = "macro"
	AgentPeerComparison  = "peer_comparison"
	AgentInsiderActivity = "insider_activity"
	AgentCatalyst        = "catalyst"
)

// AnalyzeFunc is the agent contract: one call, one opinion. The
// function may suspend on I/O; the runtime bounds it with a deadline
// and classifies its errors for retry.
type AnalyzeFunc func(ctx context.Context, actx *Context) (*analysis.Opinion, error)

// Registry maps agent ids to analyst functions
type Registry struct {
	mu  sync.Mutex
	fns map[string]AnalyzeFunc
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]AnalyzeFunc)}
}

// Register adds or replaces the analyst for an agent id
func (r *Registry) Register(agentID string, fn AnalyzeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[agentID] = fn
}

// Lookup returns the analyst registered for an agent id
func (r *Registry) Lookup(agentID string) (AnalyzeFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.fns[agentID]
	return fn, ok
}

// IDs returns the registered agent ids, sorted
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deps carries the shared collaborators the standard fleet binds at
// registration time. Nil members disable the analysts that need them.
type Deps struct {
	Market     market.Fetcher
	LLM        llm.LLMClient
	Research   *research.Gateway
	Indicators *indicators.Service
	Risk       *risk.Calculator
}

// DefaultRegistry registers the standard ten-analyst fleet. Analysts
// whose collaborators are missing are skipped with a warning rather
// than registered to fail on every run.
func DefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()

	if deps.Indicators == nil {
		deps.Indicators = indicators.NewService()
	}
	if deps.Risk == nil {
		deps.Risk = risk.NewCalculator(0)
	}

	r.Register(AgentTechnical, NewTechnicalAnalyst(deps.Indicators))
	r.Register(AgentRisk, NewRiskAnalyst(deps.Risk))
	r.Register(AgentValuation, NewValuationAnalyst())

	if deps.Market != nil {
		r.Register(AgentPeerComparison, NewPeerAnalyst(deps.Market))
		r.Register(AgentInsiderActivity, NewInsiderAnalyst(deps.Market))
	} else {
		log.Warn().Msg("market fetcher not configured; peer and insider analysts disabled")
	}

	if deps.LLM != nil {
		r.Register(AgentFundamental, NewFundamentalAnalyst(deps.LLM))
		r.Register(AgentMacro, NewMacroAnalyst(deps.LLM))
		if deps.Market != nil {
			r.Register(AgentSentiment, NewSentimentAnalyst(deps.Market, deps.LLM))
			r.Register(AgentNews, NewNewsAnalyst(deps.Market, deps.LLM, deps.Research))
			r.Register(AgentCatalyst, NewCatalystAnalyst(deps.Market, deps.LLM, deps.Research))
		}
	} else {
		log.Warn().Msg("LLM client not configured; narrative analysts disabled")
	}

	log.Info().Strs("agents", r.IDs()).Msg("analyst registry initialized")
	return r
}
