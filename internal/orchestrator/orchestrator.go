// Package orchestrator runs the two-phase analysis DAG: a bounded
// parallel fan-out of analyst agents, then consensus, synthesis and
// critique in sequence, persisting the record at every transition and
// streaming progress throughout.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/stockcouncil/stockcouncil/internal/agents"
	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/consensus"
	"github.com/stockcouncil/stockcouncil/internal/critique"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
	"github.com/stockcouncil/stockcouncil/internal/progress"
	"github.com/stockcouncil/stockcouncil/internal/store"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

// Progress checkpoints. Fan-out fills the band between context and
// synthesis; the later checkpoints are fixed.
const (
	pctStarted   = 5
	pctContext   = 10
	pctFanOutEnd = 75
	pctSynthesis = 80
	pctCritique  = 95
	pctDone      = 100
)

const (
	defaultPerRunParallelism = 10
	defaultGlobalParallelism = 64
	defaultRunTimeout        = 180 * time.Second

	persistAttempts = 3
	persistBackoff  = 200 * time.Millisecond
	historyDays     = 365
)

// ErrShuttingDown is returned by Submit once Shutdown has begun
var ErrShuttingDown = errors.New("engine is shutting down")

// Store is the persistence surface the engine needs. *store.Store
// satisfies it; tests and the one-shot CLI use store.Memory.
type Store interface {
	CreateRecord(ctx context.Context, rec *analysis.Record) error
	GetRecord(ctx context.Context, id string) (*analysis.Record, error)
	UpdateRecord(ctx context.Context, rec *analysis.Record) error
	SaveArtifact(ctx context.Context, analysisID string, artifact *synthesis.FinalArtifact) error
}

// Memory is the optional completion hook that indexes finished
// analyses for similarity search.
type Memory interface {
	Enabled() bool
	Remember(ctx context.Context, rec *analysis.Record, artifact *synthesis.FinalArtifact) error
}

// Deps bundles the engine's collaborators
type Deps struct {
	Registry  *agents.Registry
	Runtime   *agents.Runtime
	Market    market.Fetcher
	Consensus *consensus.Engine
	Synthesis *synthesis.Stage
	Critique  *critique.Stage
	Store     Store
	Bus       *progress.Bus
	Memory    Memory
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine schedules and executes analysis runs. One goroutine per run;
// the engine is the only writer of a run's record.
type Engine struct {
	cfg       config.EngineConfig
	registry  *agents.Registry
	runtime   *agents.Runtime
	market    market.Fetcher
	consensus *consensus.Engine
	synth     *synthesis.Stage
	critic    *critique.Stage
	store     Store
	bus       *progress.Bus
	memory    Memory

	global *semaphore.Weighted
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*runHandle
	closed  bool
}

// New creates an engine. Unset parallelism and deadline knobs fall
// back to the standard defaults.
func New(cfg config.EngineConfig, deps Deps) *Engine {
	if cfg.PerRunParallelism <= 0 {
		cfg.PerRunParallelism = defaultPerRunParallelism
	}
	if cfg.GlobalParallelism <= 0 {
		cfg.GlobalParallelism = defaultGlobalParallelism
	}
	if cfg.RunTimeoutMS <= 0 {
		cfg.RunTimeoutMS = int(defaultRunTimeout / time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		registry:  deps.Registry,
		runtime:   deps.Runtime,
		market:    deps.Market,
		consensus: deps.Consensus,
		synth:     deps.Synthesis,
		critic:    deps.Critique,
		store:     deps.Store,
		bus:       deps.Bus,
		memory:    deps.Memory,
		global:    semaphore.NewWeighted(int64(cfg.GlobalParallelism)),
		log:       log.With().Str("component", "orchestrator").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]*runHandle),
	}
}

// Submit validates and persists a new analysis request, launches its
// run, and returns the pending record immediately.
func (e *Engine) Submit(ctx context.Context, query string, symbols []string) (*analysis.Record, error) {
	req, err := analysis.NewRequest(query, symbols)
	if err != nil {
		return nil, err
	}

	rec := analysis.NewRecord(req)
	if err := e.persistNew(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist analysis %s: %w", rec.ID, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	runCtx, cancel := context.WithTimeout(e.ctx, e.cfg.RunTimeout())
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	e.running[req.ID] = handle
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.RecordAnalysisSubmitted()
	e.bus.Publish(progress.AnalysisStarted(req.ID, req.Query, req.Symbols))
	e.log.Info().
		Str("analysis_id", req.ID).
		Strs("symbols", req.Symbols).
		Msg("analysis submitted")

	go func() {
		defer e.wg.Done()
		defer cancel()
		defer close(handle.done)
		defer func() {
			e.mu.Lock()
			delete(e.running, req.ID)
			e.mu.Unlock()
		}()
		e.run(runCtx, rec, req)
	}()

	return rec, nil
}

// Cancel aborts an in-flight run. It reports whether a run was found;
// the run itself finishes asynchronously, persisted as failed with
// reason cancelled.
func (e *Engine) Cancel(analysisID string) bool {
	e.mu.Lock()
	handle, ok := e.running[analysisID]
	e.mu.Unlock()
	if ok {
		handle.cancel()
	}
	return ok
}

// Wait blocks until the run reaches a terminal state, then returns the
// persisted record. Analyses not currently running are read directly.
func (e *Engine) Wait(ctx context.Context, analysisID string) (*analysis.Record, error) {
	e.mu.Lock()
	handle, ok := e.running[analysisID]
	e.mu.Unlock()

	if ok {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetRecord(ctx, analysisID)
}

// ActiveRuns returns the ids of in-flight analyses, for the status API
func (e *Engine) ActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every in-flight run and waits for them to unwind,
// bounded by the context. Cancelled runs persist as failed/cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info().Msg("engine shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown timed out: %w", ctx.Err())
	}
}

// run executes the full pipeline for one record. All failure paths
// leave a terminal record behind.
func (e *Engine) run(ctx context.Context, rec *analysis.Record, req *analysis.Request) {
	start := time.Now()
	symbol := req.PrimarySymbol()
	runLog := e.log.With().Str("analysis_id", rec.ID).Str("symbol", symbol).Logger()

	if err := rec.MarkRunning(); err != nil {
		runLog.Error().Err(err).Msg("cannot start run")
		return
	}
	e.setProgress(rec, pctStarted, "context", nil, nil, nil)
	e.persist(ctx, rec, runLog)

	// Context construction, one per requested symbol. Degraded inputs
	// are tolerated; the primary symbol aborts the run when so much is
	// missing that fewer than two of the core analysts could produce
	// anything, while a non-primary symbol in that state is dropped
	// from the fan-out.
	var primary *agents.Context
	contexts := make([]*agents.Context, 0, len(req.Symbols))
	for _, sym := range req.Symbols {
		actx, fatal := e.buildContext(ctx, sym, req.Query)
		if fatal {
			if sym == symbol {
				e.fail(ctx, rec, "context construction failed: insufficient market data", runLog)
				metrics.RecordAnalysisFinished(string(analysis.StatusFailed), time.Since(start).Seconds())
				return
			}
			runLog.Warn().Str("symbol", sym).Msg("insufficient market data, symbol dropped from fan-out")
			continue
		}
		if sym == symbol {
			primary = actx
		}
		if actx.IsDegraded() {
			rec.ContextDegraded = true
		}
		contexts = append(contexts, actx)
	}

	// Phase A: parallel fan-out.
	e.bus.Publish(progress.PhaseStarted(rec.ID, "fan_out"))
	roster := e.roster()
	e.setProgress(rec, pctContext, "fan_out", nil, nil, roster)
	e.persist(ctx, rec, runLog)

	e.fanOut(ctx, rec, roster, contexts, runLog)

	if ctx.Err() == context.Canceled {
		e.fail(ctx, rec, "cancelled", runLog)
		metrics.RecordAnalysisFinished(string(analysis.StatusFailed), time.Since(start).Seconds())
		return
	}

	// Phase B runs even when the whole-run deadline has expired: the
	// completed opinions are synthesized under a fresh context so a
	// timed-out run still yields an artifact.
	phaseCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	opinions := opinionsFor(rec, symbol)
	e.bus.Publish(progress.SynthesisStarted(rec.ID))
	e.setProgress(rec, pctSynthesis, "synthesis", nil, completedIDs(rec), nil)
	e.persist(phaseCtx, rec, runLog)

	cons := e.consensus.Evaluate(symbol, opinions)
	art := e.synthesize(primary, cons, opinions, runLog)
	if art == nil {
		e.fail(phaseCtx, rec, "synthesis failed: no usable price for "+symbol, runLog)
		metrics.RecordAnalysisFinished(string(analysis.StatusFailed), time.Since(start).Seconds())
		return
	}

	e.bus.Publish(progress.CritiqueStarted(rec.ID))
	e.setProgress(rec, pctCritique, "critique", nil, completedIDs(rec), nil)
	e.critic.Review(art, opinions, rec.ContextDegraded)

	payload, err := json.Marshal(art)
	if err != nil {
		e.fail(phaseCtx, rec, fmt.Sprintf("failed to encode final artifact: %v", err), runLog)
		metrics.RecordAnalysisFinished(string(analysis.StatusFailed), time.Since(start).Seconds())
		return
	}
	if err := rec.MarkCompleted(payload); err != nil {
		runLog.Error().Err(err).Msg("cannot complete run")
		return
	}
	e.setProgress(rec, pctDone, "completed", nil, completedIDs(rec), nil)

	if err := e.persistTerminal(phaseCtx, rec, runLog); err != nil {
		runLog.Error().Err(err).Msg("failed to persist completed analysis")
		return
	}
	if err := e.store.SaveArtifact(phaseCtx, rec.ID, art); err != nil {
		runLog.Warn().Err(err).Msg("failed to save denormalized artifact")
	}
	e.remember(phaseCtx, rec, art, runLog)

	e.bus.Publish(progress.AnalysisCompleted(rec.ID, art.Action, art.Confidence))
	e.bus.Finish(rec.ID)
	metrics.RecordAnalysisFinished(string(analysis.StatusCompleted), time.Since(start).Seconds())
	runLog.Info().
		Str("action", art.Action).
		Float64("confidence", art.Confidence).
		Int("opinions", len(opinions)).
		Dur("elapsed", time.Since(start)).
		Msg("analysis completed")
}

// fanOut runs every rostered agent against every symbol context
// concurrently, bounded by the per-run limit and the engine-wide
// admission limiter. Each terminal execution is appended to the record
// and reflected in progress. An agent stays active until its last
// symbol finishes.
func (e *Engine) fanOut(ctx context.Context, rec *analysis.Record, roster []string, contexts []*agents.Context, runLog zerolog.Logger) {
	total := len(roster) * len(contexts)
	if total == 0 {
		return
	}

	perRun := semaphore.NewWeighted(int64(e.cfg.PerRunParallelism))
	results := make(chan *analysis.AgentExecution, total)

	remaining := make(map[string]int, len(roster))
	var wg sync.WaitGroup
	for _, actx := range contexts {
		for _, agentID := range roster {
			remaining[agentID]++
			wg.Add(1)
			go func(agentID string, actx *agents.Context) {
				defer wg.Done()

				if err := perRun.Acquire(ctx, 1); err != nil {
					results <- abortedExecution(agentID, err)
					return
				}
				defer perRun.Release(1)
				if err := e.global.Acquire(ctx, 1); err != nil {
					results <- abortedExecution(agentID, err)
					return
				}
				defer e.global.Release(1)

				fn, _ := e.registry.Lookup(agentID)
				results <- e.runtime.Run(ctx, rec.ID, agentID, fn, actx)
			}(agentID, actx)
		}
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	done := 0
	for exec := range results {
		rec.Executions = append(rec.Executions, *exec)
		done++
		if remaining[exec.AgentID] > 0 {
			remaining[exec.AgentID]--
		}

		// Each update gets freshly allocated agent lists: delivered
		// event payloads must never change after publication.
		active := make([]string, 0, len(roster))
		for _, id := range roster {
			if remaining[id] > 0 {
				active = append(active, id)
			}
		}
		pct := pctContext + (pctFanOutEnd-pctContext)*done/total
		e.setProgress(rec, pct, "fan_out", active, completedIDs(rec), nil)
		e.persist(ctx, rec, runLog)
	}
}

// synthesize builds the final artifact, installing the conservative
// fallback when the stage errors or panics. A nil return means not
// even the fallback was possible (no price at all).
func (e *Engine) synthesize(actx *agents.Context, cons *consensus.Result, opinions []*analysis.Opinion, runLog zerolog.Logger) (art *synthesis.FinalArtifact) {
	entry := actx.EntryPrice()
	if entry <= 0 {
		return nil
	}
	quote := actx.Quote
	if quote == nil || quote.Price <= 0 {
		quote = &market.Quote{Symbol: actx.Symbol, Price: entry, Timestamp: time.Now().UTC()}
	}

	defer func() {
		if rec := recover(); rec != nil {
			runLog.Error().Interface("panic", rec).Msg("synthesis panicked, installing fallback artifact")
			art = e.synth.Fallback(actx.Symbol, entry, cons)
		}
	}()

	built, err := e.synth.Build(quote, cons, opinions)
	if err != nil {
		runLog.Warn().Err(err).Msg("synthesis failed, installing fallback artifact")
		return e.synth.Fallback(actx.Symbol, entry, cons)
	}
	return built
}

// buildContext fetches quote, one year of daily candles, and the
// fundamentals snapshot. Each failed fetch degrades the context; the
// result is fatal when two or more of the core analysts (fundamental,
// technical, risk) would have nothing to work with.
func (e *Engine) buildContext(ctx context.Context, symbol, query string) (*agents.Context, bool) {
	var (
		quote        *market.Quote
		candles      []market.Candle
		fundamentals *market.Fundamentals
	)

	if e.market == nil {
		return agents.NewContext(symbol, query, nil, nil, nil), true
	}

	quote, err := e.market.GetQuote(ctx, symbol)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("quote fetch failed, context degraded")
	}
	candles, err = e.market.GetHistory(ctx, symbol, historyDays, "1d")
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("history fetch failed, context degraded")
	}
	fundamentals, err = e.market.GetFundamentals(ctx, symbol)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("fundamentals fetch failed, context degraded")
	}

	actx := agents.NewContext(symbol, query, quote, candles, fundamentals)

	// Technical and risk need history; fundamental needs at least one
	// of quote or fundamentals. Two or more unusable core analysts
	// make the context fatal.
	unusable := 0
	if len(candles) == 0 {
		unusable += 2
	}
	if quote == nil && fundamentals == nil {
		unusable++
	}
	return actx, unusable >= 2
}

// roster returns the configured agent ids, falling back to everything
// registered.
func (e *Engine) roster() []string {
	if len(e.cfg.Agents) > 0 {
		return append([]string(nil), e.cfg.Agents...)
	}
	return e.registry.IDs()
}

// fail transitions the record to failed and persists it. The terminal
// write uses a background context so a cancelled run still lands.
func (e *Engine) fail(ctx context.Context, rec *analysis.Record, msg string, runLog zerolog.Logger) {
	if err := rec.MarkFailed(msg); err != nil {
		runLog.Error().Err(err).Msg("cannot fail run")
		return
	}
	e.setProgress(rec, rec.Progress.Percentage, "failed", nil, completedIDs(rec), nil)

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := e.persistTerminal(ctx, rec, runLog); err != nil {
		runLog.Error().Err(err).Msg("failed to persist failed analysis")
	}

	e.bus.Publish(progress.AnalysisFailed(rec.ID, msg))
	e.bus.Finish(rec.ID)
	runLog.Warn().Str("reason", msg).Msg("analysis failed")
}

// setProgress updates the record and emits a progress event. The
// record keeps the percentage monotonic.
func (e *Engine) setProgress(rec *analysis.Record, pct int, phase string, active, completed, pending []string) {
	rec.SetProgress(analysis.Progress{
		Percentage: pct,
		Phase:      phase,
		Active:     active,
		Completed:  completed,
		Pending:    pending,
		UpdatedAt:  time.Now().UTC(),
	})
	p := rec.Progress
	e.bus.Publish(progress.ProgressUpdate(rec.ID, float64(p.Percentage), p.Active, p.Completed, p.Pending))
}

// persistNew inserts the pending record, retrying transient failures
func (e *Engine) persistNew(ctx context.Context, rec *analysis.Record) error {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if err = e.store.CreateRecord(ctx, rec); err == nil {
			return nil
		}
		select {
		case <-time.After(persistBackoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// persist saves intermediate state best-effort: a failed progress
// write is logged and the run continues.
func (e *Engine) persist(ctx context.Context, rec *analysis.Record, runLog zerolog.Logger) {
	if err := e.updateWithRetry(ctx, rec); err != nil {
		runLog.Warn().Err(err).Msg("failed to persist progress")
	}
}

// persistTerminal saves a terminal transition; failure here is fatal
// for the run.
func (e *Engine) persistTerminal(ctx context.Context, rec *analysis.Record, runLog zerolog.Logger) error {
	return e.updateWithRetry(ctx, rec)
}

// updateWithRetry writes the record with backoff. A version conflict
// re-reads the stored version and reapplies this record's state; the
// engine is the only writer of orchestrator fields, so the conflict
// can only be a stale token.
func (e *Engine) updateWithRetry(ctx context.Context, rec *analysis.Record) error {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if err = e.store.UpdateRecord(ctx, rec); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			if fresh, readErr := e.store.GetRecord(ctx, rec.ID); readErr == nil {
				rec.Version = fresh.Version
				continue
			}
		}
		select {
		case <-time.After(persistBackoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// remember indexes the completed analysis for similarity search
func (e *Engine) remember(ctx context.Context, rec *analysis.Record, art *synthesis.FinalArtifact, runLog zerolog.Logger) {
	if e.memory == nil || !e.memory.Enabled() {
		return
	}
	if err := e.memory.Remember(ctx, rec, art); err != nil {
		runLog.Warn().Err(err).Msg("failed to index analysis in memory")
	}
}

// abortedExecution records an agent that never left the semaphore
// queue: the run deadline expiring marks it timed out, cancellation
// marks it failed.
func abortedExecution(agentID string, err error) *analysis.AgentExecution {
	exec := analysis.NewExecution(agentID)
	if errors.Is(err, context.DeadlineExceeded) {
		exec.Timeout()
	} else {
		exec.Fail(fmt.Errorf("run cancelled before agent started: %w", err))
	}
	return exec
}

func completedIDs(rec *analysis.Record) []string {
	var ids []string
	seen := make(map[string]bool)
	for i := range rec.Executions {
		e := &rec.Executions[i]
		if e.Status == analysis.ExecutionCompleted && !seen[e.AgentID] {
			seen[e.AgentID] = true
			ids = append(ids, e.AgentID)
		}
	}
	return ids
}

// opinionsFor returns the successful opinions produced for one symbol,
// in execution order.
func opinionsFor(rec *analysis.Record, symbol string) []*analysis.Opinion {
	var out []*analysis.Opinion
	for _, op := range rec.SuccessfulOpinions() {
		if op.Symbol == symbol {
			out = append(out, op)
		}
	}
	return out
}
