package agents

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
	"github.com/stockcouncil/stockcouncil/internal/progress"
)

// DefaultAgentTimeout bounds one agent execution when no deadline is
// configured.
const DefaultAgentTimeout = 30 * time.Second

const (
	defaultMaxAttempts    = 3
	defaultBackoffInitial = time.Second
	defaultBackoffFactor  = 1.75
	defaultBackoffCap     = 10 * time.Second
	defaultCancelGrace    = 5 * time.Second
)

var errAgentDeadline = errors.New("agent deadline exceeded")

// Runtime executes one analyst with a bounded deadline and bounded
// retries, publishing progress events and recording the execution. Only
// transient and rate-limited failures retry; contract violations and
// timeouts are terminal on the first occurrence. A cancelled run gets a
// short grace period to unwind before the analyst is abandoned.
// Failures never propagate to the caller: every outcome is an
// AgentExecution.
type Runtime struct {
	bus            *progress.Bus
	deadline       time.Duration
	maxAttempts    int
	backoffInitial time.Duration
	backoffFactor  float64
	backoffCap     time.Duration
	cancelGrace    time.Duration
}

// NewRuntime builds a runtime from the engine configuration, filling
// unset knobs with defaults.
func NewRuntime(cfg config.EngineConfig, bus *progress.Bus) *Runtime {
	r := &Runtime{
		bus:            bus,
		deadline:       time.Duration(cfg.AgentTimeoutMS) * time.Millisecond,
		maxAttempts:    cfg.MaxRetriesPerAgent,
		backoffInitial: time.Duration(cfg.BackoffInitialMS) * time.Millisecond,
		backoffFactor:  cfg.BackoffFactor,
		backoffCap:     time.Duration(cfg.BackoffCapMS) * time.Millisecond,
		cancelGrace:    cfg.CancelGrace(),
	}
	if r.deadline <= 0 {
		r.deadline = DefaultAgentTimeout
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.backoffInitial <= 0 {
		r.backoffInitial = defaultBackoffInitial
	}
	if r.backoffFactor <= 1 {
		r.backoffFactor = defaultBackoffFactor
	}
	if r.backoffCap <= 0 {
		r.backoffCap = defaultBackoffCap
	}
	if r.cancelGrace <= 0 {
		r.cancelGrace = defaultCancelGrace
	}
	return r
}

// Run executes one analyst to a terminal AgentExecution. It emits
// agent_started plus agent_completed or agent_failed, so every run
// produces at least two progress events.
func (r *Runtime) Run(ctx context.Context, analysisID, agentID string, fn AnalyzeFunc, actx *Context) *analysis.AgentExecution {
	exec := analysis.NewExecution(agentID)
	r.publish(progress.AgentStarted(analysisID, agentID))

	var op *analysis.Opinion
	var err error

	if fn == nil {
		err = Permanentf("no analyst registered for %s", agentID)
	} else {
	attempts:
		for attempt := 1; attempt <= r.maxAttempts; attempt++ {
			exec.Attempts = attempt
			op, err = r.invoke(ctx, fn, actx)
			if err == nil {
				break
			}
			if errors.Is(err, errAgentDeadline) || ctx.Err() != nil {
				break
			}
			if !market.IsRetryable(err) {
				break
			}
			if attempt == r.maxAttempts {
				break
			}

			wait := r.backoffFor(attempt)
			log.Debug().
				Str("analysis_id", analysisID).
				Str("agent_id", agentID).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(err).
				Msg("agent attempt failed, retrying")
			metrics.RecordAgentRetry(agentID)

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				err = ctx.Err()
				break attempts
			}
		}
	}

	if err == nil {
		err = r.acceptOpinion(agentID, actx, op)
	}

	switch {
	case err == nil:
		exec.Complete(op)
	case errors.Is(err, errAgentDeadline) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		exec.Timeout()
	case ctx.Err() != nil:
		exec.Fail(fmt.Errorf("run cancelled: %w", ctx.Err()))
	default:
		exec.Fail(err)
	}

	elapsed := exec.Elapsed()
	if exec.Status == analysis.ExecutionCompleted {
		r.publish(progress.AgentCompleted(analysisID, agentID, elapsed))
		log.Debug().
			Str("analysis_id", analysisID).
			Str("agent_id", agentID).
			Str("recommendation", op.Recommendation).
			Float64("confidence", op.Confidence).
			Int("attempts", exec.Attempts).
			Dur("elapsed", elapsed).
			Msg("agent completed")
	} else {
		r.publish(progress.AgentFailed(analysisID, agentID, exec.Error))
		metrics.RecordAgentFailure(agentID, exec.Error)
		log.Warn().
			Str("analysis_id", analysisID).
			Str("agent_id", agentID).
			Str("status", string(exec.Status)).
			Int("attempts", exec.Attempts).
			Str("error", exec.Error).
			Msg("agent did not complete")
	}
	metrics.RecordAgentExecution(agentID, string(exec.Status), elapsed.Seconds())

	return exec
}

type invokeResult struct {
	op  *analysis.Opinion
	err error
}

// invoke runs one attempt under the per-agent deadline. The analyst
// runs in its own goroutine so a non-cooperative one is abandoned at
// the deadline instead of wedging the run; the buffered channel lets
// the abandoned goroutine finish its send and exit.
func (r *Runtime) invoke(ctx context.Context, fn AnalyzeFunc, actx *Context) (*analysis.Opinion, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	ch := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- invokeResult{nil, Permanentf("agent panicked: %v", rec)}
			}
		}()
		op, err := fn(runCtx, actx)
		ch <- invokeResult{op, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, errAgentDeadline
		}
		return res.op, res.err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Cancellation, not a deadline: let the attempt unwind for
			// the grace period. An opinion finished during the grace
			// still counts.
			select {
			case res := <-ch:
				if res.err == nil {
					return res.op, nil
				}
			case <-time.After(r.cancelGrace):
			}
			return nil, ctx.Err()
		}
		return nil, errAgentDeadline
	}
}

// acceptOpinion enforces the opinion contract. The runtime fills the
// agent id and symbol when empty but treats a mismatch as a violation.
func (r *Runtime) acceptOpinion(agentID string, actx *Context, op *analysis.Opinion) error {
	if op == nil {
		return Permanentf("agent %s returned no opinion", agentID)
	}
	if op.AgentID == "" {
		op.AgentID = agentID
	} else if op.AgentID != agentID {
		return Permanentf("agent %s returned an opinion attributed to %s", agentID, op.AgentID)
	}
	if op.Symbol == "" && actx != nil {
		op.Symbol = actx.Symbol
	}
	op.Normalize()
	if err := op.Validate(); err != nil {
		return Permanent(fmt.Errorf("malformed opinion: %w", err))
	}
	return nil
}

func (r *Runtime) backoffFor(attempt int) time.Duration {
	wait := time.Duration(float64(r.backoffInitial) * math.Pow(r.backoffFactor, float64(attempt-1)))
	if wait > r.backoffCap {
		return r.backoffCap
	}
	return wait
}

func (r *Runtime) publish(evt progress.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}
