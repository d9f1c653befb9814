package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/market"
	"github.com/stockcouncil/stockcouncil/internal/progress"
)

func newTestRuntime(bus *progress.Bus) *Runtime {
	return NewRuntime(config.EngineConfig{
		AgentTimeoutMS:     2000,
		MaxRetriesPerAgent: 3,
		BackoffInitialMS:   1,
		BackoffFactor:      1.5,
		BackoffCapMS:       5,
	}, bus)
}

func validOpinion(agentID, symbol string) *analysis.Opinion {
	return &analysis.Opinion{
		AgentID:        agentID,
		Symbol:         symbol,
		Recommendation: analysis.Buy,
		Confidence:     0.7,
		Rationale:      "scripted",
	}
}

func drainEvents(t *testing.T, sub *progress.Subscriber, n int) []progress.Event {
	t.Helper()
	events := make([]progress.Event, 0, n)
	for len(events) < n {
		select {
		case evt, ok := <-sub.Events():
			require.True(t, ok, "subscriber closed after %d of %d events", len(events), n)
			events = append(events, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func transientErr(msg string) error {
	return &market.ProviderError{Endpoint: "test", Kind: market.ErrorTransient, Message: msg}
}

func TestRunCompletesValidOpinion(t *testing.T) {
	bus := progress.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("run-1")
	rt := newTestRuntime(bus)

	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		return validOpinion(AgentTechnical, "AAPL"), nil
	}
	exec := rt.Run(context.Background(), "run-1", AgentTechnical, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionCompleted, exec.Status)
	assert.Equal(t, 1, exec.Attempts)
	assert.Empty(t, exec.Error)
	require.NotNil(t, exec.EndedAt)
	require.NotNil(t, exec.Output)
	assert.Equal(t, analysis.Buy, exec.Output.Recommendation)
	assert.InDelta(t, 0.75, exec.Output.HistoricalAccuracy, 1e-9)
	assert.False(t, exec.Output.ProducedAt.IsZero())

	events := drainEvents(t, sub, 2)
	assert.Equal(t, progress.KindAgentStarted, events[0].Kind)
	assert.Equal(t, progress.KindAgentCompleted, events[1].Kind)
	assert.Equal(t, AgentTechnical, events[1].Payload["agent_id"])
}

func TestRunFillsMissingIdentity(t *testing.T) {
	rt := newTestRuntime(nil)

	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		return &analysis.Opinion{Recommendation: analysis.Hold, Confidence: 0.4, Rationale: "x"}, nil
	}
	exec := rt.Run(context.Background(), "run-1", AgentRisk, fn, testContext("MSFT", nil, nil, nil))

	require.Equal(t, analysis.ExecutionCompleted, exec.Status)
	assert.Equal(t, AgentRisk, exec.Output.AgentID)
	assert.Equal(t, "MSFT", exec.Output.Symbol)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	rt := newTestRuntime(nil)

	calls := 0
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		calls++
		if calls < 3 {
			return nil, transientErr("upstream 503")
		}
		return validOpinion(AgentFundamental, "AAPL"), nil
	}
	exec := rt.Run(context.Background(), "run-1", AgentFundamental, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, exec.Attempts)
	assert.Equal(t, 3, calls)
}

func TestRunRetriesRateLimited(t *testing.T) {
	rt := newTestRuntime(nil)

	calls := 0
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		calls++
		if calls == 1 {
			return nil, &market.ProviderError{Endpoint: "test", StatusCode: 429, Kind: market.ErrorRateLimited, Message: "slow down"}
		}
		return validOpinion(AgentSentiment, "AAPL"), nil
	}
	exec := rt.Run(context.Background(), "run-1", AgentSentiment, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.Attempts)
}

func TestRunExhaustsRetries(t *testing.T) {
	bus := progress.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("run-1")
	rt := newTestRuntime(bus)

	calls := 0
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		calls++
		return nil, transientErr("upstream 502")
	}
	exec := rt.Run(context.Background(), "run-1", AgentNews, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Equal(t, 3, exec.Attempts)
	assert.Equal(t, 3, calls)
	assert.Contains(t, exec.Error, "502")
	assert.Nil(t, exec.Output)

	events := drainEvents(t, sub, 2)
	assert.Equal(t, progress.KindAgentStarted, events[0].Kind)
	assert.Equal(t, progress.KindAgentFailed, events[1].Kind)
	assert.Contains(t, events[1].Payload["error"], "502")
}

func TestRunPermanentFailureSkipsRetry(t *testing.T) {
	rt := newTestRuntime(nil)

	calls := 0
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		calls++
		return nil, Permanentf("fundamentals unavailable")
	}
	exec := rt.Run(context.Background(), "run-1", AgentValuation, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Equal(t, 1, exec.Attempts)
	assert.Equal(t, 1, calls)
	assert.Contains(t, exec.Error, "fundamentals unavailable")
}

func TestRunMalformedOpinionFailsWithoutRetry(t *testing.T) {
	rt := newTestRuntime(nil)

	calls := 0
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		calls++
		return &analysis.Opinion{AgentID: AgentMacro, Symbol: "AAPL", Confidence: 0.5}, nil
	}
	exec := rt.Run(context.Background(), "run-1", AgentMacro, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Equal(t, 1, exec.Attempts)
	assert.Equal(t, 1, calls)
	assert.Contains(t, exec.Error, "malformed opinion")
}

func TestRunMismatchedAgentIDFails(t *testing.T) {
	rt := newTestRuntime(nil)

	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		return validOpinion(AgentTechnical, "AAPL"), nil
	}
	exec := rt.Run(context.Background(), "run-1", AgentRisk, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "attributed to "+AgentTechnical)
}

func TestRunNilOpinionFails(t *testing.T) {
	rt := newTestRuntime(nil)

	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		return nil, nil
	}
	exec := rt.Run(context.Background(), "run-1", AgentCatalyst, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "returned no opinion")
}

func TestRunDeadlineTimesOutWithoutRetry(t *testing.T) {
	rt := NewRuntime(config.EngineConfig{
		AgentTimeoutMS:     50,
		MaxRetriesPerAgent: 3,
		BackoffInitialMS:   1,
		BackoffFactor:      1.5,
		BackoffCapMS:       5,
	}, nil)

	calls := 0
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}
	exec := rt.Run(context.Background(), "run-1", AgentSentiment, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionTimedOut, exec.Status)
	assert.Equal(t, 1, exec.Attempts)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "agent deadline exceeded", exec.Error)
}

func TestRunAbandonsNonCooperativeAgent(t *testing.T) {
	rt := NewRuntime(config.EngineConfig{
		AgentTimeoutMS:     50,
		MaxRetriesPerAgent: 1,
	}, nil)

	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		time.Sleep(2 * time.Second)
		return validOpinion(AgentNews, "AAPL"), nil
	}

	start := time.Now()
	exec := rt.Run(context.Background(), "run-1", AgentNews, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionTimedOut, exec.Status)
	assert.Less(t, time.Since(start), time.Second, "runtime must not wait out a stuck agent")
}

func TestRunParentCancellationFails(t *testing.T) {
	rt := newTestRuntime(nil)

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	exec := rt.Run(ctx, "run-1", AgentMacro, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "run cancelled")
}

func TestRunCancelGraceKeepsFinishedOpinion(t *testing.T) {
	rt := newTestRuntime(nil)

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		cancel()
		// Ignore the cancellation and finish inside the grace window.
		time.Sleep(20 * time.Millisecond)
		return validOpinion(AgentSentiment, "AAPL"), nil
	}
	exec := rt.Run(ctx, "run-1", AgentSentiment, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionCompleted, exec.Status)
	require.NotNil(t, exec.Output)
}

func TestRunCancelGraceAbandonsStuckAgent(t *testing.T) {
	rt := NewRuntime(config.EngineConfig{
		AgentTimeoutMS:     2000,
		MaxRetriesPerAgent: 1,
		CancelGraceMS:      50,
	}, nil)

	block := make(chan struct{})
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		cancel()
		<-block
		return validOpinion(AgentRisk, "AAPL"), nil
	}

	start := time.Now()
	exec := rt.Run(ctx, "run-1", AgentRisk, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "run cancelled")
	assert.Less(t, time.Since(start), time.Second, "grace must bound the wait for a stuck agent")
}

func TestRunParentDeadlineTimesOut(t *testing.T) {
	rt := newTestRuntime(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	exec := rt.Run(ctx, "run-1", AgentTechnical, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionTimedOut, exec.Status)
	assert.Equal(t, "agent deadline exceeded", exec.Error)
}

func TestRunRecoversPanicAsPermanent(t *testing.T) {
	rt := newTestRuntime(nil)

	calls := 0
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		calls++
		panic("index out of range")
	}
	exec := rt.Run(context.Background(), "run-1", AgentPeerComparison, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Equal(t, 1, calls)
	assert.Contains(t, exec.Error, "panicked")
	assert.Contains(t, exec.Error, "index out of range")
}

func TestRunNilAnalystFails(t *testing.T) {
	bus := progress.NewBus()
	defer bus.Close()
	sub := bus.Subscribe("run-1")
	rt := newTestRuntime(bus)

	exec := rt.Run(context.Background(), "run-1", "ghost", nil, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "no analyst registered")

	events := drainEvents(t, sub, 2)
	assert.Equal(t, progress.KindAgentStarted, events[0].Kind)
	assert.Equal(t, progress.KindAgentFailed, events[1].Kind)
}

func TestRunBackoffInterruptedByCancel(t *testing.T) {
	rt := NewRuntime(config.EngineConfig{
		AgentTimeoutMS:     2000,
		MaxRetriesPerAgent: 3,
		BackoffInitialMS:   60_000,
		BackoffFactor:      1.5,
		BackoffCapMS:       60_000,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	fn := func(ctx context.Context, actx *Context) (*analysis.Opinion, error) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		return nil, transientErr("flaky")
	}

	start := time.Now()
	exec := rt.Run(ctx, "run-1", AgentFundamental, fn, testContext("AAPL", nil, nil, nil))

	require.Equal(t, analysis.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.Error, "run cancelled")
	assert.Less(t, time.Since(start), 2*time.Second, "cancel must cut the backoff sleep short")
}

func TestBackoffSchedule(t *testing.T) {
	rt := NewRuntime(config.EngineConfig{
		AgentTimeoutMS:     1000,
		MaxRetriesPerAgent: 5,
		BackoffInitialMS:   100,
		BackoffFactor:      2,
		BackoffCapMS:       350,
	}, nil)

	assert.Equal(t, 100*time.Millisecond, rt.backoffFor(1))
	assert.Equal(t, 200*time.Millisecond, rt.backoffFor(2))
	assert.Equal(t, 350*time.Millisecond, rt.backoffFor(3), "third step hits the cap")
	assert.Equal(t, 350*time.Millisecond, rt.backoffFor(10))
}

func TestNewRuntimeDefaults(t *testing.T) {
	rt := NewRuntime(config.EngineConfig{}, nil)

	assert.Equal(t, DefaultAgentTimeout, rt.deadline)
	assert.Equal(t, defaultMaxAttempts, rt.maxAttempts)
	assert.Equal(t, defaultBackoffInitial, rt.backoffInitial)
	assert.InDelta(t, defaultBackoffFactor, rt.backoffFactor, 1e-9)
	assert.Equal(t, defaultBackoffCap, rt.backoffCap)
}

func TestPermanentClassification(t *testing.T) {
	err := Permanentf("contract violated")
	assert.False(t, market.IsRetryable(err))
	assert.Equal(t, market.ErrorPermanent, market.Classify(err))

	wrapped := Permanent(errors.New("inner"))
	assert.False(t, market.IsRetryable(wrapped))
	assert.EqualError(t, wrapped, "inner")

	assert.Nil(t, Permanent(nil))
}
