// Package progress streams analysis lifecycle events to in-process
// subscribers and, optionally, onto NATS subjects for external
// consumers.
package progress

import (
	"time"

	"github.com/google/uuid"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
)

// Event kinds, in the order a run emits them.
const (
	KindAnalysisStarted   = "analysis_started"
	KindPhaseStarted      = "phase_started"
	KindAgentStarted      = "agent_started"
	KindAgentCompleted    = "agent_completed"
	KindAgentFailed       = "agent_failed"
	KindProgressUpdate    = "progress_update"
	KindSynthesisStarted  = "synthesis_started"
	KindCritiqueStarted   = "critique_started"
	KindAnalysisCompleted = "analysis_completed"
	KindAnalysisFailed    = "analysis_failed"
	KindDriftAlert        = "drift_alert"
)

// Event is one progress notification for one analysis. Sequence is
// assigned by the bus and increases monotonically per analysis.
type Event struct {
	ID         string                 `json:"id"`
	AnalysisID string                 `json:"analysis_id"`
	Kind       string                 `json:"kind"`
	Sequence   uint64                 `json:"sequence"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

func newEvent(analysisID, kind string, payload map[string]interface{}) Event {
	return Event{
		ID:         uuid.New().String(),
		AnalysisID: analysisID,
		Kind:       kind,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// AnalysisStarted announces a new run.
func AnalysisStarted(analysisID, query string, symbols []string) Event {
	return newEvent(analysisID, KindAnalysisStarted, map[string]interface{}{
		"query":   query,
		"symbols": symbols,
	})
}

// PhaseStarted announces a pipeline phase.
func PhaseStarted(analysisID, phase string) Event {
	return newEvent(analysisID, KindPhaseStarted, map[string]interface{}{
		"phase": phase,
	})
}

// AgentStarted announces one agent beginning work.
func AgentStarted(analysisID, agentID string) Event {
	return newEvent(analysisID, KindAgentStarted, map[string]interface{}{
		"agent_id": agentID,
	})
}

// AgentCompleted announces a successful agent execution.
func AgentCompleted(analysisID, agentID string, elapsed time.Duration) Event {
	return newEvent(analysisID, KindAgentCompleted, map[string]interface{}{
		"agent_id":   agentID,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

// AgentFailed announces a failed agent execution. Failures are local
// to the agent; the run continues.
func AgentFailed(analysisID, agentID, errMsg string) Event {
	return newEvent(analysisID, KindAgentFailed, map[string]interface{}{
		"agent_id": agentID,
		"error":    errMsg,
	})
}

// ProgressUpdate reports overall completion and per-agent state.
func ProgressUpdate(analysisID string, percentage float64, active, completed, pending []string) Event {
	return newEvent(analysisID, KindProgressUpdate, map[string]interface{}{
		"percentage": percentage,
		"active":     active,
		"completed":  completed,
		"pending":    pending,
	})
}

// SynthesisStarted announces the synthesis checkpoint.
func SynthesisStarted(analysisID string) Event {
	return newEvent(analysisID, KindSynthesisStarted, nil)
}

// CritiqueStarted announces the critique checkpoint.
func CritiqueStarted(analysisID string) Event {
	return newEvent(analysisID, KindCritiqueStarted, nil)
}

// AnalysisCompleted announces a finished run and its headline result.
func AnalysisCompleted(analysisID, action string, confidence float64) Event {
	return newEvent(analysisID, KindAnalysisCompleted, map[string]interface{}{
		"action":     action,
		"confidence": confidence,
	})
}

// AnalysisFailed announces a terminally failed run.
func AnalysisFailed(analysisID, errMsg string) Event {
	return newEvent(analysisID, KindAnalysisFailed, map[string]interface{}{
		"error": errMsg,
	})
}

// DriftAlert carries a post-completion drift alert for the analysis.
func DriftAlert(alert analysis.DriftAlert) Event {
	return newEvent(alert.AnalysisID, KindDriftAlert, map[string]interface{}{
		"alert": alert,
	})
}
