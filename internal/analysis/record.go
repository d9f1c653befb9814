package analysis

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an analysis record
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can never change again
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ExecutionStatus is the lifecycle state of one agent execution
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// Terminal reports whether the execution has finished
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionTimedOut
}

// Progress is the observable progress of a running analysis. Agent sets
// are kept as sorted slices so serialized progress is stable.
type Progress struct {
	Percentage int       `json:"percentage"`
	Phase      string    `json:"phase"`
	Active     []string  `json:"active"`
	Completed  []string  `json:"completed"`
	Pending    []string  `json:"pending"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AgentExecution records one agent run within an analysis
type AgentExecution struct {
	AgentID   string          `json:"agent_id"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	Output    *Opinion        `json:"output,omitempty"`
}

// NewExecution starts an execution record for an agent
func NewExecution(agentID string) *AgentExecution {
	return &AgentExecution{
		AgentID:   agentID,
		Status:    ExecutionRunning,
		StartedAt: time.Now().UTC(),
	}
}

func (e *AgentExecution) finish(status ExecutionStatus) {
	now := time.Now().UTC()
	e.Status = status
	e.EndedAt = &now
}

// Complete marks the execution successful with its opinion
func (e *AgentExecution) Complete(op *Opinion) {
	e.Output = op
	e.finish(ExecutionCompleted)
}

// Fail marks the execution failed with the final error
func (e *AgentExecution) Fail(err error) {
	if err != nil {
		e.Error = err.Error()
	}
	e.finish(ExecutionFailed)
}

// Timeout marks the execution timed out
func (e *AgentExecution) Timeout() {
	e.Error = "agent deadline exceeded"
	e.finish(ExecutionTimedOut)
}

// Elapsed returns the execution duration, zero while still running
func (e *AgentExecution) Elapsed() time.Duration {
	if e.EndedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Record is the durable state of one analysis. The store owns
// persistence; the orchestrator and drift monitor mutate it through the
// transition methods, which enforce that terminal states are never
// reverted.
type Record struct {
	ID              string                   `json:"id"`
	Query           string                   `json:"query"`
	Symbols         []string                 `json:"symbols"`
	Status          Status                   `json:"status"`
	Executions      []AgentExecution         `json:"agent_executions"`
	Progress        Progress                 `json:"progress"`
	FinalArtifact   json.RawMessage          `json:"final_artifact,omitempty"`
	ErrorMessage    string                   `json:"error_message,omitempty"`
	DriftStatus     map[string]DriftSnapshot `json:"drift_status,omitempty"`
	ContextDegraded bool                     `json:"context_degraded,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`

	// Version is the optimistic-concurrency token managed by the store.
	// It is not part of the wire representation.
	Version int64 `json:"-"`
}

// NewRecord creates a pending record for a request
func NewRecord(req *Request) *Record {
	return &Record{
		ID:      req.ID,
		Query:   req.Query,
		Symbols: append([]string(nil), req.Symbols...),
		Status:  StatusPending,
		Progress: Progress{
			Phase:     "queued",
			UpdatedAt: time.Now().UTC(),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// MarkRunning transitions pending -> running
func (r *Record) MarkRunning() error {
	if r.Status != StatusPending {
		return fmt.Errorf("cannot start analysis %s from status %s", r.ID, r.Status)
	}
	r.Status = StatusRunning
	return nil
}

// MarkCompleted transitions running -> completed. The final artifact is
// required; a completed record without one violates the data model.
func (r *Record) MarkCompleted(artifact json.RawMessage) error {
	if r.Status.Terminal() {
		return fmt.Errorf("analysis %s already %s", r.ID, r.Status)
	}
	if len(artifact) == 0 {
		return fmt.Errorf("completed analysis %s requires a final artifact", r.ID)
	}
	now := time.Now().UTC()
	r.Status = StatusCompleted
	r.FinalArtifact = artifact
	r.CompletedAt = &now
	return nil
}

// MarkFailed transitions to failed. An error message is required.
func (r *Record) MarkFailed(msg string) error {
	if r.Status.Terminal() {
		return fmt.Errorf("analysis %s already %s", r.ID, r.Status)
	}
	if msg == "" {
		return fmt.Errorf("failed analysis %s requires an error message", r.ID)
	}
	now := time.Now().UTC()
	r.Status = StatusFailed
	r.ErrorMessage = msg
	r.CompletedAt = &now
	return nil
}

// SetProgress updates progress, keeping the percentage monotonic
func (r *Record) SetProgress(p Progress) {
	if p.Percentage < r.Progress.Percentage {
		p.Percentage = r.Progress.Percentage
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	r.Progress = p
}

// RecordDrift stores the latest drift snapshot for a symbol
func (r *Record) RecordDrift(snapshot DriftSnapshot) {
	if r.DriftStatus == nil {
		r.DriftStatus = make(map[string]DriftSnapshot)
	}
	r.DriftStatus[snapshot.Symbol] = snapshot
}

// SuccessfulOpinions returns the opinions of completed executions, in
// execution order.
func (r *Record) SuccessfulOpinions() []*Opinion {
	var opinions []*Opinion
	for i := range r.Executions {
		e := &r.Executions[i]
		if e.Status == ExecutionCompleted && e.Output != nil {
			opinions = append(opinions, e.Output)
		}
	}
	return opinions
}
