package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

// Memory is an in-memory store with the same surface and semantics as
// Store, including optimistic versioning. It backs the one-shot CLI
// and tests that exercise the engine without PostgreSQL. Records are
// cloned through JSON on the way in and out so callers never share
// state with the store.
type Memory struct {
	mu          sync.Mutex
	records     map[string]*analysis.Record
	artifacts   map[string]*synthesis.FinalArtifact
	driftHist   map[string][]analysis.DriftSnapshot
	driftAlerts map[string][]analysis.DriftAlert
	auditEvents []AuditEvent
	auditSeen   map[string]bool
	nextAuditID int64
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		records:     make(map[string]*analysis.Record),
		artifacts:   make(map[string]*synthesis.FinalArtifact),
		driftHist:   make(map[string][]analysis.DriftSnapshot),
		driftAlerts: make(map[string][]analysis.DriftAlert),
		auditSeen:   make(map[string]bool),
	}
}

func cloneRecord(rec *analysis.Record) (*analysis.Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to clone analysis %s: %w", rec.ID, err)
	}
	var out analysis.Record
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("failed to clone analysis %s: %w", rec.ID, err)
	}
	out.Version = rec.Version
	return &out, nil
}

// CreateRecord inserts a new record at version 1
func (m *Memory) CreateRecord(ctx context.Context, rec *analysis.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("analysis %s already exists", rec.ID)
	}
	stored, err := cloneRecord(rec)
	if err != nil {
		return err
	}
	stored.Version = 1
	m.records[rec.ID] = stored
	rec.Version = 1
	return nil
}

// GetRecord loads one record by id
func (m *Memory) GetRecord(ctx context.Context, id string) (*analysis.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	return cloneRecord(stored)
}

// UpdateRecord persists the record with an optimistic version check
func (m *Memory) UpdateRecord(ctx context.Context, rec *analysis.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[rec.ID]
	if !ok {
		return fmt.Errorf("analysis %s: %w", rec.ID, ErrNotFound)
	}
	if stored.Version != rec.Version {
		return fmt.Errorf("analysis %s at version %d: %w", rec.ID, rec.Version, ErrVersionConflict)
	}

	next, err := cloneRecord(rec)
	if err != nil {
		return err
	}
	next.Version = stored.Version + 1
	// Drift status is owned by the monitor's single-column update, so
	// a versioned write never clobbers it with older state.
	if next.DriftStatus == nil {
		next.DriftStatus = stored.DriftStatus
	}
	m.records[rec.ID] = next
	rec.Version = next.Version
	return nil
}

// ListRecords returns records ordered newest first, optionally
// filtered by status. limit <= 0 falls back to 50.
func (m *Memory) ListRecords(ctx context.Context, status analysis.Status, limit, offset int) ([]*analysis.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	matched := make([]*analysis.Record, 0, len(m.records))
	for _, rec := range m.records {
		if status == "" || rec.Status == status {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*analysis.Record, 0, len(matched))
	for _, rec := range matched {
		clone, err := cloneRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

// CountRecords returns the number of records, optionally filtered by
// status.
func (m *Memory) CountRecords(ctx context.Context, status analysis.Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, rec := range m.records {
		if status == "" || rec.Status == status {
			count++
		}
	}
	return count, nil
}

// ListRecentCompleted returns completed analyses whose completion time
// is at or after since, newest first.
func (m *Memory) ListRecentCompleted(ctx context.Context, since time.Time) ([]*analysis.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*analysis.Record
	for _, rec := range m.records {
		if rec.Status == analysis.StatusCompleted && rec.CompletedAt != nil && !rec.CompletedAt.Before(since) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CompletedAt.After(*matched[j].CompletedAt)
	})

	out := make([]*analysis.Record, 0, len(matched))
	for _, rec := range matched {
		clone, err := cloneRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

// SaveArtifact upserts the denormalized final artifact
func (m *Memory) SaveArtifact(ctx context.Context, analysisID string, artifact *synthesis.FinalArtifact) error {
	payload, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact for analysis %s: %w", analysisID, err)
	}
	var clone synthesis.FinalArtifact
	if err := json.Unmarshal(payload, &clone); err != nil {
		return fmt.Errorf("failed to clone artifact for analysis %s: %w", analysisID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[analysisID] = &clone
	return nil
}

// GetArtifact loads the final artifact for an analysis
func (m *Memory) GetArtifact(ctx context.Context, analysisID string) (*synthesis.FinalArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	artifact, ok := m.artifacts[analysisID]
	if !ok {
		return nil, fmt.Errorf("artifact for analysis %s: %w", analysisID, ErrNotFound)
	}
	clone := *artifact
	return &clone, nil
}

// AppendDriftSnapshot records one drift sampling
func (m *Memory) AppendDriftSnapshot(ctx context.Context, analysisID string, snap analysis.DriftSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driftHist[analysisID] = append(m.driftHist[analysisID], snap)
	return nil
}

// UpdateDriftStatus replaces the drift status of an analysis without
// touching the record version.
func (m *Memory) UpdateDriftStatus(ctx context.Context, analysisID string, status map[string]analysis.DriftSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[analysisID]
	if !ok {
		return fmt.Errorf("analysis %s: %w", analysisID, ErrNotFound)
	}
	clone := make(map[string]analysis.DriftSnapshot, len(status))
	for k, v := range status {
		clone[k] = v
	}
	rec.DriftStatus = clone
	return nil
}

// ListDriftHistory returns snapshots sampled at or after since, oldest
// first.
func (m *Memory) ListDriftHistory(ctx context.Context, analysisID string, since time.Time) ([]analysis.DriftSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []analysis.DriftSnapshot
	for _, snap := range m.driftHist[analysisID] {
		if !snap.SampledAt.Before(since) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SampledAt.Before(out[j].SampledAt)
	})
	return out, nil
}

// AppendDriftAlert records a raised drift alert
func (m *Memory) AppendDriftAlert(ctx context.Context, alert *analysis.DriftAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driftAlerts[alert.AnalysisID] = append(m.driftAlerts[alert.AnalysisID], *alert)
	return nil
}

// ListDriftAlerts returns alerts for an analysis, newest first.
// limit <= 0 falls back to 50.
func (m *Memory) ListDriftAlerts(ctx context.Context, analysisID string, limit int) ([]analysis.DriftAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	alerts := append([]analysis.DriftAlert(nil), m.driftAlerts[analysisID]...)
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
	})
	if len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// PruneDriftHistory deletes snapshots sampled before the cutoff
func (m *Memory) PruneDriftHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned int64
	for id, snaps := range m.driftHist {
		kept := snaps[:0]
		for _, snap := range snaps {
			if snap.SampledAt.Before(olderThan) {
				pruned++
			} else {
				kept = append(kept, snap)
			}
		}
		m.driftHist[id] = kept
	}
	return pruned, nil
}

// AppendAuditEvent archives one progress event, ignoring duplicate
// event ids.
func (m *Memory) AppendAuditEvent(ctx context.Context, ev *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.auditSeen[ev.EventID] {
		return nil
	}
	m.auditSeen[ev.EventID] = true
	m.nextAuditID++
	ev.ID = m.nextAuditID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.auditEvents = append(m.auditEvents, *ev)
	return nil
}

// ListAuditEvents returns archived events for an analysis with a row
// id greater than afterID, oldest first. limit <= 0 falls back to 100.
func (m *Memory) ListAuditEvents(ctx context.Context, analysisID string, afterID int64, limit int) ([]AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []AuditEvent
	for _, ev := range m.auditEvents {
		if ev.AnalysisID == analysisID && ev.ID > afterID {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Health always succeeds for the in-memory store
func (m *Memory) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store
func (m *Memory) Close() {}
