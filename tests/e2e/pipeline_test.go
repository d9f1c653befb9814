package e2e

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockcouncil/stockcouncil/internal/agents"
	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/progress"
	"github.com/stockcouncil/stockcouncil/internal/store"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

func TestAnalysisPipelineOverHTTP(t *testing.T) {
	s := newStack(t, defaultRegistry())

	resp := s.postJSON(t, "/api/v1/analyses", map[string]interface{}{
		"query":   "should I buy AAPL for the next quarter",
		"symbols": []string{"AAPL"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var rec analysis.Record
	decode(t, resp, &rec)
	require.NotEmpty(t, rec.ID)

	final := s.waitCompleted(t, rec.ID)
	require.Equal(t, analysis.StatusCompleted, final.Status)

	// The terminal record is visible over the API.
	var fetched analysis.Record
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/v1/analyses/"+rec.ID, &fetched))
	assert.Equal(t, analysis.StatusCompleted, fetched.Status)
	assert.Equal(t, 100, fetched.Progress.Percentage)

	// So is the trade plan.
	var art synthesis.FinalArtifact
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/v1/analyses/"+rec.ID+"/artifact", &art))
	assert.Equal(t, "AAPL", art.Symbol)
	assert.Equal(t, analysis.Buy, art.Action)
	assert.Greater(t, art.EntryPrice.Value, 0.0)
	require.NotNil(t, art.Critique)
}

func TestAuditTrailIsArchivedAndPageable(t *testing.T) {
	s := newStack(t, defaultRegistry())

	resp := s.postJSON(t, "/api/v1/analyses", map[string]interface{}{
		"query":   "analyze AAPL",
		"symbols": []string{"AAPL"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rec analysis.Record
	decode(t, resp, &rec)

	s.waitCompleted(t, rec.ID)

	// The archiver drains the firehose asynchronously; give it a
	// moment to catch up.
	var events []store.AuditEvent
	require.Eventually(t, func() bool {
		var err error
		events, err = s.store.ListAuditEvents(context.Background(), rec.ID, 0, 500)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Kind == progress.KindAnalysisCompleted {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	kinds := map[string]bool{}
	for i, ev := range events {
		kinds[ev.Kind] = true
		if i > 0 {
			assert.Greater(t, ev.Sequence, events[i-1].Sequence, "audit trail must preserve event order")
		}
	}
	assert.True(t, kinds[progress.KindAnalysisStarted])
	assert.True(t, kinds[progress.KindSynthesisStarted])

	// The same trail is served over the API with cursor paging.
	var page struct {
		Events    []store.AuditEvent `json:"events"`
		NextAfter int64              `json:"next_after"`
	}
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/v1/analyses/"+rec.ID+"/events?limit=3", &page))
	require.Len(t, page.Events, 3)

	var rest struct {
		Events []store.AuditEvent `json:"events"`
	}
	require.Equal(t, http.StatusOK, s.getJSON(t,
		"/api/v1/analyses/"+rec.ID+"/events?after="+strconv.FormatInt(page.NextAfter, 10), &rest))
	require.NotEmpty(t, rest.Events)
	assert.Greater(t, rest.Events[0].ID, page.Events[2].ID)
}

func TestDriftAlertReachesAPI(t *testing.T) {
	s := newStack(t, defaultRegistry())

	resp := s.postJSON(t, "/api/v1/analyses", map[string]interface{}{
		"query":   "analyze AAPL",
		"symbols": []string{"AAPL"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rec analysis.Record
	decode(t, resp, &rec)
	s.waitCompleted(t, rec.ID)

	// The market moves 12% after the analysis completed.
	s.market.setPrice(112)
	s.monitor.Tick(context.Background())

	var alerts struct {
		Alerts []analysis.DriftAlert `json:"alerts"`
	}
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/v1/analyses/"+rec.ID+"/alerts", &alerts))
	require.NotEmpty(t, alerts.Alerts)

	found := false
	for _, alert := range alerts.Alerts {
		if alert.Kind == analysis.DriftPrice {
			found = true
			assert.Equal(t, "AAPL", alert.Symbol)
			assert.Equal(t, analysis.SeverityHigh, alert.Severity)
		}
	}
	assert.True(t, found, "expected a PRICE drift alert")

	// The record now carries the drift status.
	var fetched analysis.Record
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/v1/analyses/"+rec.ID, &fetched))
	require.NotNil(t, fetched.DriftStatus)

	// A second tick with an unchanged market does not duplicate it.
	s.monitor.Tick(context.Background())
	var again struct {
		Alerts []analysis.DriftAlert `json:"alerts"`
	}
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/v1/analyses/"+rec.ID+"/alerts", &again))
	assert.Len(t, again.Alerts, len(alerts.Alerts))
}

func TestCancelOverHTTP(t *testing.T) {
	started := make(chan struct{})
	registry := agents.NewRegistry()
	registry.Register("slow", func(ctx context.Context, actx *agents.Context) (*analysis.Opinion, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	s := newStack(t, registry)

	resp := s.postJSON(t, "/api/v1/analyses", map[string]interface{}{
		"query":   "analyze AAPL",
		"symbols": []string{"AAPL"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rec analysis.Record
	decode(t, resp, &rec)

	<-started

	req, err := http.NewRequest(http.MethodDelete, s.server.URL+"/api/v1/analyses/"+rec.ID, nil)
	require.NoError(t, err)
	cancelResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	cancelResp.Body.Close()
	require.Equal(t, http.StatusAccepted, cancelResp.StatusCode)

	final := s.waitCompleted(t, rec.ID)
	assert.Equal(t, analysis.StatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.ErrorMessage)
}

func TestMultiSymbolRunAnalyzesPrimarySymbol(t *testing.T) {
	s := newStack(t, defaultRegistry())

	resp := s.postJSON(t, "/api/v1/analyses", map[string]interface{}{
		"query":   "compare AAPL and MSFT",
		"symbols": []string{"AAPL", "MSFT"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rec analysis.Record
	decode(t, resp, &rec)

	final := s.waitCompleted(t, rec.ID)
	require.Equal(t, analysis.StatusCompleted, final.Status)

	// Both symbols were analyzed; the trade plan targets the primary.
	perSymbol := map[string]int{}
	for _, exec := range final.Executions {
		if exec.Output != nil {
			perSymbol[exec.Output.Symbol]++
		}
	}
	assert.Positive(t, perSymbol["AAPL"])
	assert.Positive(t, perSymbol["MSFT"])

	var art synthesis.FinalArtifact
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/v1/analyses/"+rec.ID+"/artifact", &art))
	assert.Equal(t, "AAPL", art.Symbol)

	// Drift watches every symbol of the analysis, not just the planned one.
	s.monitor.Tick(context.Background())
	var fetched analysis.Record
	require.Equal(t, http.StatusOK, s.getJSON(t, "/api/v1/analyses/"+rec.ID, &fetched))
	require.Contains(t, fetched.DriftStatus, "AAPL")
	require.Contains(t, fetched.DriftStatus, "MSFT")
}

