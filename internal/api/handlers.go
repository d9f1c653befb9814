package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/memory"
	"github.com/stockcouncil/stockcouncil/internal/store"
)

const (
	maxSymbolsPerRequest = 10
	maxListLimit         = 200
)

// submitRequest is the POST /analyses body
type submitRequest struct {
	Query   string   `json:"query" binding:"required"`
	Symbols []string `json:"symbols" binding:"required,min=1"`
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}

// handleSubmitAnalysis accepts a new analysis and returns the pending
// record immediately; the run proceeds in the background.
func (s *Server) handleSubmitAnalysis(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("query and at least one symbol are required"))
		return
	}
	if len(req.Symbols) > maxSymbolsPerRequest {
		c.JSON(http.StatusBadRequest, errorBody("too many symbols in one request"))
		return
	}

	rec, err := s.engine.Submit(c.Request.Context(), req.Query, req.Symbols)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// handleListAnalyses lists records, optionally filtered by status
func (s *Server) handleListAnalyses(c *gin.Context) {
	status := analysis.Status(c.Query("status"))
	switch status {
	case "", analysis.StatusPending, analysis.StatusRunning, analysis.StatusCompleted, analysis.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, errorBody("unknown status filter"))
		return
	}

	limit := intQuery(c, "limit", 50, maxListLimit)
	offset := intQuery(c, "offset", 0, 1<<30)

	records, err := s.store.ListRecords(c.Request.Context(), status, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("failed to list analyses"))
		return
	}
	total, err := s.store.CountRecords(c.Request.Context(), status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("failed to count analyses"))
		return
	}
	if records == nil {
		records = []*analysis.Record{}
	}

	c.JSON(http.StatusOK, gin.H{
		"analyses": records,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleGetAnalysis returns one record by id
func (s *Server) handleGetAnalysis(c *gin.Context) {
	rec, err := s.store.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("analysis not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody("failed to load analysis"))
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleCancelAnalysis aborts an in-flight run. Cancelling an analysis
// that already finished is a conflict; an unknown id is not found.
func (s *Server) handleCancelAnalysis(c *gin.Context) {
	id := c.Param("id")
	if s.engine.Cancel(id) {
		c.JSON(http.StatusAccepted, gin.H{"id": id, "cancelling": true})
		return
	}

	rec, err := s.store.GetRecord(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("analysis not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody("failed to load analysis"))
		return
	}
	c.JSON(http.StatusConflict, errorBody("analysis already "+string(rec.Status)))
}

// handleGetArtifact returns the final trade plan for a completed
// analysis.
func (s *Server) handleGetArtifact(c *gin.Context) {
	artifact, err := s.store.GetArtifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("artifact not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody("failed to load artifact"))
		return
	}
	c.JSON(http.StatusOK, artifact)
}

// handleListAlerts returns drift alerts for an analysis, newest first
func (s *Server) handleListAlerts(c *gin.Context) {
	limit := intQuery(c, "limit", 50, maxListLimit)
	alerts, err := s.store.ListDriftAlerts(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("failed to list alerts"))
		return
	}
	if alerts == nil {
		alerts = []analysis.DriftAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// handleListEvents pages through the archived audit trail of an
// analysis, oldest first.
func (s *Server) handleListEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 100, maxListLimit)
	after := int64(intQuery(c, "after", 0, 1<<30))

	events, err := s.store.ListAuditEvents(c.Request.Context(), c.Param("id"), after, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("failed to list events"))
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}

	var next int64
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next_after": next})
}

// handleSimilarAnalyses returns past analyses semantically close to
// this one, searched by its original query.
func (s *Server) handleSimilarAnalyses(c *gin.Context) {
	if s.memory == nil || !s.memory.Enabled() {
		c.JSON(http.StatusNotImplemented, errorBody("semantic recall is disabled"))
		return
	}

	rec, err := s.store.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, errorBody("analysis not found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody("failed to load analysis"))
		return
	}

	limit := intQuery(c, "limit", 5, 50)
	symbol := c.Query("symbol")

	entries, err := s.memory.Search(c.Request.Context(), rec.Query, symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("similarity search failed"))
		return
	}

	// The analysis itself is not an interesting neighbor.
	filtered := make([]memory.Entry, 0, len(entries))
	for _, e := range entries {
		if e.AnalysisID != rec.ID {
			filtered = append(filtered, e)
		}
	}
	c.JSON(http.StatusOK, gin.H{"similar": filtered})
}

// handleStatus reports engine liveness and workload
func (s *Server) handleStatus(c *gin.Context) {
	active := s.engine.ActiveRuns()
	completed, _ := s.store.CountRecords(c.Request.Context(), analysis.StatusCompleted)
	failed, _ := s.store.CountRecords(c.Request.Context(), analysis.StatusFailed)

	c.JSON(http.StatusOK, gin.H{
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"active_runs":    len(active),
		"active_ids":     active,
		"completed":      completed,
		"failed":         failed,
	})
}

// handleHealth checks the persistence dependency
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "stockcouncil",
		"version": s.version,
		"api":     "/api/v1",
	})
}

// intQuery parses a non-negative integer query parameter with a
// default and a cap.
func intQuery(c *gin.Context, name string, def, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
