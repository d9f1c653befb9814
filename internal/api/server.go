// Package api exposes the analysis engine over REST and WebSocket:
// submitting and cancelling analyses, reading records, artifacts,
// drift alerts, and audit trails, managing weighting profiles, and
// streaming live progress.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/analysis"
	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/memory"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
	"github.com/stockcouncil/stockcouncil/internal/profiles"
	"github.com/stockcouncil/stockcouncil/internal/progress"
	"github.com/stockcouncil/stockcouncil/internal/store"
	"github.com/stockcouncil/stockcouncil/internal/synthesis"
)

// Engine is the orchestration surface the API drives
type Engine interface {
	Submit(ctx context.Context, query string, symbols []string) (*analysis.Record, error)
	Cancel(analysisID string) bool
	ActiveRuns() []string
}

// Store is the read surface the API serves from. Both the PostgreSQL
// store and the in-memory store satisfy it.
type Store interface {
	GetRecord(ctx context.Context, id string) (*analysis.Record, error)
	ListRecords(ctx context.Context, status analysis.Status, limit, offset int) ([]*analysis.Record, error)
	CountRecords(ctx context.Context, status analysis.Status) (int64, error)
	GetArtifact(ctx context.Context, analysisID string) (*synthesis.FinalArtifact, error)
	ListDriftAlerts(ctx context.Context, analysisID string, limit int) ([]analysis.DriftAlert, error)
	ListAuditEvents(ctx context.Context, analysisID string, afterID int64, limit int) ([]store.AuditEvent, error)
	Health(ctx context.Context) error
}

// Searcher answers similarity queries over completed analyses
type Searcher interface {
	Enabled() bool
	Search(ctx context.Context, query, symbol string, limit int) ([]memory.Entry, error)
}

// Deps bundles the server's collaborators. Memory may be nil when
// semantic recall is disabled; Profiles may be nil to hide profile
// management.
type Deps struct {
	Engine   Engine
	Store    Store
	Bus      *progress.Bus
	Memory   Searcher
	Profiles *profiles.Store
	Version  string
}

// Server is the REST and WebSocket front end
type Server struct {
	router   *gin.Engine
	engine   Engine
	store    Store
	bus      *progress.Bus
	memory   Searcher
	profiles *profiles.Store
	version  string
	started  time.Time

	addr   string
	server *http.Server
}

// NewServer creates the API server and registers its routes
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:   router,
		engine:   deps.Engine,
		store:    deps.Store,
		bus:      deps.Bus,
		memory:   deps.Memory,
		profiles: deps.Profiles,
		version:  deps.Version,
		started:  time.Now().UTC(),
		addr:     cfg.GetAPIAddr(),
	}
	s.setupRoutes()
	return s
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Stop is called. It blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs one line per request and feeds the API
// request metrics.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		method := c.Request.Method

		metrics.RecordAPIRequest(method, c.FullPath(), fmt.Sprintf("%d", statusCode), float64(latency.Milliseconds()))

		logEvent := log.Info().
			Str("method", method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}
		logEvent.Msg("API request")
	}
}
