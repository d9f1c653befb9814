package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Provider API error categories (bounded set)
	ProviderErrorTimeout     = "timeout"
	ProviderErrorRateLimit   = "rate_limit"
	ProviderErrorAuth        = "authentication"
	ProviderErrorNetwork     = "network"
	ProviderErrorInvalidReq  = "invalid_request"
	ProviderErrorServerError = "server_error"
	ProviderErrorOther       = "other"

	// Agent failure reasons (bounded set)
	AgentFailureTimeout   = "timeout"
	AgentFailureRateLimit = "rate_limit"
	AgentFailureContract  = "contract_violation"
	AgentFailureNetwork   = "network"
	AgentFailureCancelled = "cancelled"
	AgentFailureOther     = "other"
)

// NormalizeProviderError maps arbitrary provider errors to a bounded set
func NormalizeProviderError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ProviderErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return ProviderErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return ProviderErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return ProviderErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return ProviderErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return ProviderErrorServerError
	default:
		return ProviderErrorOther
	}
}

// NormalizeAgentFailure maps arbitrary agent failure messages to a bounded set
func NormalizeAgentFailure(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return AgentFailureTimeout
	case strings.Contains(lower, "rate") || strings.Contains(lower, "429"):
		return AgentFailureRateLimit
	case strings.Contains(lower, "contract") || strings.Contains(lower, "malformed") || strings.Contains(lower, "parse"):
		return AgentFailureContract
	case strings.Contains(lower, "network") || strings.Contains(lower, "connection"):
		return AgentFailureNetwork
	case strings.Contains(lower, "cancel"):
		return AgentFailureCancelled
	default:
		return AgentFailureOther
	}
}

// Analysis Pipeline Metrics
var (
	// Analyses submitted
	AnalysesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockcouncil_analyses_submitted_total",
		Help: "Total number of analysis requests submitted",
	})

	// Analyses finished by terminal status
	AnalysesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_analyses_finished_total",
		Help: "Total number of analyses reaching a terminal status",
	}, []string{"status"})

	// Analyses currently running
	AnalysesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockcouncil_analyses_in_flight",
		Help: "Number of analyses currently running",
	})

	// Whole-run duration
	AnalysisRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockcouncil_analysis_run_duration_seconds",
		Help:    "End-to-end analysis run duration in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 180, 300},
	})

	// Agent executions by terminal state
	AgentExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_agent_executions_total",
		Help: "Total agent executions by terminal state",
	}, []string{"agent_id", "status"})

	// Agent execution duration
	AgentExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockcouncil_agent_execution_duration_seconds",
		Help:    "Per-agent execution duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"agent_id"})

	// Agent retry attempts
	AgentRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_agent_retries_total",
		Help: "Total agent retry attempts",
	}, []string{"agent_id"})

	// Agent failures by normalized reason
	AgentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_agent_failures_total",
		Help: "Total agent failures by normalized reason",
	}, []string{"agent_id", "reason"})

	// Global admission wait time
	AdmissionWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockcouncil_admission_wait_seconds",
		Help:    "Time agent executions spend waiting for a global admission slot",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
	})
)

// Consensus / Synthesis / Critique Metrics
var (
	// Consensus recommendations
	ConsensusRecommendations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_consensus_recommendations_total",
		Help: "Consensus recommendations by class",
	}, []string{"recommendation"})

	// Agreement distribution
	ConsensusAgreement = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockcouncil_consensus_agreement",
		Help:    "Agreement level of consensus results",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// Risk-adjusted downgrades applied by the consensus engine
	ConsensusRiskOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockcouncil_consensus_risk_overrides_total",
		Help: "Consensus recommendations downgraded by the risk override rules",
	})

	// Conservative fallback artifacts installed by the orchestrator
	SynthesisFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockcouncil_synthesis_fallbacks_total",
		Help: "Runs that fell back to the conservative HOLD artifact",
	})

	// Critique corrections by flag
	CritiqueCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_critique_corrections_total",
		Help: "Critique corrections and flags applied to final artifacts",
	}, []string{"flag"})
)

// Progress / Drift Metrics
var (
	// Progress events published
	ProgressEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_progress_events_total",
		Help: "Progress events published by kind",
	}, []string{"event_type"})

	// Active progress subscribers
	ProgressSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockcouncil_progress_subscribers",
		Help: "Number of active progress subscribers",
	})

	// Subscribers dropped for falling behind
	ProgressSubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockcouncil_progress_subscribers_dropped_total",
		Help: "Subscribers dropped after exceeding the event backlog",
	})

	// Drift snapshots taken
	DriftSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockcouncil_drift_snapshots_total",
		Help: "Drift snapshots sampled",
	})

	// Drift alerts raised
	DriftAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_drift_alerts_total",
		Help: "Drift alerts raised by kind and severity",
	}, []string{"kind", "severity"})

	// Drift tick duration
	DriftTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockcouncil_drift_tick_duration_seconds",
		Help:    "Duration of one drift monitor tick",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)

// External Dependency Metrics
var (
	// Provider request latency
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockcouncil_provider_latency_ms",
		Help:    "Market data provider latency in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"endpoint"})

	// Provider errors
	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_provider_errors_total",
		Help: "Market data provider errors by category",
	}, []string{"endpoint", "error_type"})

	// LLM requests
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_llm_requests_total",
		Help: "LLM requests by model and status",
	}, []string{"model", "status"})

	// LLM request latency
	LLMRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockcouncil_llm_request_duration_ms",
		Help:    "LLM request duration in milliseconds",
		Buckets: []float64{100, 500, 1000, 2500, 5000, 10000, 30000},
	})

	// Research tool calls
	ResearchToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_research_tool_calls_total",
		Help: "MCP research tool calls by server and outcome",
	}, []string{"server", "status"})

	// Vault secret requests
	VaultRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_vault_requests_total",
		Help: "Vault secret requests by status",
	}, []string{"status"})

	// Vault secret cache
	VaultCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockcouncil_vault_cache_hits_total",
		Help: "Vault secret cache hits",
	})
	VaultCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockcouncil_vault_cache_misses_total",
		Help: "Vault secret cache misses",
	})
)

// Storage / API Metrics
var (
	// Database query latency
	StoreQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockcouncil_store_query_duration_ms",
		Help:    "Store query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
	}, []string{"query_type"})

	// Database pool state
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockcouncil_db_connections_active",
		Help: "Active database connections",
	})
	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockcouncil_db_connections_idle",
		Help: "Idle database connections",
	})

	// Redis operations
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_redis_operations_total",
		Help: "Redis operations by type",
	}, []string{"operation"})

	// Redis cache hit rate
	RedisCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockcouncil_redis_cache_hit_rate",
		Help: "Redis cache hit rate (0.0 to 1.0)",
	})

	// API requests
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_http_requests_total",
		Help: "HTTP requests by method, path and status",
	}, []string{"method", "path", "status"})

	// API request latency
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockcouncil_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 1000},
	}, []string{"method", "path", "status"})

	// Websocket progress clients
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockcouncil_websocket_clients",
		Help: "Connected websocket progress clients",
	})

	// Generic errors
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockcouncil_errors_total",
		Help: "Errors by type and component",
	}, []string{"error_type", "component"})
)

// Helper functions to update metrics

// RecordAnalysisSubmitted records a newly submitted analysis
func RecordAnalysisSubmitted() {
	AnalysesSubmitted.Inc()
	AnalysesInFlight.Inc()
}

// RecordAnalysisFinished records a terminal analysis status with duration
func RecordAnalysisFinished(status string, durationSeconds float64) {
	AnalysesFinished.WithLabelValues(status).Inc()
	AnalysesInFlight.Dec()
	AnalysisRunDuration.Observe(durationSeconds)
}

// RecordAgentExecution records one agent execution outcome
func RecordAgentExecution(agentID, status string, durationSeconds float64) {
	AgentExecutions.WithLabelValues(agentID, status).Inc()
	AgentExecutionDuration.WithLabelValues(agentID).Observe(durationSeconds)
}

// RecordAgentRetry records a retry attempt for an agent
func RecordAgentRetry(agentID string) {
	AgentRetries.WithLabelValues(agentID).Inc()
}

// RecordAgentFailure records an agent failure with a normalized reason
func RecordAgentFailure(agentID, reason string) {
	AgentFailures.WithLabelValues(agentID, NormalizeAgentFailure(reason)).Inc()
}

// RecordConsensus records a consensus outcome
func RecordConsensus(recommendation string, agreement float64) {
	ConsensusRecommendations.WithLabelValues(recommendation).Inc()
	ConsensusAgreement.Observe(agreement)
}

// RecordCritiqueFlag records a critique correction or flag
func RecordCritiqueFlag(flag string) {
	CritiqueCorrections.WithLabelValues(flag).Inc()
}

// RecordProgressEvent records a published progress event
func RecordProgressEvent(eventType string) {
	ProgressEvents.WithLabelValues(eventType).Inc()
}

// RecordDriftAlert records a raised drift alert
func RecordDriftAlert(kind, severity string) {
	DriftAlerts.WithLabelValues(kind, severity).Inc()
}

// RecordProviderCall records a provider call with normalized error category
func RecordProviderCall(endpoint string, durationMs float64, err error) {
	ProviderLatency.WithLabelValues(endpoint).Observe(durationMs)
	if err != nil {
		ProviderErrors.WithLabelValues(endpoint, NormalizeProviderError(err)).Inc()
	}
}

// RecordLLMRequest records an LLM request
func RecordLLMRequest(model string, durationMs float64, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	LLMRequests.WithLabelValues(model, status).Inc()
	LLMRequestDuration.Observe(durationMs)
}

// RecordResearchToolCall records an MCP research tool call
func RecordResearchToolCall(server string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	ResearchToolCalls.WithLabelValues(server, status).Inc()
}

// RecordVaultRequest records a Vault secret read
func RecordVaultRequest(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	VaultRequests.WithLabelValues(status).Inc()
}

// RecordVaultCacheHit records a Vault cache hit
func RecordVaultCacheHit() {
	VaultCacheHits.Inc()
}

// RecordVaultCacheMiss records a Vault cache miss
func RecordVaultCacheMiss() {
	VaultCacheMisses.Inc()
}

// RecordStoreQuery records a store query
func RecordStoreQuery(queryType string, durationMs float64) {
	StoreQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}
