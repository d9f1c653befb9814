package risk

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Circuit breaker states for Prometheus metrics
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Circuit breaker thresholds per service type
const (
	// Market data provider settings
	ProviderMinRequests     = 5
	ProviderFailureRatio    = 0.6
	ProviderOpenTimeout     = 30 * time.Second
	ProviderHalfOpenMaxReqs = 3
	ProviderCountInterval   = 10 * time.Second

	// LLM settings (longer open timeout for model recovery)
	LLMMinRequests     = 3
	LLMFailureRatio    = 0.6
	LLMOpenTimeout     = 60 * time.Second
	LLMHalfOpenMaxReqs = 2
	LLMCountInterval   = 10 * time.Second

	// Database settings (quick recovery)
	DBMinRequests     = 10
	DBFailureRatio    = 0.6
	DBOpenTimeout     = 15 * time.Second
	DBHalfOpenMaxReqs = 5
	DBCountInterval   = 10 * time.Second
)

// BreakerManager manages circuit breakers for the engine's external
// dependencies: the market data provider, the LLM gateway, and the database.
type BreakerManager struct {
	provider *gobreaker.CircuitBreaker
	llm      *gobreaker.CircuitBreaker
	database *gobreaker.CircuitBreaker
	metrics  *BreakerMetrics
}

// BreakerMetrics holds Prometheus metrics for circuit breakers
type BreakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
}

var (
	globalBreakerMetrics *BreakerMetrics
	breakerMetricsOnce   sync.Once
)

// initBreakerMetrics registers the breaker metrics exactly once
func initBreakerMetrics() {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &BreakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "stockcouncil_circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"service"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stockcouncil_circuit_breaker_requests_total",
					Help: "Total number of requests through circuit breaker",
				},
				[]string{"service", "result"},
			),
			failures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stockcouncil_circuit_breaker_failures_total",
					Help: "Total number of failures tracked by circuit breaker",
				},
				[]string{"service"},
			),
		}
	})
}

// ServiceSettings holds circuit breaker configuration for a single service
type ServiceSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// NewBreakerManager creates a circuit breaker manager with default settings.
func NewBreakerManager() *BreakerManager {
	return NewBreakerManagerWithSettings(nil, nil, nil)
}

// NewBreakerManagerWithSettings creates a circuit breaker manager.
// Nil settings fall back to the per-service defaults above.
func NewBreakerManagerWithSettings(providerSettings, llmSettings, dbSettings *ServiceSettings) *BreakerManager {
	initBreakerMetrics()

	manager := &BreakerManager{
		metrics: globalBreakerMetrics,
	}

	if providerSettings == nil {
		providerSettings = &ServiceSettings{
			MinRequests:     ProviderMinRequests,
			FailureRatio:    ProviderFailureRatio,
			OpenTimeout:     ProviderOpenTimeout,
			HalfOpenMaxReqs: ProviderHalfOpenMaxReqs,
			CountInterval:   ProviderCountInterval,
		}
	}
	if llmSettings == nil {
		llmSettings = &ServiceSettings{
			MinRequests:     LLMMinRequests,
			FailureRatio:    LLMFailureRatio,
			OpenTimeout:     LLMOpenTimeout,
			HalfOpenMaxReqs: LLMHalfOpenMaxReqs,
			CountInterval:   LLMCountInterval,
		}
	}
	if dbSettings == nil {
		dbSettings = &ServiceSettings{
			MinRequests:     DBMinRequests,
			FailureRatio:    DBFailureRatio,
			OpenTimeout:     DBOpenTimeout,
			HalfOpenMaxReqs: DBHalfOpenMaxReqs,
			CountInterval:   DBCountInterval,
		}
	}

	manager.provider = newBreaker("provider", providerSettings, manager)
	manager.llm = newBreaker("llm", llmSettings, manager)
	manager.database = newBreaker("database", dbSettings, manager)

	manager.updateMetrics("provider", manager.provider.State())
	manager.updateMetrics("llm", manager.llm.State())
	manager.updateMetrics("database", manager.database.State())

	return manager
}

func newBreaker(service string, settings *ServiceSettings, manager *BreakerManager) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: settings.HalfOpenMaxReqs,
		Interval:    settings.CountInterval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= settings.MinRequests && failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			manager.updateMetrics(service, to)
		},
	})
}

// NewPassthroughBreakerManager creates a manager whose breakers never trip.
// Useful in tests that exercise other components.
func NewPassthroughBreakerManager() *BreakerManager {
	initBreakerMetrics()

	manager := &BreakerManager{
		metrics: globalBreakerMetrics,
	}

	neverTrip := func(counts gobreaker.Counts) bool {
		return false
	}

	passthrough := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1000,
			Interval:    0,
			Timeout:     1 * time.Millisecond,
			ReadyToTrip: neverTrip,
		})
	}

	manager.provider = passthrough("provider_passthrough")
	manager.llm = passthrough("llm_passthrough")
	manager.database = passthrough("database_passthrough")

	return manager
}

// Provider returns the market data provider circuit breaker
func (m *BreakerManager) Provider() *gobreaker.CircuitBreaker {
	return m.provider
}

// LLM returns the LLM circuit breaker
func (m *BreakerManager) LLM() *gobreaker.CircuitBreaker {
	return m.llm
}

// Database returns the database circuit breaker
func (m *BreakerManager) Database() *gobreaker.CircuitBreaker {
	return m.database
}

func (m *BreakerManager) updateMetrics(service string, state gobreaker.State) {
	var stateValue float64
	switch state {
	case gobreaker.StateClosed:
		stateValue = 0
	case gobreaker.StateOpen:
		stateValue = 1
	case gobreaker.StateHalfOpen:
		stateValue = 2
	}
	m.metrics.state.WithLabelValues(service).Set(stateValue)
}

// RecordRequest records a request result for metrics
func (m *BreakerMetrics) RecordRequest(service string, success bool) {
	result := ResultSuccess
	if !success {
		result = ResultFailure
		m.failures.WithLabelValues(service).Inc()
	}
	m.requests.WithLabelValues(service, result).Inc()
}

// Metrics returns the metrics instance for manual recording
func (m *BreakerManager) Metrics() *BreakerMetrics {
	return m.metrics
}
