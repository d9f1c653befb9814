package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBreakerManager(t *testing.T) {
	manager := NewBreakerManager()

	require.NotNil(t, manager)
	require.NotNil(t, manager.Provider())
	require.NotNil(t, manager.LLM())
	require.NotNil(t, manager.Database())
	require.NotNil(t, manager.Metrics())

	assert.Equal(t, gobreaker.StateClosed, manager.Provider().State())
	assert.Equal(t, gobreaker.StateClosed, manager.LLM().State())
	assert.Equal(t, gobreaker.StateClosed, manager.Database().State())
}

func TestProviderBreakerOpensAtThreshold(t *testing.T) {
	manager := NewBreakerManager()

	t.Run("successes keep the circuit closed", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			_, err := manager.Provider().Execute(func() (interface{}, error) {
				return "ok", nil
			})
			require.NoError(t, err)
		}
		assert.Equal(t, gobreaker.StateClosed, manager.Provider().State())
	})

	t.Run("circuit opens after repeated failures", func(t *testing.T) {
		manager := NewBreakerManager()

		// Provider trips at 5 requests with a 60% failure ratio.
		for i := 0; i < 5; i++ {
			_, _ = manager.Provider().Execute(func() (interface{}, error) {
				return nil, errors.New("provider error")
			})
		}
		assert.Equal(t, gobreaker.StateOpen, manager.Provider().State())

		_, err := manager.Provider().Execute(func() (interface{}, error) {
			return "should not run", nil
		})
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	})
}

func TestLLMBreakerTripsEarlier(t *testing.T) {
	manager := NewBreakerManager()

	// LLM trips at 3 requests.
	for i := 0; i < 3; i++ {
		_, _ = manager.LLM().Execute(func() (interface{}, error) {
			return nil, errors.New("llm error")
		})
	}
	assert.Equal(t, gobreaker.StateOpen, manager.LLM().State())

	// Other services are unaffected.
	assert.Equal(t, gobreaker.StateClosed, manager.Provider().State())
	assert.Equal(t, gobreaker.StateClosed, manager.Database().State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	settings := &ServiceSettings{
		MinRequests:     2,
		FailureRatio:    0.5,
		OpenTimeout:     50 * time.Millisecond,
		HalfOpenMaxReqs: 2,
		CountInterval:   time.Second,
	}
	manager := NewBreakerManagerWithSettings(settings, nil, nil)

	for i := 0; i < 2; i++ {
		_, _ = manager.Provider().Execute(func() (interface{}, error) {
			return nil, errors.New("boom")
		})
	}
	require.Equal(t, gobreaker.StateOpen, manager.Provider().State())

	time.Sleep(70 * time.Millisecond)

	// First call after the open timeout probes in half-open state.
	_, err := manager.Provider().Execute(func() (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)

	_, err = manager.Provider().Execute(func() (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)

	assert.Equal(t, gobreaker.StateClosed, manager.Provider().State())
}

func TestPassthroughBreakerNeverTrips(t *testing.T) {
	manager := NewPassthroughBreakerManager()

	for i := 0; i < 50; i++ {
		_, _ = manager.Provider().Execute(func() (interface{}, error) {
			return nil, errors.New("always failing")
		})
	}
	assert.Equal(t, gobreaker.StateClosed, manager.Provider().State())

	// Calls still reach the wrapped function.
	result, err := manager.Provider().Execute(func() (interface{}, error) {
		return "through", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "through", result)
}

func TestBreakerMetricsRecording(t *testing.T) {
	manager := NewBreakerManager()

	// Recording must not panic and must accept both outcomes.
	manager.Metrics().RecordRequest("provider", true)
	manager.Metrics().RecordRequest("provider", false)
	manager.Metrics().RecordRequest("llm", true)
}
