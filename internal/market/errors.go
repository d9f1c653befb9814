package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
)

// ErrorKind classifies external-call failures for retry decisions. The
// same vocabulary covers every upstream the engine talks to; other
// packages tag their errors by implementing Classifier.
type ErrorKind string

const (
	ErrorTransient   ErrorKind = "transient"    // network failures, upstream 5xx
	ErrorPermanent   ErrorKind = "permanent"    // invalid symbol, other 4xx
	ErrorRateLimited ErrorKind = "rate_limited" // upstream 429
)

// Classifier is implemented by errors that carry their own kind
type Classifier interface {
	Classification() ErrorKind
}

// ProviderError wraps a provider failure with its classification
type ProviderError struct {
	Endpoint   string
	StatusCode int
	Kind       ErrorKind
	Message    string
	Err        error // underlying error, if any
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s failed (status %d, %s): %s", e.Endpoint, e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("provider %s failed (%s): %s", e.Endpoint, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Classification implements Classifier
func (e *ProviderError) Classification() ErrorKind {
	return e.Kind
}

// classifyStatus maps an HTTP status code to an error kind
func classifyStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorRateLimited
	case statusCode == http.StatusRequestTimeout:
		return ErrorTransient
	case statusCode >= 500:
		return ErrorTransient
	case statusCode >= 400:
		return ErrorPermanent
	default:
		return ErrorTransient
	}
}

// Classify returns the error kind for any error raised by an upstream
// call. Errors without an explicit classification (raw network failures,
// timeouts, open circuit breakers) count as transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var classified Classifier
	if errors.As(err, &classified) {
		return classified.Classification()
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrorTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}

	return ErrorTransient
}

// IsRetryable reports whether an upstream error is worth retrying.
// Transient and rate-limited failures retry; permanent ones do not.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrorTransient, ErrorRateLimited:
		return true
	default:
		return false
	}
}
