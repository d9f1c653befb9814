package agents

import (
	"fmt"

	"github.com/stockcouncil/stockcouncil/internal/market"
)

// permanentError pins a failure to the permanent kind so the runtime
// will not retry it.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Classification implements market.Classifier
func (e *permanentError) Classification() market.ErrorKind {
	return market.ErrorPermanent
}

var _ market.Classifier = (*permanentError)(nil)

// Permanent wraps an error that retrying cannot fix: contract
// violations, malformed model output, missing input data.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent over a formatted error
func Permanentf(format string, args ...interface{}) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}
