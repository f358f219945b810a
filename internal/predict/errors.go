package predict

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/selfplay/internal/metrics"
)

var (
	// ErrTimeout is returned when an attempt exceeds the per-attempt timeout.
	ErrTimeout = errors.New("predict: request timed out")

	// ErrBadResponse is returned for a 2xx response without a usable move.
	ErrBadResponse = errors.New("predict: malformed response")
)

// ServiceError is a non-2xx response from the prediction service.
type ServiceError struct {
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("predict: service returned %d: %s", e.StatusCode, e.Body)
}

// TransportError is a connection-level failure: refused, reset, DNS.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("predict: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Classify maps a prediction failure onto the metrics taxonomy by type.
func Classify(err error) metrics.ErrorType {
	if errors.Is(err, ErrTimeout) {
		return metrics.ErrServeTimeout
	}
	var se *ServiceError
	if errors.As(err, &se) && se.StatusCode >= 500 {
		return metrics.ErrServe5xx
	}
	return metrics.ErrOther
}

// retriable reports whether another attempt may succeed. Service errors and
// malformed responses are returned to the caller immediately.
func retriable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var te *TransportError
	return errors.As(err, &te)
}
