package llmclient

import (
	"errors"
	"fmt"
)

// ErrParse is the sentinel wrapped by parse failures.
var ErrParse = errors.New("llmclient: could not extract a valid instruction from the model's response")

// TransportError wraps a failed HTTP/JSON round-trip to the LLM
// endpoint. Retryable distinguishes transient failures (timeouts, 429, 5xx) from permanent ones (4xx other than 429).
type TransportError struct {
	Err       error
	Retryable bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llmclient: transport error (retryable=%t): %v", e.Retryable, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err, marking it retryable or not.
func NewTransportError(err error, retryable bool) *TransportError {
	return &TransportError{Err: err, Retryable: retryable}
}
