package telemetry

import "fmt"

// DiscardReason classifies a rejected payload.
type DiscardReason string

const (
	ReasonNonStructured   DiscardReason = "non-structured payload"
	ReasonSchemaViolation DiscardReason = "schema violation"
)

// DiscardError reports a payload that must be dropped without any write.
type DiscardError struct {
	Reason DiscardReason
	Err    error
}

func (e *DiscardError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DiscardError) Unwrap() error {
	return e.Err
}

// Discard builds a DiscardError.
func Discard(reason DiscardReason, err error) *DiscardError {
	return &DiscardError{Reason: reason, Err: err}
}
