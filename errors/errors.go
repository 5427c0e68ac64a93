package errors

import "fmt"

var (
	// Caller errors. Never retried by the pipeline.
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrMuted           = fmt.Errorf("sender is muted")

	// ErrQueueSaturated is returned when the delivery queue refuses new work.
	// Callers should back off and retry.
	ErrQueueSaturated = fmt.Errorf("delivery queue saturated")

	// ErrClassifierUnavailable is absorbed by the moderation gate (fail open).
	// It never reaches a submitting caller.
	ErrClassifierUnavailable = fmt.Errorf("classifier unavailable")

	// ErrPersistenceFailure wraps store errors on the submission path.
	ErrPersistenceFailure = fmt.Errorf("persistence failure")

	ErrReceiptNotFound = fmt.Errorf("delivery receipt not found")
	ErrWorkerPanic     = fmt.Errorf("worker panic")
	ErrEmptyWords      = fmt.Errorf("no words have been found")
)
