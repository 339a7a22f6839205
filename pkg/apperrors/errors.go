package apperrors

import "errors"

// Standardized pipeline errors. Callers classify with errors.Is.
var (
	// ErrDuplicateOrderKey is raised on an order insert whose
	// order_unique_key already exists. Ingress maps it to HTTP 409.
	ErrDuplicateOrderKey = errors.New("duplicate order unique key")

	// ErrSliceAlreadyClaimed is raised when the UNIQUE(slice_id) interlock
	// rejects an execution insert. The worker abandons the slice silently.
	ErrSliceAlreadyClaimed = errors.New("slice already claimed")

	// ErrNetwork marks network-shaped broker failures (timeout, connection,
	// unreachable). Placement retries these with backoff.
	ErrNetwork = errors.New("network error")

	// ErrBrokerRejected marks a non-network broker rejection. Terminal,
	// never retried.
	ErrBrokerRejected = errors.New("broker rejected")

	// ErrValidation marks a slice that fails pre-placement validation.
	ErrValidation = errors.New("validation failed")

	// ErrOwnershipLost is returned by ownership verification when the lease
	// has expired or another writer finalized the execution.
	ErrOwnershipLost = errors.New("execution ownership lost")

	// ErrOrderNotFound is returned for lookups of unknown orders.
	ErrOrderNotFound = errors.New("order not found")

	// ErrExecutionNotFound is returned for lookups of unknown executions.
	ErrExecutionNotFound = errors.New("execution not found")
)

// IsNetwork reports whether err is network-shaped and safe to retry.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}
