package types

import "errors"

// Error taxonomy shared across the engine. Validation errors are rejected to
// the caller and never retried; resource errors may be retried by the caller;
// transient coordination errors are retried up to the coordinator's retry
// budget and then force-aborted; fatal errors halt the affected transaction
// path only.
var (
	// Validation
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrInvalidShardID       = errors.New("invalid shard id")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrInvalidOperation     = errors.New("invalid operation")

	// Resource
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Transient coordination
	ErrTimeout = errors.New("timeout")
	ErrNetwork = errors.New("network error")

	// Storage
	ErrStorage  = errors.New("storage error")
	ErrNotFound = errors.New("not found")

	// Fatal
	ErrInternal          = errors.New("internal error")
	ErrSecurityViolation = errors.New("security violation")
)
