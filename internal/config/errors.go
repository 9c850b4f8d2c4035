// internal/config/errors.go
package config

import "errors"

// Validation errors
var (
	// ErrInvalidDriver indicates the database driver is not supported
	ErrInvalidDriver = errors.New("database driver must be \"postgres\" or \"sqlite\"")

	// ErrMissingDSN indicates no database connection string is set
	ErrMissingDSN = errors.New("database DSN is required")

	// ErrInvalidMaxAttempts indicates the redelivery bound is too low
	ErrInvalidMaxAttempts = errors.New("dispatch max attempts must be at least 1")

	// ErrInvalidFixedDelay indicates the redelivery delay is not positive
	ErrInvalidFixedDelay = errors.New("dispatch fixed delay must be positive")

	// ErrInvalidConcurrency indicates worker concurrency is out of range
	ErrInvalidConcurrency = errors.New("worker concurrency must be between 1 and 256")

	// ErrInvalidVisibility indicates the visibility timeout is too short
	ErrInvalidVisibility = errors.New("worker visibility timeout must be at least 1 minute")

	// ErrInvalidChunkSize indicates the ingest chunk size is not positive
	ErrInvalidChunkSize = errors.New("ingest chunk size must be at least 1")

	// ErrInvalidRate indicates the processor rate limit is not positive
	ErrInvalidRate = errors.New("processor requests per second must be positive")

	// ErrInvalidSweep indicates a sweep duration is not positive
	ErrInvalidSweep = errors.New("sweep stale-after and interval must be positive")
)

// Loading errors
var (
	// ErrInvalidEnv indicates an environment override could not be parsed
	ErrInvalidEnv = errors.New("invalid environment override")
)
