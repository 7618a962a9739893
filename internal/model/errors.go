package model

import "errors"

// Error taxonomy shared by every component. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrConfiguration is fatal at startup (e.g. salience weights not summing to 1.0).
	ErrConfiguration = errors.New("configuration error")

	// ErrCapabilityUnavailable means the text synthesis capability failed,
	// timed out, or is behind an open circuit breaker.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrConcurrencyConflict means a relationship was dirtied while it was
	// being synthesized.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDataIntegrity rejects malformed input at the boundary.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
)
