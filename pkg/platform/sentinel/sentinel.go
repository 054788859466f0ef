package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, transports and state
// stores return these (optionally wrapped) so services can translate them
// into domain errors or retry decisions.
//
// These represent factual states, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: attempt already sealed; further writes are refused
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: remote or resource temporarily unavailable (retryable)
// - ErrRejected: remote refused the payload permanently (not retryable)
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrRejected     = errors.New("rejected")
)
