// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity (patient, grant, record) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotOwner indicates a grant revocation by a doctor who does not hold the grant.
	ErrNotOwner = errors.New("not owner")

	// ErrConflict indicates a duplicate active grant race. Services resolve it by
	// returning the existing grant, so it rarely reaches callers.
	ErrConflict = errors.New("conflict")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrAdapterFailure indicates an extraction or digest call failed or timed out.
	ErrAdapterFailure = errors.New("adapter failure")

	// ErrStorageFailure indicates the persistence layer (tables or object store) is unavailable.
	ErrStorageFailure = errors.New("storage failure")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated principal lacks access to the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates temporary lookup lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidInput indicates a validation failure of caller-supplied data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTooLarge indicates an upload or request body over the configured limit.
	ErrTooLarge = errors.New("too large")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")
)
