package ports

import "errors"

// Standard application-level errors.
// Adapters and services wrap underlying errors with these sentinels so
// callers can branch with errors.Is without knowing the storage backend.
var (
	// Ledger errors
	ErrOversell         = errors.New("sell quantity exceeds held quantity")
	ErrPositionNotFound = errors.New("no position held for portfolio and asset")
	ErrInvalidRequest   = errors.New("invalid request parameters or format")

	// General errors
	ErrNotFound        = errors.New("resource not found")
	ErrContextCanceled = errors.New("operation canceled via context")

	// Database errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrDeleteFailed   = errors.New("database delete failed")
)
