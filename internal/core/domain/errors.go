package domain

import "errors"

// Broker error taxonomy. Callers match with errors.Is.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("invalid or expired token")
	ErrTokenInUse    = errors.New("token in use")
	ErrNotReady      = errors.New("not ready or expired")
	ErrQuotaExceeded = errors.New("daily limit reached")
	ErrFetchFailure  = errors.New("fetch failed")
)
