// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a concurrent writer changed the row first.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller is temporarily locked out (restore attempts).
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., transaction id recorded).
	ErrAlreadyExists = errors.New("already exists")
)

// Purchase flow sentinels. Each one maps to a distinct user-facing message.
var (
	// ErrPlatformUnavailable indicates the store is not supported on this platform.
	ErrPlatformUnavailable = errors.New("store unavailable on this platform")

	// ErrConnectFailed indicates the store connection could not be established.
	ErrConnectFailed = errors.New("store connection failed")

	// ErrStoreFailure indicates the native purchase call itself failed.
	ErrStoreFailure = errors.New("store purchase failed")

	// ErrUserCanceled indicates the user dismissed the purchase sheet. Not a real failure.
	ErrUserCanceled = errors.New("purchase canceled by user")

	// ErrPurchaseInFlight indicates another purchase is still awaiting its result.
	ErrPurchaseInFlight = errors.New("another purchase is in progress")

	// ErrPurchaseTimeout indicates no store callback arrived in time; the purchase may still complete.
	ErrPurchaseTimeout = errors.New("purchase timed out; use restore purchases to check its status")

	// ErrReceiptUnobtainable indicates receipt polling was exhausted.
	ErrReceiptUnobtainable = errors.New("receipt not available")

	// ErrNoSession indicates there is no authenticated user for validation.
	ErrNoSession = errors.New("no authenticated session")

	// ErrValidationRejected indicates the validator explicitly refused the purchase.
	ErrValidationRejected = errors.New("purchase validation rejected")

	// ErrValidationNetwork indicates the validator could not be reached or answered garbage.
	ErrValidationNetwork = errors.New("purchase validation unavailable")

	// ErrPartialPersistence indicates the subscription row and profile flag disagree after a write.
	ErrPartialPersistence = errors.New("entitlement partially persisted")
)
