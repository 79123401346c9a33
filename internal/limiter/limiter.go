// Package limiter defines interfaces and implementations for per-user attempt limiting.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ScopeRestore keys restore-purchases attempts.
const ScopeRestore = "restore"

// Limiter controls attempts of an operation and temporary lockouts.
type Limiter interface {
	// Allow reports whether the operation is currently allowed and optional retry-after.
	Allow(ctx context.Context, userID uuid.UUID, scope string) (bool, time.Duration, error)
	// Success resets counters after a successful attempt.
	Success(ctx context.Context, userID uuid.UUID, scope string) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, userID uuid.UUID, scope string) (bool, time.Duration, error)
}
