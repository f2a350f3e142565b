// Package limiter throttles repeated enrollment failures per (user, provider account).
package limiter

import (
	"context"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter controls enrollment attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and an optional retry-after.
	Allow(ctx context.Context, userID uuid.UUID, accountName string) (bool, time.Duration, error)
	// Success resets counters after a completed login.
	Success(ctx context.Context, userID uuid.UUID, accountName string) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, userID uuid.UUID, accountName string) (bool, time.Duration, error)
}

func normalize(accountName string) string {
	return strings.ToLower(strings.TrimSpace(accountName))
}
