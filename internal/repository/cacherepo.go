// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/guardkeeper/internal/model"
)

// ResolveFunc runs while the cache entry is locked and still pending. It returns the terminal
// status to store; an error leaves the entry pending.
type ResolveFunc func(ctx context.Context, e model.CacheEntry) (model.Status, error)

// CacheRepository stores one row per (account, confirmation id).
type CacheRepository interface {
	// InsertIfAbsent creates a pending entry; it reports false when the row already exists.
	InsertIfAbsent(ctx context.Context, accountID int64, c model.Confirmation, now time.Time) (bool, error)

	// RefreshPending bumps last_seen_at and the nonce of a pending entry. Status is untouched.
	// It reports false when no pending row matched.
	RefreshPending(ctx context.Context, accountID int64, c model.Confirmation, now time.Time) (bool, error)

	// ListPending returns pending entries of an account ordered by first_seen_at.
	ListPending(ctx context.Context, accountID int64) ([]model.CacheEntry, error)

	// Get returns a single entry.
	Get(ctx context.Context, accountID int64, confirmationID string) (model.CacheEntry, error)

	// FindPending returns pending entries with the given id across the accounts.
	FindPending(ctx context.Context, accountIDs []int64, confirmationID string) ([]model.CacheEntry, error)

	// Expire moves the listed pending entries to expired and returns the ids actually changed.
	Expire(ctx context.Context, accountID int64, ids []string, now time.Time) ([]string, error)

	// Resolve locks the entry, re-checks it is pending, calls fn and stores its status.
	Resolve(ctx context.Context, accountID int64, confirmationID string, now time.Time, fn ResolveFunc) (model.CacheEntry, error)
}
