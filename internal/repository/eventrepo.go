package repository

import (
	"context"

	"github.com/and161185/guardkeeper/internal/model"
)

// EventRepository is the append-only audit log.
type EventRepository interface {
	// Append records an event.
	Append(ctx context.Context, ev model.Event) error
	// ListByAccount returns the newest events of an account, newest first.
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]model.Event, error)
}
