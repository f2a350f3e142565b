package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"
)

// ChatRepository maps users to their notification chat.
type ChatRepository interface {
	// ChatID returns the bound chat; ok is false when none is bound.
	ChatID(ctx context.Context, userID uuid.UUID) (chatID int64, ok bool, err error)
	// Bind stores or replaces the chat of a user.
	Bind(ctx context.Context, userID uuid.UUID, chatID int64) error
}
