package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/guardkeeper/internal/repository"
)

// ChatRepo implements ChatRepository using PostgreSQL.
type ChatRepo struct{ db *DB }

// NewChatRepo constructs a chat binding repository.
func NewChatRepo(db *DB) *ChatRepo { return &ChatRepo{db: db} }

var _ repository.ChatRepository = (*ChatRepo)(nil)

// ChatID selects the bound chat of a user.
func (r *ChatRepo) ChatID(ctx context.Context, userID uuid.UUID) (int64, bool, error) {
	const q = `SELECT chat_id FROM guard_chats WHERE user_id=$1`
	var id int64
	if err := r.db.Pool.QueryRow(ctx, q, userID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

// Bind upserts the chat of a user.
func (r *ChatRepo) Bind(ctx context.Context, userID uuid.UUID, chatID int64) error {
	const q = `
INSERT INTO guard_chats (user_id, chat_id) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET chat_id = EXCLUDED.chat_id`
	_, err := r.db.Pool.Exec(ctx, q, userID, chatID)
	return err
}
