package postgres

import (
	"context"

	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/repository"
)

// EventRepo implements EventRepository using PostgreSQL.
type EventRepo struct{ db *DB }

// NewEventRepo constructs an event repository.
func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db} }

var _ repository.EventRepository = (*EventRepo)(nil)

// Append inserts one audit row.
func (r *EventRepo) Append(ctx context.Context, ev model.Event) error {
	const q = `
INSERT INTO guard_events (type, user_id, account_id, alias, confirmation_id, kind, headline, detail, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Pool.Exec(ctx, q, string(ev.Type), ev.UserID, ev.AccountID, ev.Alias, ev.ConfirmationID,
		string(ev.Kind), ev.Headline, ev.Detail, ev.At)
	return err
}

// ListByAccount returns the newest events first.
func (r *EventRepo) ListByAccount(ctx context.Context, accountID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT type, user_id, account_id, alias, confirmation_id, kind, headline, detail, at
FROM guard_events
WHERE account_id = $1
ORDER BY at DESC, id DESC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev        model.Event
			typ, kind string
		)
		if err = rows.Scan(&typ, &ev.UserID, &ev.AccountID, &ev.Alias, &ev.ConfirmationID, &kind,
			&ev.Headline, &ev.Detail, &ev.At); err != nil {
			return nil, err
		}
		ev.Type = model.EventType(typ)
		ev.Kind = model.Kind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}
