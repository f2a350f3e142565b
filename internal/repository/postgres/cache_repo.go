package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/repository"
)

// CacheRepo implements CacheRepository using PostgreSQL.
type CacheRepo struct{ db *DB }

// NewCacheRepo constructs a confirmation cache repository.
func NewCacheRepo(db *DB) *CacheRepo { return &CacheRepo{db: db} }

var _ repository.CacheRepository = (*CacheRepo)(nil)

const cacheColumns = `account_id, confirmation_id, protocol, kind, headline, summary, nonce, status, first_seen_at, last_seen_at, resolved_at`

// InsertIfAbsent creates a pending row unless (account, id) already exists.
func (r *CacheRepo) InsertIfAbsent(ctx context.Context, accountID int64, c model.Confirmation, now time.Time) (bool, error) {
	const q = `
INSERT INTO confirmation_cache (account_id, confirmation_id, protocol, kind, headline, summary, nonce, status, first_seen_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $8)
ON CONFLICT (account_id, confirmation_id) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, accountID, c.ID, string(c.Protocol), string(c.Kind), c.Headline, c.Summary, c.Nonce, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RefreshPending updates last_seen_at and the latest nonce/text of a pending row.
func (r *CacheRepo) RefreshPending(ctx context.Context, accountID int64, c model.Confirmation, now time.Time) (bool, error) {
	const q = `
UPDATE confirmation_cache
SET last_seen_at = $3, nonce = $4, headline = $5, summary = $6
WHERE account_id = $1 AND confirmation_id = $2 AND status = 'pending'`
	tag, err := r.db.Pool.Exec(ctx, q, accountID, c.ID, now, c.Nonce, c.Headline, c.Summary)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListPending returns pending rows of an account.
func (r *CacheRepo) ListPending(ctx context.Context, accountID int64) ([]model.CacheEntry, error) {
	q := `SELECT ` + cacheColumns + `
FROM confirmation_cache
WHERE account_id = $1 AND status = 'pending'
ORDER BY first_seen_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// Get returns one row.
func (r *CacheRepo) Get(ctx context.Context, accountID int64, confirmationID string) (model.CacheEntry, error) {
	q := `SELECT ` + cacheColumns + `
FROM confirmation_cache WHERE account_id = $1 AND confirmation_id = $2`
	e, err := scanEntry(r.db.Pool.QueryRow(ctx, q, accountID, confirmationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CacheEntry{}, errs.ErrNotFound
	}
	return e, err
}

// FindPending looks up a pending id across several accounts.
func (r *CacheRepo) FindPending(ctx context.Context, accountIDs []int64, confirmationID string) ([]model.CacheEntry, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	q := `SELECT ` + cacheColumns + `
FROM confirmation_cache
WHERE account_id = ANY($1) AND confirmation_id = $2 AND status = 'pending'
ORDER BY account_id ASC`
	rows, err := r.db.Pool.Query(ctx, q, accountIDs, confirmationID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// Expire marks the given pending rows expired.
func (r *CacheRepo) Expire(ctx context.Context, accountID int64, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
UPDATE confirmation_cache
SET status = 'expired', resolved_at = $3
WHERE account_id = $1 AND confirmation_id = ANY($2) AND status = 'pending'
RETURNING confirmation_id`
	rows, err := r.db.Pool.Query(ctx, q, accountID, ids, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Resolve holds the row lock for the duration of fn, so two responders cannot both act on one entry.
func (r *CacheRepo) Resolve(
	ctx context.Context, accountID int64, confirmationID string, now time.Time, fn repository.ResolveFunc,
) (entry model.CacheEntry, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.CacheEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	sel := `SELECT ` + cacheColumns + `
FROM confirmation_cache WHERE account_id = $1 AND confirmation_id = $2 FOR UPDATE`
	const upd = `
UPDATE confirmation_cache SET status = $3, resolved_at = $4
WHERE account_id = $1 AND confirmation_id = $2`

	entry, err = scanEntry(tx.QueryRow(ctx, sel, accountID, confirmationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CacheEntry{}, errs.ErrNotFound
		}
		return model.CacheEntry{}, err
	}
	if entry.Status != model.StatusPending {
		return entry, errs.ErrAlreadyResolved
	}

	status, err := fn(ctx, entry)
	if err != nil {
		return entry, err
	}
	if !status.Terminal() {
		return entry, fmt.Errorf("resolve %s: status %q is not terminal", confirmationID, status)
	}
	if _, err = tx.Exec(ctx, upd, accountID, confirmationID, string(status), now); err != nil {
		return entry, err
	}
	entry.Status = status
	entry.ResolvedAt = &now
	return entry, nil
}

func scanEntry(row pgx.Row) (model.CacheEntry, error) {
	var (
		e                        model.CacheEntry
		protocol, kind, status   string
		headline, summary, nonce string
	)
	err := row.Scan(&e.AccountID, &e.ConfirmationID, &protocol, &kind, &headline, &summary, &nonce, &status,
		&e.FirstSeenAt, &e.LastSeenAt, &e.ResolvedAt)
	if err != nil {
		return model.CacheEntry{}, err
	}
	e.Protocol = model.Protocol(protocol)
	e.Kind = model.Kind(kind)
	e.Status = model.Status(status)
	e.Headline, e.Summary, e.Nonce = headline, summary, nonce
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]model.CacheEntry, error) {
	defer rows.Close()
	var out []model.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
