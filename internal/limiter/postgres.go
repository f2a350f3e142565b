package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Limiter = (*PG)(nil)

// NewPG constructs a PostgreSQL-backed limiter over any pool or transaction.
func NewPG(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

// Allow reports whether an attempt is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, userID uuid.UUID, accountName string) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM enroll_limiter WHERE user_id=$1 AND account_name=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, userID, normalize(accountName)).Scan(&blockedUntil)
	switch {
	case err == nil:
		if now := l.now(); blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (user, account).
func (l *PG) Success(ctx context.Context, userID uuid.UUID, accountName string) error {
	const q = `
INSERT INTO enroll_limiter (user_id, account_name, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (user_id, account_name)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, userID, normalize(accountName))
	return err
}

// Failure records a failed attempt; at maxFails within the window the pair is blocked.
func (l *PG) Failure(ctx context.Context, userID uuid.UUID, accountName string) (bool, time.Duration, error) {
	name := normalize(accountName)

	const q = `
INSERT INTO enroll_limiter (user_id, account_name, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (user_id, account_name) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - enroll_limiter.updated_at > $3::interval THEN 1 ELSE enroll_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, userID, name, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}

	const upd = `UPDATE enroll_limiter SET blocked_until=$3 WHERE user_id=$1 AND account_name=$2`
	if _, err := l.pool.Exec(ctx, upd, userID, name, l.now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
