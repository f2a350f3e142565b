package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var cacheCols = []string{"account_id", "confirmation_id", "protocol", "kind", "headline", "summary", "nonce", "status", "first_seen_at", "last_seen_at", "resolved_at"}

func cacheRow(id, status string, seen time.Time) []any {
	return []any{int64(1), id, "legacy", "trade", "Trade with bob", "1 item", "n-" + id, status, seen, seen, nil}
}

func TestCacheRepo_InsertIfAbsent(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()
	c := model.Confirmation{ID: "11", Nonce: "n11", Kind: model.KindTrade, Protocol: model.ProtocolLegacy, Headline: "h", Summary: "s"}

	mock.ExpectExec(`INSERT INTO confirmation_cache .* ON CONFLICT \(account_id, confirmation_id\) DO NOTHING`).
		WithArgs(int64(1), "11", "legacy", "trade", "h", "s", "n11", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	ok, err := r.InsertIfAbsent(ctx, 1, c, now)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`INSERT INTO confirmation_cache`).
		WithArgs(int64(1), "11", "legacy", "trade", "h", "s", "n11", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err = r.InsertIfAbsent(ctx, 1, c, now)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepo_RefreshPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE confirmation_cache SET last_seen_at = \$3, nonce = \$4, headline = \$5, summary = \$6 WHERE account_id = \$1 AND confirmation_id = \$2 AND status = 'pending'`).
		WithArgs(int64(1), "11", now, "n2", "h", "s").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := r.RefreshPending(context.Background(), 1, model.Confirmation{ID: "11", Nonce: "n2", Headline: "h", Summary: "s"}, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepo_RefreshPending_TerminalRowUntouched(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE confirmation_cache SET last_seen_at`).
		WithArgs(int64(1), "11", now, "n2", "h", "s").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err := r.RefreshPending(context.Background(), 1, model.Confirmation{ID: "11", Nonce: "n2", Headline: "h", Summary: "s"}, now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepo_ListPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)
	seen := time.Now().UTC()

	mock.ExpectQuery(`SELECT account_id, .* FROM confirmation_cache WHERE account_id = \$1 AND status = 'pending' ORDER BY first_seen_at ASC`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(cacheCols).AddRow(cacheRow("11", "pending", seen)...).AddRow(cacheRow("12", "pending", seen)...))

	out, err := r.ListPending(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "12", out[1].ConfirmationID)
	require.Equal(t, model.StatusPending, out[0].Status)
	require.Equal(t, model.KindTrade, out[0].Kind)
	require.Equal(t, model.ProtocolLegacy, out[0].Protocol)
	require.Nil(t, out[0].ResolvedAt)
}

func TestCacheRepo_Get_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)

	mock.ExpectQuery(`SELECT account_id, .* FROM confirmation_cache WHERE account_id = \$1 AND confirmation_id = \$2`).
		WithArgs(int64(1), "nope").
		WillReturnError(pgx.ErrNoRows)
	_, err := r.Get(context.Background(), 1, "nope")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCacheRepo_FindPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)
	seen := time.Now().UTC()

	mock.ExpectQuery(`WHERE account_id = ANY\(\$1\) AND confirmation_id = \$2 AND status = 'pending'`).
		WithArgs([]int64{1, 2}, "11").
		WillReturnRows(pgxmock.NewRows(cacheCols).AddRow(cacheRow("11", "pending", seen)...))
	out, err := r.FindPending(context.Background(), []int64{1, 2}, "11")
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = r.FindPending(context.Background(), nil, "11")
	require.NoError(t, err)
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepo_Expire(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE confirmation_cache SET status = 'expired', resolved_at = \$3 WHERE account_id = \$1 AND confirmation_id = ANY\(\$2\) AND status = 'pending' RETURNING confirmation_id`).
		WithArgs(int64(1), []string{"11", "12"}, now).
		WillReturnRows(pgxmock.NewRows([]string{"confirmation_id"}).AddRow("12"))
	ids, err := r.Expire(context.Background(), 1, []string{"11", "12"}, now)
	require.NoError(t, err)
	require.Equal(t, []string{"12"}, ids)

	ids, err = r.Expire(context.Background(), 1, nil, now)
	require.NoError(t, err)
	require.Empty(t, ids)
}

const lockQuery = `SELECT account_id, .* FROM confirmation_cache WHERE account_id = \$1 AND confirmation_id = \$2 FOR UPDATE`

func TestCacheRepo_Resolve_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).
		WithArgs(int64(1), "11").
		WillReturnRows(pgxmock.NewRows(cacheCols).AddRow(cacheRow("11", "pending", now.Add(-time.Minute))...))
	mock.ExpectExec(`UPDATE confirmation_cache SET status = \$3, resolved_at = \$4 WHERE account_id = \$1 AND confirmation_id = \$2`).
		WithArgs(int64(1), "11", "confirmed", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	calls := 0
	e, err := r.Resolve(context.Background(), 1, "11", now, func(_ context.Context, e model.CacheEntry) (model.Status, error) {
		calls++
		require.Equal(t, "n-11", e.Nonce)
		return model.StatusConfirmed, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, model.StatusConfirmed, e.Status)
	require.NotNil(t, e.ResolvedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepo_Resolve_AlreadyResolved(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).
		WithArgs(int64(1), "11").
		WillReturnRows(pgxmock.NewRows(cacheCols).AddRow(cacheRow("11", "confirmed", now)...))
	mock.ExpectRollback()

	_, err := r.Resolve(context.Background(), 1, "11", now, func(context.Context, model.CacheEntry) (model.Status, error) {
		t.Fatal("respond must not run for a resolved entry")
		return "", nil
	})
	require.ErrorIs(t, err, errs.ErrAlreadyResolved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepo_Resolve_RespondFailsKeepsPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)
	now := time.Now().UTC()
	boom := errors.New("provider down")

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).
		WithArgs(int64(1), "11").
		WillReturnRows(pgxmock.NewRows(cacheCols).AddRow(cacheRow("11", "pending", now)...))
	mock.ExpectRollback()

	_, err := r.Resolve(context.Background(), 1, "11", now, func(context.Context, model.CacheEntry) (model.Status, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepo_Resolve_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewCacheRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(lockQuery).WithArgs(int64(1), "x").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := r.Resolve(context.Background(), 1, "x", time.Now(), func(context.Context, model.CacheEntry) (model.Status, error) {
		return model.StatusConfirmed, nil
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
}
