package postgres

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestChatRepo(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChatRepo(db)
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`INSERT INTO guard_chats \(user_id, chat_id\) VALUES \(\$1, \$2\) ON CONFLICT \(user_id\) DO UPDATE`).
		WithArgs(uid, int64(100)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Bind(ctx, uid, 100))

	mock.ExpectQuery(`SELECT chat_id FROM guard_chats WHERE user_id=\$1`).
		WithArgs(uid).
		WillReturnRows(pgxmock.NewRows([]string{"chat_id"}).AddRow(int64(100)))
	id, ok, err := r.ChatID(ctx, uid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), id)

	mock.ExpectQuery(`SELECT chat_id FROM guard_chats`).WithArgs(uid).WillReturnError(pgx.ErrNoRows)
	_, ok, err = r.ChatID(ctx, uid)
	require.NoError(t, err)
	require.False(t, ok)
}
