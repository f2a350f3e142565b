package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/guardkeeper/internal/model"
)

func TestEventRepo_AppendAndList(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewEventRepo(db)
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())
	at := time.Now().UTC()

	ev := model.Event{Type: model.EventAutoConfirmed, UserID: uid, AccountID: 2, Alias: "main", ConfirmationID: "11", Kind: model.KindTrade, Headline: "h", At: at}
	mock.ExpectExec(`INSERT INTO guard_events \(type, user_id, account_id, alias, confirmation_id, kind, headline, detail, at\)`).
		WithArgs("auto_confirmed", uid, int64(2), "main", "11", "trade", "h", "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Append(ctx, ev))

	mock.ExpectQuery(`SELECT type, user_id, account_id, .* FROM guard_events WHERE account_id = \$1 ORDER BY at DESC, id DESC LIMIT \$2`).
		WithArgs(int64(2), 50).
		WillReturnRows(pgxmock.NewRows([]string{"type", "user_id", "account_id", "alias", "confirmation_id", "kind", "headline", "detail", "at"}).
			AddRow("auto_confirmed", uid, int64(2), "main", "11", "trade", "h", "", at))
	out, err := r.ListByAccount(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []model.Event{ev}, out)
	require.NoError(t, mock.ExpectationsWereMet())
}
