package redispub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/and161185/guardkeeper/internal/model"
)

func newPublisher(t *testing.T, history int) (*Publisher, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test", history), rdb
}

func TestPublisher_PublishesToUserChannel(t *testing.T) {
	p, rdb := newPublisher(t, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := model.Event{
		Type:           model.EventNewConfirmation,
		UserID:         uuid.Must(uuid.NewV4()),
		AccountID:      3,
		Alias:          "main",
		ConfirmationID: "11",
		Kind:           model.KindTrade,
		Headline:       "Trade with bob",
		At:             time.Unix(1700000000, 0),
	}

	sub := rdb.Subscribe(ctx, p.Channel(ev))
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	require.NoError(t, p.Notify(ctx, ev))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &m))
	require.Equal(t, "new_confirmation", m.Type)
	require.Equal(t, "11", m.ConfirmationID)
	require.Equal(t, "[main] New trade confirmation: Trade with bob (id 11)", m.Text)
}

func TestPublisher_HistoryIsCapped(t *testing.T) {
	p, _ := newPublisher(t, 3)
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, p.Notify(ctx, model.Event{Type: model.EventExpired, UserID: uid, ConfirmationID: id}))
	}

	got, err := p.Recent(ctx, model.Event{UserID: uid}, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "5", got[0].ConfirmationID)
	require.Equal(t, "3", got[2].ConfirmationID)
}
