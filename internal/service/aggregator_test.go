package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/model"
)

func newTestAggregator(legacy, sess *fakeClient) *Aggregator {
	a := NewAggregator(legacy, sess)
	a.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return a
}

func TestAggregator_List_MergesLegacyFirst(t *testing.T) {
	t.Parallel()

	dup := trade("100")
	fromSession := dup
	fromSession.Headline = "session copy"
	fromSession.Protocol = model.ProtocolSession

	legacy := &fakeClient{list: []model.Confirmation{dup, trade("101")}}
	sess := &fakeClient{list: []model.Confirmation{fromSession, signIn("s7")}}
	a := newTestAggregator(legacy, sess)

	l, err := a.List(context.Background(), testAccount(model.Policy{}).Bundle, model.SessionMaterial{})
	require.NoError(t, err)
	require.Empty(t, l.Failed)
	require.Len(t, l.Confirmations, 3)
	require.Equal(t, "Trade 100", l.Confirmations[0].Headline)
	require.Equal(t, "s7", l.Confirmations[2].ID)
}

func TestAggregator_List_MasksLegacyFailure(t *testing.T) {
	t.Parallel()

	legacy := &fakeClient{listErr: errs.ErrSessionExpired}
	sess := &fakeClient{list: []model.Confirmation{signIn("s1")}}
	a := newTestAggregator(legacy, sess)

	l, err := a.List(context.Background(), model.IdentityBundle{}, model.SessionMaterial{})
	require.NoError(t, err)
	require.Len(t, l.Confirmations, 1)
	require.False(t, l.Healthy(model.ProtocolLegacy))
	require.True(t, l.Healthy(model.ProtocolSession))

	all, err := a.ListAll(context.Background(), model.IdentityBundle{}, model.SessionMaterial{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestAggregator_List_LegacyErrorWhenSessionEmpty(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		sess *fakeClient
	}{
		{"session empty", &fakeClient{}},
		{"session failed", &fakeClient{listErr: errors.New("boom")}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a := newTestAggregator(&fakeClient{listErr: errs.ErrTimeout}, c.sess)
			_, err := a.ListAll(context.Background(), model.IdentityBundle{}, model.SessionMaterial{})
			require.ErrorIs(t, err, errs.ErrTimeout)
		})
	}
}

func TestAggregator_List_SessionFailureKept(t *testing.T) {
	t.Parallel()

	legacy := &fakeClient{list: []model.Confirmation{trade("1")}}
	sess := &fakeClient{listErr: errs.ErrRateLimited}
	a := newTestAggregator(legacy, sess)

	l, err := a.List(context.Background(), model.IdentityBundle{}, model.SessionMaterial{})
	require.NoError(t, err)
	require.Len(t, l.Confirmations, 1)
	require.ErrorIs(t, l.Failed[model.ProtocolSession], errs.ErrRateLimited)

	all, err := a.ListAll(context.Background(), model.IdentityBundle{}, model.SessionMaterial{})
	require.ErrorIs(t, err, errs.ErrRateLimited)
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	require.Equal(t, model.ProtocolSession, partial.Protocol)
	require.Len(t, all, 1)
}

func TestAggregator_ListAll_SurfacesSessionExpiry(t *testing.T) {
	t.Parallel()

	legacy := &fakeClient{list: []model.Confirmation{trade("1")}}
	sess := &fakeClient{listErr: errs.ErrSessionExpired}
	a := newTestAggregator(legacy, sess)

	all, err := a.ListAll(context.Background(), model.IdentityBundle{}, model.SessionMaterial{})
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	require.Len(t, all, 1)
	require.Equal(t, "1", all[0].ID)
}

func TestAggregator_Respond_RoutesByID(t *testing.T) {
	t.Parallel()

	legacy := &fakeClient{respondOK: true}
	sess := &fakeClient{respondOK: true}
	a := newTestAggregator(legacy, sess)
	ctx := context.Background()

	ok, err := a.Respond(ctx, model.IdentityBundle{}, model.SessionMaterial{}, "12345", "n", true)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = a.Respond(ctx, model.IdentityBundle{}, model.SessionMaterial{}, "s3k", "1:1", false)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, []string{"12345"}, legacy.responded)
	require.Equal(t, []string{"s3k"}, sess.responded)
}
