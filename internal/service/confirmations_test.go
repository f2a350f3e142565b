package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/guardcode"
	"github.com/and161185/guardkeeper/internal/model"
)

type confirmFixture struct {
	legacy   *fakeClient
	sess     *fakeClient
	cache    *memCache
	events   *memEvents
	notifier *recNotifier
	svc      *ConfirmationServiceImpl
}

func newConfirmFixture(t *testing.T) *confirmFixture {
	t.Helper()
	f := &confirmFixture{
		legacy:   &fakeClient{respondOK: true},
		sess:     &fakeClient{respondOK: true},
		cache:    newMemCache(),
		events:   &memEvents{},
		notifier: &recNotifier{},
	}
	clock := guardcode.Clock{Now: func() time.Time { return t0 }}
	f.svc = NewConfirmationService(NewAggregator(f.legacy, f.sess), f.cache, f.events, f.notifier, clock, zaptest.NewLogger(t))
	return f
}

func twoAccounts() []model.LinkedAccount {
	a, b := testAccount(model.Policy{}), testAccount(model.Policy{})
	b.ID, b.Alias = 2, "Alt"
	return []model.LinkedAccount{a, b}
}

func (f *confirmFixture) seed(t *testing.T, accountID int64, c model.Confirmation) {
	t.Helper()
	_, err := f.cache.InsertIfAbsent(context.Background(), accountID, c, t0)
	require.NoError(t, err)
}

func TestResolveCached_ByAlias(t *testing.T) {
	t.Parallel()

	f := newConfirmFixture(t)
	accs := twoAccounts()
	f.seed(t, 1, trade("7"))
	f.seed(t, 2, trade("7"))

	e, err := f.svc.ResolveCached(context.Background(), accs, "alt:7", false)
	require.NoError(t, err)
	require.Equal(t, model.StatusRejected, e.Status)
	require.Equal(t, int64(2), e.AccountID)
	require.Equal(t, model.StatusPending, f.cache.status(1, "7"))
	require.Equal(t, []string{"7"}, f.legacy.responded)
	require.Equal(t, 1, f.events.count(model.EventRejected))
	require.Equal(t, 1, f.notifier.count(model.EventRejected))
}

func TestResolveCached_BareID(t *testing.T) {
	t.Parallel()

	f := newConfirmFixture(t)
	accs := twoAccounts()
	f.seed(t, 2, signIn("s9"))

	e, err := f.svc.ResolveCached(context.Background(), accs, "s9", true)
	require.NoError(t, err)
	require.Equal(t, model.StatusConfirmed, e.Status)
	require.Equal(t, []string{"s9"}, f.sess.responded)
	require.Equal(t, 1, f.events.count(model.EventConfirmed))
}

func TestResolveCached_Errors(t *testing.T) {
	t.Parallel()

	f := newConfirmFixture(t)
	accs := twoAccounts()
	f.seed(t, 1, trade("7"))
	f.seed(t, 2, trade("7"))
	ctx := context.Background()

	_, err := f.svc.ResolveCached(ctx, accs, "7", true)
	require.ErrorIs(t, err, errs.ErrAmbiguous)

	_, err = f.svc.ResolveCached(ctx, accs, "8", true)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.svc.ResolveCached(ctx, accs, "nobody:7", true)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.svc.ResolveCached(ctx, accs, "main:8", true)
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.svc.ResolveCached(ctx, accs, "  ", true)
	require.Error(t, err)

	require.Empty(t, f.legacy.responded)
}

func TestResolveCached_ProviderRefusalKeepsPending(t *testing.T) {
	t.Parallel()

	f := newConfirmFixture(t)
	f.legacy.respondOK = false
	f.seed(t, 1, trade("7"))

	_, err := f.svc.ResolveCached(context.Background(), twoAccounts(), "main:7", true)
	var pe *errs.ProtocolError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, model.StatusPending, f.cache.status(1, "7"))
	require.Equal(t, 0, f.events.count(model.EventConfirmed))
}

func TestResolveCached_ConcurrentRespondsOnce(t *testing.T) {
	t.Parallel()

	f := newConfirmFixture(t)
	accs := twoAccounts()
	f.seed(t, 1, trade("7"))

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, dupes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ResolveCached(context.Background(), accs, "main:7", true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errs.ErrAlreadyResolved):
				dupes++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, n-1, dupes)
	require.Equal(t, 1, f.legacy.respondCount())
}

func TestRespondToConfirmation_Validates(t *testing.T) {
	t.Parallel()

	f := newConfirmFixture(t)
	_, err := f.svc.RespondToConfirmation(context.Background(), model.IdentityBundle{}, model.SessionMaterial{}, "1", "", true)
	require.Error(t, err)
	require.Empty(t, f.legacy.responded)

	ok, err := f.svc.RespondToConfirmation(context.Background(), model.IdentityBundle{}, model.SessionMaterial{}, "1", "n1", true)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCodes(t *testing.T) {
	t.Parallel()

	f := newConfirmFixture(t)
	accs := twoAccounts()
	accs[1].Bundle.SharedSecret = "!!not base64"

	codes, err := f.svc.Codes(accs)
	require.Error(t, err)
	require.Len(t, codes, 1)

	want, gerr := guardcode.GenerateCodeAt(accs[0].Bundle.SharedSecret, t0)
	require.NoError(t, gerr)
	require.Equal(t, want, codes["main"])
	require.Equal(t, guardcode.SecondsRemainingInWindow(t0), f.svc.SecondsLeft())
}

func TestListConfirmations_SessionExpiryNotHidden(t *testing.T) {
	t.Parallel()

	f := newConfirmFixture(t)
	f.legacy.list = []model.Confirmation{trade("1")}
	f.sess.listErr = errs.ErrSessionExpired

	list, err := f.svc.ListConfirmations(context.Background(), testAccount(model.Policy{}).Bundle, model.SessionMaterial{})
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	require.Len(t, list, 1)
}
