package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/notify"
	"github.com/and161185/guardkeeper/internal/repository"
	"github.com/and161185/guardkeeper/internal/session"
)

type fakeClient struct {
	mu         sync.Mutex
	list       []model.Confirmation
	listErr    error
	respondOK  bool
	respondErr error
	responded  []string
}

var _ ProtocolClient = (*fakeClient)(nil)

func (f *fakeClient) List(context.Context, model.IdentityBundle, session.Resolved) ([]model.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Confirmation(nil), f.list...), f.listErr
}

func (f *fakeClient) Respond(_ context.Context, _ model.IdentityBundle, _ session.Resolved, id, _ string, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, id)
	return f.respondOK, f.respondErr
}

func (f *fakeClient) respondCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responded)
}

type cacheKey struct {
	account int64
	id      string
}

// memCache serializes Resolve like the row lock does.
type memCache struct {
	mu   sync.Mutex
	rows map[cacheKey]*model.CacheEntry
}

var _ repository.CacheRepository = (*memCache)(nil)

func newMemCache() *memCache { return &memCache{rows: map[cacheKey]*model.CacheEntry{}} }

func (m *memCache) InsertIfAbsent(_ context.Context, accountID int64, c model.Confirmation, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cacheKey{accountID, c.ID}
	if _, ok := m.rows[k]; ok {
		return false, nil
	}
	m.rows[k] = &model.CacheEntry{
		AccountID: accountID, ConfirmationID: c.ID, Protocol: c.Protocol, Kind: c.Kind,
		Headline: c.Headline, Summary: c.Summary, Nonce: c.Nonce, Status: model.StatusPending,
		FirstSeenAt: now, LastSeenAt: now,
	}
	return true, nil
}

func (m *memCache) RefreshPending(_ context.Context, accountID int64, c model.Confirmation, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[cacheKey{accountID, c.ID}]
	if !ok || e.Status != model.StatusPending {
		return false, nil
	}
	e.LastSeenAt, e.Nonce, e.Headline, e.Summary = now, c.Nonce, c.Headline, c.Summary
	return true, nil
}

func (m *memCache) ListPending(_ context.Context, accountID int64) ([]model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CacheEntry
	for k, e := range m.rows {
		if k.account == accountID && e.Status == model.StatusPending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

func (m *memCache) Get(_ context.Context, accountID int64, id string) (model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[cacheKey{accountID, id}]
	if !ok {
		return model.CacheEntry{}, errs.ErrNotFound
	}
	return *e, nil
}

func (m *memCache) FindPending(_ context.Context, accountIDs []int64, id string) ([]model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CacheEntry
	for _, a := range accountIDs {
		if e, ok := m.rows[cacheKey{a, id}]; ok && e.Status == model.StatusPending {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memCache) Expire(_ context.Context, accountID int64, ids []string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, id := range ids {
		if e, ok := m.rows[cacheKey{accountID, id}]; ok && e.Status == model.StatusPending {
			e.Status, e.ResolvedAt = model.StatusExpired, &now
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memCache) Resolve(ctx context.Context, accountID int64, id string, now time.Time, fn repository.ResolveFunc) (model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[cacheKey{accountID, id}]
	if !ok {
		return model.CacheEntry{}, errs.ErrNotFound
	}
	if e.Status != model.StatusPending {
		return *e, errs.ErrAlreadyResolved
	}
	st, err := fn(ctx, *e)
	if err != nil {
		return *e, err
	}
	e.Status, e.ResolvedAt = st, &now
	return *e, nil
}

func (m *memCache) status(accountID int64, id string) model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.rows[cacheKey{accountID, id}]; ok {
		return e.Status
	}
	return ""
}

type memEvents struct {
	mu     sync.Mutex
	events []model.Event
}

var _ repository.EventRepository = (*memEvents)(nil)

func (m *memEvents) Append(_ context.Context, ev model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memEvents) ListByAccount(_ context.Context, accountID int64, _ int) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, e := range m.events {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEvents) count(t model.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type recNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

var _ notify.Notifier = (*recNotifier)(nil)

func (r *recNotifier) Notify(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recNotifier) count(t model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testAccount(p model.Policy) model.LinkedAccount {
	return model.LinkedAccount{
		ID:     1,
		UserID: uuid.Must(uuid.NewV4()),
		Alias:  "main",
		Bundle: model.IdentityBundle{AccountName: "alice", SteamID: 76561198000000000, SharedSecret: "MTIzNDU2Nzg5MDEyMzQ1Njc4OTA=", IdentitySecret: "MTIzNDU2Nzg5MDEyMzQ1Njc4OTA="},
		Session: model.SessionMaterial{
			SteamLoginSecure: "76561198000000000%7C%7Ctok",
			SessionID:        "sess",
		},
		Policy: p,
	}
}

func trade(id string) model.Confirmation {
	return model.Confirmation{ID: id, Nonce: "n" + id, Kind: model.KindTrade, Protocol: model.ProtocolLegacy, Headline: "Trade " + id}
}

func signIn(id string) model.Confirmation {
	return model.Confirmation{ID: id, Nonce: "1:1", Kind: model.KindLogin, Protocol: model.ProtocolSession, Headline: "Sign in"}
}
