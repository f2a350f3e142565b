package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/notify"
	"github.com/and161185/guardkeeper/internal/repository"
)

// Reconciliation defaults.
const (
	DefaultWindow = 2 * time.Minute
	DefaultTTL    = 30 * time.Minute

	defaultSessionNoticeEvery = 6 * time.Hour
)

// ReconcilerConfig tunes expiry.
type ReconcilerConfig struct {
	Window  time.Duration                // grace period for entries no longer reported
	Windows map[model.Kind]time.Duration // per-kind override of Window
	TTL     time.Duration                // absolute age limit of a pending entry

	// SessionNoticeEvery limits session-expired pushes per account.
	SessionNoticeEvery time.Duration
}

func (c ReconcilerConfig) window(k model.Kind) time.Duration {
	if w, ok := c.Windows[k]; ok && w > 0 {
		return w
	}
	return c.Window
}

// Report summarizes one reconciliation cycle of one account.
type Report struct {
	Observed      int
	Inserted      int
	Refreshed     int
	Expired       int
	AutoConfirmed int
	AutoFailed    int
}

// Reconciler runs one reconciliation cycle per account.
type Reconciler struct {
	agg      Confirmer
	cache    repository.CacheRepository
	events   repository.EventRepository
	notifier notify.Notifier
	log      *zap.Logger
	cfg      ReconcilerConfig
	now      func() time.Time

	mu            sync.Mutex
	sessionNotice map[int64]time.Time
}

// NewReconciler constructs a reconciler. A nil notifier discards notifications.
func NewReconciler(
	agg Confirmer,
	cache repository.CacheRepository,
	events repository.EventRepository,
	notifier notify.Notifier,
	log *zap.Logger,
	cfg ReconcilerConfig,
) *Reconciler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SessionNoticeEvery <= 0 {
		cfg.SessionNoticeEvery = defaultSessionNoticeEvery
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Reconciler{
		agg: agg, cache: cache, events: events, notifier: notifier, log: log, cfg: cfg,
		now:           time.Now,
		sessionNotice: map[int64]time.Time{},
	}
}

// Run lists, caches, expires and auto-confirms the confirmations of one account.
// A listing failure is recorded and returned; nothing is expired in that case.
// An expired session on the session protocol alone is recorded but the cycle continues
// with the legacy results.
func (r *Reconciler) Run(ctx context.Context, acc model.LinkedAccount) (Report, error) {
	var rep Report
	log := r.log.With(zap.Int64("account", acc.ID), zap.String("alias", acc.Alias))
	now := r.now()

	listing, err := r.agg.List(ctx, acc.Bundle, acc.Session)
	if err != nil {
		typ, push := model.EventSyncFailed, false
		if errors.Is(err, errs.ErrSessionExpired) {
			typ, push = model.EventSessionExpired, r.sessionNoticeDue(acc.ID, now)
		}
		log.Warn("list confirmations failed", zap.Error(err))
		r.emit(ctx, log, acc, model.Event{Type: typ, Detail: err.Error(), At: now}, push)
		return rep, err
	}
	for p, perr := range listing.Failed {
		log.Warn("protocol unavailable, results partial", zap.String("protocol", string(p)), zap.Error(perr))
	}
	// legacy expiry stays masked; session expiry is reported without failing the cycle
	if serr := listing.Failed[model.ProtocolSession]; errors.Is(serr, errs.ErrSessionExpired) {
		r.emit(ctx, log, acc, model.Event{
			Type: model.EventSessionExpired, Detail: string(model.ProtocolSession) + ": " + serr.Error(), At: now,
		}, r.sessionNoticeDue(acc.ID, now))
	} else {
		r.clearSessionNotice(acc.ID)
	}

	// 1-3: insert new, refresh known
	observed := make(map[model.Kind]map[string]model.Confirmation, len(model.Kinds))
	for _, c := range listing.Confirmations {
		if observed[c.Kind] == nil {
			observed[c.Kind] = map[string]model.Confirmation{}
		}
		observed[c.Kind][c.ID] = c
		rep.Observed++

		inserted, err := r.cache.InsertIfAbsent(ctx, acc.ID, c, now)
		if err != nil {
			return rep, err
		}
		if inserted {
			rep.Inserted++
			r.emit(ctx, log, acc, model.Event{
				Type: model.EventNewConfirmation, ConfirmationID: c.ID, Kind: c.Kind,
				Headline: c.Headline, Detail: c.Summary, At: now,
			}, true)
			continue
		}
		refreshed, err := r.cache.RefreshPending(ctx, acc.ID, c, now)
		if err != nil {
			return rep, err
		}
		if refreshed {
			rep.Refreshed++
		}
	}

	pending, err := r.cache.ListPending(ctx, acc.ID)
	if err != nil {
		return rep, err
	}

	// 4: expire
	var (
		stale []string
		byID  = make(map[string]model.CacheEntry, len(pending))
	)
	for _, e := range pending {
		byID[e.ConfirmationID] = e
		_, seen := observed[e.Kind][e.ConfirmationID]
		switch {
		case now.Sub(e.FirstSeenAt) >= r.cfg.TTL:
			stale = append(stale, e.ConfirmationID)
		case !seen && listing.Healthy(e.Protocol) && now.Sub(e.LastSeenAt) >= r.cfg.window(e.Kind):
			stale = append(stale, e.ConfirmationID)
		}
	}
	expired, err := r.cache.Expire(ctx, acc.ID, stale, now)
	if err != nil {
		return rep, err
	}
	for _, id := range expired {
		rep.Expired++
		e := byID[id]
		delete(byID, id)
		r.emit(ctx, log, acc, model.Event{Type: model.EventExpired, ConfirmationID: id, Kind: e.Kind, Headline: e.Headline, At: now}, false)
	}

	// 5: auto-confirm entries observed in this cycle, so the nonce is current
	delay := acc.Policy.EffectiveDelay()
	for _, e := range pending {
		if _, live := byID[e.ConfirmationID]; !live || !acc.Policy.AutoConfirms(e.Kind) {
			continue
		}
		if _, seen := observed[e.Kind][e.ConfirmationID]; !seen {
			continue
		}
		if now.Sub(e.FirstSeenAt) < delay {
			continue
		}

		done, err := r.cache.Resolve(ctx, acc.ID, e.ConfirmationID, now, func(ctx context.Context, locked model.CacheEntry) (model.Status, error) {
			return respondStatus(ctx, r.agg, acc, locked, true)
		})
		switch {
		case errors.Is(err, errs.ErrAlreadyResolved):
			log.Debug("already resolved elsewhere", zap.String("confirmation", e.ConfirmationID))
		case err != nil:
			rep.AutoFailed++
			log.Warn("auto-confirm failed, will retry", zap.String("confirmation", e.ConfirmationID), zap.Error(err))
		default:
			rep.AutoConfirmed++
			r.emit(ctx, log, acc, model.Event{
				Type: model.EventAutoConfirmed, ConfirmationID: done.ConfirmationID, Kind: done.Kind,
				Headline: done.Headline, At: now,
			}, true)
		}
	}

	log.Debug("reconciled",
		zap.Int("observed", rep.Observed),
		zap.Int("inserted", rep.Inserted),
		zap.Int("expired", rep.Expired),
		zap.Int("auto_confirmed", rep.AutoConfirmed))
	return rep, nil
}

func (r *Reconciler) sessionNoticeDue(accountID int64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.sessionNotice[accountID]; ok && now.Sub(last) < r.cfg.SessionNoticeEvery {
		return false
	}
	r.sessionNotice[accountID] = now
	return true
}

func (r *Reconciler) clearSessionNotice(accountID int64) {
	r.mu.Lock()
	delete(r.sessionNotice, accountID)
	r.mu.Unlock()
}

// emit appends the audit event and, when push is set, notifies the owner. Failures are logged only.
func (r *Reconciler) emit(ctx context.Context, log *zap.Logger, acc model.LinkedAccount, ev model.Event, push bool) {
	ev.UserID, ev.AccountID, ev.Alias = acc.UserID, acc.ID, acc.Alias
	if err := r.events.Append(ctx, ev); err != nil {
		log.Warn("append event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
	if !push {
		return
	}
	if err := r.notifier.Notify(ctx, ev); err != nil {
		log.Warn("notify failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// respondStatus answers the provider for a locked pending entry and maps the outcome to a terminal status.
func respondStatus(ctx context.Context, c Confirmer, acc model.LinkedAccount, e model.CacheEntry, accept bool) (model.Status, error) {
	ok, err := c.Respond(ctx, acc.Bundle, acc.Session, e.ConfirmationID, e.Nonce, accept)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.Protocolf("respond", "provider refused %s", e.ConfirmationID)
	}
	if accept {
		return model.StatusConfirmed, nil
	}
	return model.StatusRejected, nil
}
