package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/guardcode"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/notify"
	"github.com/and161185/guardkeeper/internal/repository"
)

// ConfirmationService is the produced interface consumed by the HTTP and bot layers.
type ConfirmationService interface {
	// ListConfirmations returns the live confirmations of one identity. When only the
	// session protocol failed, the legacy results come back with a *PartialError.
	ListConfirmations(ctx context.Context, b model.IdentityBundle, m model.SessionMaterial) ([]model.Confirmation, error)
	// RespondToConfirmation answers one confirmation with a nonce from a prior listing.
	RespondToConfirmation(ctx context.Context, b model.IdentityBundle, m model.SessionMaterial, id, nonce string, accept bool) (bool, error)
	// ResolveCached answers a cached pending confirmation referenced as "<alias>:<id>" or a bare id.
	ResolveCached(ctx context.Context, accounts []model.LinkedAccount, ref string, accept bool) (model.CacheEntry, error)
	// Codes returns the current code of every account keyed by alias.
	Codes(accounts []model.LinkedAccount) (map[string]string, error)
}

// ConfirmationServiceImpl implements ConfirmationService.
type ConfirmationServiceImpl struct {
	agg      Confirmer
	cache    repository.CacheRepository
	events   repository.EventRepository
	notifier notify.Notifier
	clock    guardcode.Clock
	log      *zap.Logger
}

var _ ConfirmationService = (*ConfirmationServiceImpl)(nil)

// NewConfirmationService constructs the service.
func NewConfirmationService(
	agg Confirmer,
	cache repository.CacheRepository,
	events repository.EventRepository,
	notifier notify.Notifier,
	clock guardcode.Clock,
	log *zap.Logger,
) *ConfirmationServiceImpl {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &ConfirmationServiceImpl{agg: agg, cache: cache, events: events, notifier: notifier, clock: clock, log: log}
}

// ListConfirmations delegates to the aggregator.
func (s *ConfirmationServiceImpl) ListConfirmations(ctx context.Context, b model.IdentityBundle, m model.SessionMaterial) ([]model.Confirmation, error) {
	return s.agg.ListAll(ctx, b, m)
}

// RespondToConfirmation answers the provider directly, without touching the cache.
func (s *ConfirmationServiceImpl) RespondToConfirmation(
	ctx context.Context, b model.IdentityBundle, m model.SessionMaterial, id, nonce string, accept bool,
) (bool, error) {
	if id == "" || nonce == "" {
		return false, errors.New("validation: empty confirmation id or nonce")
	}
	return s.agg.Respond(ctx, b, m, id, nonce, accept)
}

// ResolveCached goes through the same locked pending check as auto-confirm.
func (s *ConfirmationServiceImpl) ResolveCached(ctx context.Context, accounts []model.LinkedAccount, ref string, accept bool) (model.CacheEntry, error) {
	acc, id, err := s.locate(ctx, accounts, ref)
	if err != nil {
		return model.CacheEntry{}, err
	}

	now := s.clock.Time()
	e, err := s.cache.Resolve(ctx, acc.ID, id, now, func(ctx context.Context, locked model.CacheEntry) (model.Status, error) {
		return respondStatus(ctx, s.agg, acc, locked, accept)
	})
	if err != nil {
		return e, err
	}

	typ := model.EventRejected
	if e.Status == model.StatusConfirmed {
		typ = model.EventConfirmed
	}
	ev := model.Event{
		Type: typ, UserID: acc.UserID, AccountID: acc.ID, Alias: acc.Alias,
		ConfirmationID: e.ConfirmationID, Kind: e.Kind, Headline: e.Headline, At: now,
	}
	if err := s.events.Append(ctx, ev); err != nil {
		s.log.Warn("append event failed", zap.Int64("account", acc.ID), zap.Error(err))
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.Warn("notify failed", zap.Int64("account", acc.ID), zap.Error(err))
	}
	return e, nil
}

func (s *ConfirmationServiceImpl) locate(ctx context.Context, accounts []model.LinkedAccount, ref string) (model.LinkedAccount, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.LinkedAccount{}, "", errors.New("validation: empty confirmation reference")
	}

	if i := strings.LastIndex(ref, ":"); i >= 0 {
		alias, id := ref[:i], ref[i+1:]
		for _, a := range accounts {
			if strings.EqualFold(a.Alias, alias) {
				return a, id, nil
			}
		}
		return model.LinkedAccount{}, "", fmt.Errorf("account %q: %w", alias, errs.ErrNotFound)
	}

	ids := make([]int64, 0, len(accounts))
	byID := make(map[int64]model.LinkedAccount, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
		byID[a.ID] = a
	}
	found, err := s.cache.FindPending(ctx, ids, ref)
	if err != nil {
		return model.LinkedAccount{}, "", err
	}
	switch len(found) {
	case 0:
		return model.LinkedAccount{}, "", fmt.Errorf("confirmation %s: %w", ref, errs.ErrNotFound)
	case 1:
		return byID[found[0].AccountID], ref, nil
	default:
		return model.LinkedAccount{}, "", fmt.Errorf("confirmation %s on %d accounts: %w", ref, len(found), errs.ErrAmbiguous)
	}
}

// Codes skips accounts with undecodable secrets and reports them in the joined error.
func (s *ConfirmationServiceImpl) Codes(accounts []model.LinkedAccount) (map[string]string, error) {
	at := s.clock.Time()
	out := make(map[string]string, len(accounts))
	var failed []error
	for _, a := range accounts {
		code, err := guardcode.GenerateCodeAt(a.Bundle.SharedSecret, at)
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", a.Alias, err))
			continue
		}
		out[a.Alias] = code
	}
	return out, errors.Join(failed...)
}

// SecondsLeft returns the remaining lifetime of codes returned by Codes.
func (s *ConfirmationServiceImpl) SecondsLeft() int {
	return guardcode.SecondsRemainingInWindow(s.clock.Time())
}

