package vault

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/repository"
)

// Accounts serves linked accounts with opened secrets on top of an AccountRepository.
type Accounts struct {
	repo  repository.AccountRepository
	vault *Vault
	log   *zap.Logger
}

// NewAccounts constructs the account source.
func NewAccounts(repo repository.AccountRepository, v *Vault, log *zap.Logger) *Accounts {
	return &Accounts{repo: repo, vault: v, log: log}
}

// Eligible returns every enabled account. Accounts whose secrets cannot be opened are skipped.
func (a *Accounts) Eligible(ctx context.Context) ([]model.LinkedAccount, error) {
	stored, err := a.repo.ListEligible(ctx)
	if err != nil {
		return nil, err
	}
	return a.openAll(stored), nil
}

// ForUser returns the enabled accounts of one user.
func (a *Accounts) ForUser(ctx context.Context, userID uuid.UUID) ([]model.LinkedAccount, error) {
	stored, err := a.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.openAll(stored), nil
}

// Link seals and stores a freshly enrolled account.
func (a *Accounts) Link(ctx context.Context, userID uuid.UUID, alias string, b model.IdentityBundle, m model.SessionMaterial, p model.Policy) (int64, error) {
	if b.SteamID == 0 {
		return 0, fmt.Errorf("link: bundle without steam id")
	}
	sb, err := a.vault.SealBundle(userID, b.SteamID, b)
	if err != nil {
		return 0, fmt.Errorf("link: seal bundle: %w", err)
	}
	ss, err := a.vault.SealSession(userID, b.SteamID, m)
	if err != nil {
		return 0, fmt.Errorf("link: seal session: %w", err)
	}
	if alias == "" {
		alias = b.AccountName
	}
	return a.repo.Create(ctx, &model.StoredAccount{
		UserID:        userID,
		Alias:         alias,
		SteamID:       b.SteamID,
		SealedBundle:  sb,
		SealedSession: ss,
		Policy:        p,
	})
}

// SaveSession re-seals and stores the session material of an account.
func (a *Accounts) SaveSession(ctx context.Context, acc model.LinkedAccount) error {
	ss, err := a.vault.SealSession(acc.UserID, acc.Bundle.SteamID, acc.Session)
	if err != nil {
		return err
	}
	return a.repo.UpdateSession(ctx, acc.ID, ss)
}

func (a *Accounts) openAll(stored []model.StoredAccount) []model.LinkedAccount {
	out := make([]model.LinkedAccount, 0, len(stored))
	for _, s := range stored {
		acc, err := a.open(s)
		if err != nil {
			a.log.Warn("skip account with unreadable secrets", zap.Int64("account", s.ID), zap.Error(err))
			continue
		}
		out = append(out, acc)
	}
	return out
}

func (a *Accounts) open(s model.StoredAccount) (model.LinkedAccount, error) {
	b, err := a.vault.OpenBundle(s.UserID, s.SteamID, s.SealedBundle)
	if err != nil {
		return model.LinkedAccount{}, err
	}
	m, err := a.vault.OpenSession(s.UserID, s.SteamID, s.SealedSession)
	if err != nil {
		return model.LinkedAccount{}, err
	}
	if b.SteamID == 0 {
		b.SteamID = s.SteamID
	}
	return model.LinkedAccount{
		ID:      s.ID,
		UserID:  s.UserID,
		Alias:   s.Alias,
		Bundle:  b,
		Session: m,
		Policy:  s.Policy,
	}, nil
}
