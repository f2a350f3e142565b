package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/guardkeeper/internal/model"
)

// AccountRepository provides linked accounts with sealed secrets and their policy.
type AccountRepository interface {
	// Create links a new account and returns its id.
	Create(ctx context.Context, a *model.StoredAccount) (int64, error)
	// ListEligible returns every enabled account.
	ListEligible(ctx context.Context) ([]model.StoredAccount, error)
	// ListByUser returns the enabled accounts of one user.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]model.StoredAccount, error)
	// UpdateSession replaces the sealed session material.
	UpdateSession(ctx context.Context, id int64, sealed []byte) error
	// GetPolicy loads the auto-confirm policy.
	GetPolicy(ctx context.Context, id int64) (model.Policy, error)
	// SetPolicy stores the auto-confirm policy. Delay is clamped.
	SetPolicy(ctx context.Context, id int64, p model.Policy) error
}
