package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/repository"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

var _ repository.AccountRepository = (*AccountRepo)(nil)

const accountColumns = `id, user_id, alias, steam_id, sealed_bundle, sealed_session, auto_trades, auto_logins, delay_seconds, disabled, created_at`

// Create inserts a linked account row.
func (r *AccountRepo) Create(ctx context.Context, a *model.StoredAccount) (int64, error) {
	const q = `
INSERT INTO guard_accounts (user_id, alias, steam_id, sealed_bundle, sealed_session, auto_trades, auto_logins, delay_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`
	p := a.Policy
	var id int64
	err := r.db.Pool.QueryRow(ctx, q, a.UserID, a.Alias, int64(a.SteamID), a.SealedBundle, a.SealedSession,
		p.AutoConfirmTrades, p.AutoConfirmLogins, delaySeconds(p)).Scan(&id)
	if isUniqueViolation(err) {
		return 0, errs.ErrAlreadyLinked
	}
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

// ListEligible selects every enabled account.
func (r *AccountRepo) ListEligible(ctx context.Context) ([]model.StoredAccount, error) {
	q := `SELECT ` + accountColumns + ` FROM guard_accounts WHERE NOT disabled ORDER BY id ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

// ListByUser selects the enabled accounts of a user.
func (r *AccountRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]model.StoredAccount, error) {
	q := `SELECT ` + accountColumns + ` FROM guard_accounts WHERE user_id = $1 AND NOT disabled ORDER BY id ASC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

// UpdateSession stores freshly sealed session material.
func (r *AccountRepo) UpdateSession(ctx context.Context, id int64, sealed []byte) error {
	const q = `UPDATE guard_accounts SET sealed_session = $2 WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, sealed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// GetPolicy loads the auto-confirm settings.
func (r *AccountRepo) GetPolicy(ctx context.Context, id int64) (model.Policy, error) {
	const q = `SELECT auto_trades, auto_logins, delay_seconds FROM guard_accounts WHERE id = $1`
	var (
		p     model.Policy
		delay int32
	)
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&p.AutoConfirmTrades, &p.AutoConfirmLogins, &delay); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Policy{}, errs.ErrNotFound
		}
		return model.Policy{}, err
	}
	p.Delay = time.Duration(delay) * time.Second
	return p, nil
}

// SetPolicy updates the auto-confirm settings.
func (r *AccountRepo) SetPolicy(ctx context.Context, id int64, p model.Policy) error {
	const q = `UPDATE guard_accounts SET auto_trades = $2, auto_logins = $3, delay_seconds = $4 WHERE id = $1`
	tag, err := r.db.Pool.Exec(ctx, q, id, p.AutoConfirmTrades, p.AutoConfirmLogins, delaySeconds(p))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func delaySeconds(p model.Policy) int32 {
	return int32(p.EffectiveDelay() / time.Second)
}

func collectAccounts(rows pgx.Rows) ([]model.StoredAccount, error) {
	defer rows.Close()
	var out []model.StoredAccount
	for rows.Next() {
		var (
			a       model.StoredAccount
			steamID int64
			delay   int32
		)
		err := rows.Scan(&a.ID, &a.UserID, &a.Alias, &steamID, &a.SealedBundle, &a.SealedSession,
			&a.Policy.AutoConfirmTrades, &a.Policy.AutoConfirmLogins, &delay, &a.Disabled, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		a.SteamID = uint64(steamID)
		a.Policy.Delay = time.Duration(delay) * time.Second
		out = append(out, a)
	}
	return out, rows.Err()
}
