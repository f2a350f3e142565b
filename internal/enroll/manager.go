// Package enroll drives a provider login through two-factor enrollment.
//
// Phase one (StartEnrollment) logs in, answers an optional guard challenge and asks the provider
// for a new authenticator. The unconfirmed secrets wait in a pending table under an opaque handle
// until phase two (FinishEnrollment) submits the activation code.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/guardcode"
	"github.com/and161185/guardkeeper/internal/limiter"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/steam"
)

// Defaults.
const (
	DefaultTTL          = 15 * time.Minute
	DefaultLoginTimeout = 40 * time.Second
)

// Login is one open provider login. *steam.LoginSession implements it.
type Login interface {
	SteamID() uint64
	GuardRequirement() (errs.GuardKind, string, bool)
	SubmitGuardCode(ctx context.Context, kind errs.GuardKind, code string) error
	Poll(ctx context.Context) (model.SessionMaterial, error)
	AddAuthenticator(ctx context.Context, deviceID string) (model.IdentityBundle, error)
	FinalizeAuthenticator(ctx context.Context, sharedSecret, activationCode string) error
	Close() error
}

var _ Login = (*steam.LoginSession)(nil)

// Dialer opens provider logins.
type Dialer interface {
	BeginLogin(ctx context.Context, accountName, password string) (Login, error)
}

type webAuthDialer struct{ w *steam.WebAuth }

// WebAuthDialer adapts steam.WebAuth to Dialer.
func WebAuthDialer(w *steam.WebAuth) Dialer { return webAuthDialer{w: w} }

func (d webAuthDialer) BeginLogin(ctx context.Context, accountName, password string) (Login, error) {
	s, err := d.w.BeginLogin(ctx, accountName, password)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Ticket identifies a pending enrollment.
type Ticket struct {
	Handle    uuid.UUID
	ExpiresAt time.Time
}

// Result is a finalized enrollment.
type Result struct {
	Bundle  model.IdentityBundle
	Session model.SessionMaterial
}

// Config tunes the manager.
type Config struct {
	TTL          time.Duration
	LoginTimeout time.Duration
}

type pendingEnrollment struct {
	handle      uuid.UUID
	userID      uuid.UUID
	accountName string
	login       Login
	bundle      model.IdentityBundle
	session     model.SessionMaterial
	expiresAt   time.Time
}

// awaitingGuard is a login parked until the caller retries with a guard code.
type awaitingGuard struct {
	accountName string
	login       Login
	kind        errs.GuardKind
	expiresAt   time.Time
}

// Manager owns the pending enrollment table. Safe for concurrent use.
type Manager struct {
	dialer  Dialer
	limiter limiter.Limiter
	log     *zap.Logger
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	pending  map[uuid.UUID]*pendingEnrollment // by handle
	byUser   map[uuid.UUID]uuid.UUID          // user -> handle
	awaiting map[uuid.UUID]*awaitingGuard     // by user
}

// NewManager constructs a manager. lim may be nil.
func NewManager(dialer Dialer, lim limiter.Limiter, log *zap.Logger, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	return &Manager{
		dialer:   dialer,
		limiter:  lim,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		pending:  map[uuid.UUID]*pendingEnrollment{},
		byUser:   map[uuid.UUID]uuid.UUID{},
		awaiting: map[uuid.UUID]*awaitingGuard{},
	}
}

// StartEnrollment runs phase one. Without a guard code on an account that needs one it fails with
// *errs.GuardRequiredError and keeps the login open, so the retry with a code continues it.
// Any earlier enrollment of the same user is discarded.
func (m *Manager) StartEnrollment(ctx context.Context, userID uuid.UUID, accountName, password, guardCode string) (Ticket, error) {
	accountName, guardCode = strings.TrimSpace(accountName), strings.TrimSpace(guardCode)
	if accountName == "" || password == "" {
		return Ticket{}, errors.New("validation: empty account name or password")
	}
	log := m.log.With(zap.String("user", userID.String()), zap.String("account_name", accountName))

	if err := m.allow(ctx, userID, accountName); err != nil {
		return Ticket{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	defer cancel()

	m.discardPending(userID)
	login, reused := m.takeAwaiting(userID, accountName, guardCode)
	if login == nil {
		var err error
		login, err = m.dialer.BeginLogin(ctx, accountName, password)
		if err != nil {
			if errors.Is(err, errs.ErrInvalidCredentials) {
				m.failure(ctx, log, userID, accountName)
			}
			return Ticket{}, fmt.Errorf("begin login: %w", err)
		}
	}

	// AwaitingGuardCode
	if kind, domain, need := login.GuardRequirement(); need {
		if guardCode == "" {
			m.park(userID, &awaitingGuard{accountName: accountName, login: login, kind: kind, expiresAt: m.now().Add(m.cfg.TTL)})
			log.Info("enrollment awaiting guard code", zap.String("kind", string(kind)))
			return Ticket{}, &errs.GuardRequiredError{Kind: kind, Domain: domain}
		}
		if err := login.SubmitGuardCode(ctx, kind, guardCode); err != nil {
			if errors.Is(err, errs.ErrGuardInvalid) {
				m.failure(ctx, log, userID, accountName)
				m.park(userID, &awaitingGuard{accountName: accountName, login: login, kind: kind, expiresAt: m.now().Add(m.cfg.TTL)})
				return Ticket{}, err
			}
			closeLogin(log, login)
			return Ticket{}, err
		}
	}

	sess, err := login.Poll(ctx)
	if err != nil {
		closeLogin(log, login)
		return Ticket{}, fmt.Errorf("complete login: %w", err)
	}
	if m.limiter != nil {
		if err := m.limiter.Success(ctx, userID, accountName); err != nil {
			log.Warn("limiter reset failed", zap.Error(err))
		}
	}

	// Enrolling
	bundle, err := login.AddAuthenticator(ctx, guardcode.DeviceID(login.SteamID()))
	if err != nil {
		closeLogin(log, login)
		return Ticket{}, err
	}

	handle, err := uuid.NewV4()
	if err != nil {
		closeLogin(log, login)
		return Ticket{}, err
	}
	p := &pendingEnrollment{
		handle:      handle,
		userID:      userID,
		accountName: accountName,
		login:       login,
		bundle:      bundle,
		session:     sess,
		expiresAt:   m.now().Add(m.cfg.TTL),
	}
	// PendingActivation
	m.store(p)
	log.Info("enrollment pending activation", zap.Bool("reused_login", reused), zap.Time("expires_at", p.expiresAt))
	return Ticket{Handle: handle, ExpiresAt: p.expiresAt}, nil
}

// FinishEnrollment runs phase two. The pending entry is discarded whatever the outcome.
func (m *Manager) FinishEnrollment(ctx context.Context, userID, handle uuid.UUID, activationCode string) (Result, error) {
	activationCode = strings.TrimSpace(activationCode)
	if activationCode == "" {
		return Result{}, errors.New("validation: empty activation code")
	}

	p, err := m.take(userID, handle)
	if err != nil {
		return Result{}, err
	}
	log := m.log.With(zap.String("user", userID.String()), zap.String("account_name", p.accountName))
	defer closeLogin(log, p.login)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	defer cancel()

	if err := p.login.FinalizeAuthenticator(ctx, p.bundle.SharedSecret, activationCode); err != nil {
		log.Info("enrollment finalize failed", zap.Error(err))
		return Result{}, err
	}
	log.Info("enrollment finalized", zap.Uint64("steam_id", p.bundle.SteamID))
	return Result{Bundle: p.bundle, Session: p.session}, nil
}

// Sweep discards pending enrollments and parked logins expired at now. It returns how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	var logins []Login

	m.mu.Lock()
	for h, p := range m.pending {
		if !now.Before(p.expiresAt) {
			delete(m.pending, h)
			if m.byUser[p.userID] == h {
				delete(m.byUser, p.userID)
			}
			logins = append(logins, p.login)
		}
	}
	for u, a := range m.awaiting {
		if !now.Before(a.expiresAt) {
			delete(m.awaiting, u)
			logins = append(logins, a.login)
		}
	}
	m.mu.Unlock()

	for _, l := range logins {
		closeLogin(m.log, l)
	}
	return len(logins)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.log.Info("expired enrollments discarded", zap.Int("count", n))
			}
		}
	}
}

// Close discards everything.
func (m *Manager) Close() {
	var logins []Login
	m.mu.Lock()
	for _, p := range m.pending {
		logins = append(logins, p.login)
	}
	for _, a := range m.awaiting {
		logins = append(logins, a.login)
	}
	m.pending = map[uuid.UUID]*pendingEnrollment{}
	m.byUser = map[uuid.UUID]uuid.UUID{}
	m.awaiting = map[uuid.UUID]*awaitingGuard{}
	m.mu.Unlock()

	for _, l := range logins {
		closeLogin(m.log, l)
	}
}

// Pending reports how many enrollments await activation.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) allow(ctx context.Context, userID uuid.UUID, accountName string) error {
	if m.limiter == nil {
		return nil
	}
	ok, retry, err := m.limiter.Allow(ctx, userID, accountName)
	if err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	if !ok {
		return fmt.Errorf("enrollment locked for %s: %w", retry.Round(time.Second), errs.ErrRateLimited)
	}
	return nil
}

func (m *Manager) failure(ctx context.Context, log *zap.Logger, userID uuid.UUID, accountName string) {
	if m.limiter == nil {
		return
	}
	blocked, retry, err := m.limiter.Failure(ctx, userID, accountName)
	if err != nil {
		log.Warn("limiter failure record failed", zap.Error(err))
		return
	}
	if blocked {
		log.Warn("enrollment attempts blocked", zap.Duration("retry_after", retry))
	}
}

// takeAwaiting returns the parked login of userID when the retry targets the same account with a code.
// A parked login that cannot be reused is closed.
func (m *Manager) takeAwaiting(userID uuid.UUID, accountName, guardCode string) (Login, bool) {
	m.mu.Lock()
	a, ok := m.awaiting[userID]
	delete(m.awaiting, userID)
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	if guardCode != "" && strings.EqualFold(a.accountName, accountName) && m.now().Before(a.expiresAt) {
		return a.login, true
	}
	closeLogin(m.log, a.login)
	return nil, false
}

func (m *Manager) park(userID uuid.UUID, a *awaitingGuard) {
	m.mu.Lock()
	prev := m.awaiting[userID]
	m.awaiting[userID] = a
	m.mu.Unlock()
	if prev != nil && prev.login != a.login {
		closeLogin(m.log, prev.login)
	}
}

func (m *Manager) discardPending(userID uuid.UUID) {
	m.mu.Lock()
	var old *pendingEnrollment
	if h, ok := m.byUser[userID]; ok {
		old = m.pending[h]
		delete(m.pending, h)
		delete(m.byUser, userID)
	}
	m.mu.Unlock()
	if old != nil {
		m.log.Info("previous enrollment discarded", zap.String("user", userID.String()))
		closeLogin(m.log, old.login)
	}
}

func (m *Manager) store(p *pendingEnrollment) {
	m.mu.Lock()
	var old *pendingEnrollment
	if h, ok := m.byUser[p.userID]; ok {
		old = m.pending[h]
		delete(m.pending, h)
	}
	m.pending[p.handle] = p
	m.byUser[p.userID] = p.handle
	m.mu.Unlock()
	if old != nil {
		closeLogin(m.log, old.login)
	}
}

// take removes and returns the live pending enrollment of userID under handle.
func (m *Manager) take(userID, handle uuid.UUID) (*pendingEnrollment, error) {
	m.mu.Lock()
	p, ok := m.pending[handle]
	if !ok || p.userID != userID {
		m.mu.Unlock()
		return nil, fmt.Errorf("enrollment %s: %w", handle, errs.ErrNotFound)
	}
	delete(m.pending, handle)
	delete(m.byUser, userID)
	m.mu.Unlock()

	if !m.now().Before(p.expiresAt) {
		closeLogin(m.log, p.login)
		return nil, fmt.Errorf("enrollment %s expired: %w", handle, errs.ErrNotFound)
	}
	return p, nil
}

func closeLogin(log *zap.Logger, l Login) {
	if err := l.Close(); err != nil {
		log.Debug("close login failed", zap.Error(err))
	}
}
