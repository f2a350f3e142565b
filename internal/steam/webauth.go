package steam

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/pquerna/otp"

	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/guardcode"
	"github.com/and161185/guardkeeper/internal/model"
)

const (
	twoFactorService = "ITwoFactorService"

	// guard confirmation types reported by BeginAuthSessionViaCredentials
	confNone        = 1
	confEmailCode   = 2
	confDeviceCode  = 3
	maxFinalizeLoop = 30
)

var errLoginClosed = errors.New("login session closed")

// WebAuth opens credential logins against the authentication service.
type WebAuth struct {
	t      *Transport
	clock  guardcode.Clock
	device string // device_friendly_name shown to the user
}

// NewWebAuth constructs a login opener.
func NewWebAuth(t *Transport, clock guardcode.Clock, deviceName string) *WebAuth {
	if deviceName == "" {
		deviceName = "guardkeeper"
	}
	return &WebAuth{t: t, clock: clock, device: deviceName}
}

type rsaKeyResp struct {
	Mod       string `json:"publickey_mod"`
	Exp       string `json:"publickey_exp"`
	Timestamp string `json:"timestamp"`
}

type allowedConf struct {
	Type    int    `json:"confirmation_type"`
	Message string `json:"associated_message"`
}

type beginResp struct {
	ClientID  string        `json:"client_id"`
	RequestID string        `json:"request_id"`
	SteamID   string        `json:"steamid"`
	Allowed   []allowedConf `json:"allowed_confirmations"`
}

// BeginLogin starts a credential login. The returned session must be closed by the caller.
func (w *WebAuth) BeginLogin(ctx context.Context, accountName, password string) (*LoginSession, error) {
	if accountName == "" || password == "" {
		return nil, errors.New("begin login: empty account name or password")
	}

	var key rsaKeyResp
	if err := w.t.callJSON(ctx, "rsa key", http.MethodGet, authService, "GetPasswordRSAPublicKey",
		url.Values{"account_name": {accountName}}, &key); err != nil {
		return nil, err
	}
	enc, err := encryptPassword(key, password)
	if err != nil {
		return nil, errs.Protocolf("rsa key", "%v", err)
	}

	var br beginResp
	err = w.t.callJSON(ctx, "begin login", http.MethodPost, authService, "BeginAuthSessionViaCredentials", url.Values{
		"account_name":         {accountName},
		"encrypted_password":   {enc},
		"encryption_timestamp": {key.Timestamp},
		"remember_login":       {"true"},
		"persistence":          {"1"},
		"website_id":           {"Mobile"},
		"platform_type":        {"3"},
		"device_friendly_name": {w.device},
	}, &br)
	if err != nil {
		if code, ok := errs.EResult(err); ok && (code == EResultInvalidPassword || code == EResultAccountLoginDenied) {
			return nil, fmt.Errorf("begin login: %w", errs.ErrInvalidCredentials)
		}
		return nil, err
	}

	clientID, err := strconv.ParseUint(br.ClientID, 10, 64)
	if err != nil {
		return nil, errs.Protocolf("begin login", "bad client_id %q", br.ClientID)
	}
	steamID, err := strconv.ParseUint(br.SteamID, 10, 64)
	if err != nil {
		return nil, errs.Protocolf("begin login", "bad steamid %q", br.SteamID)
	}
	return &LoginSession{
		w:           w,
		accountName: accountName,
		clientID:    clientID,
		requestID:   br.RequestID,
		steamID:     steamID,
		allowed:     br.Allowed,
	}, nil
}

func encryptPassword(k rsaKeyResp, password string) (string, error) {
	mod, ok := new(big.Int).SetString(k.Mod, 16)
	if !ok {
		return "", errors.New("bad rsa modulus")
	}
	exp, err := strconv.ParseInt(k.Exp, 16, 32)
	if err != nil {
		return "", fmt.Errorf("bad rsa exponent: %w", err)
	}
	pub := &rsa.PublicKey{N: mod, E: int(exp)}
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(password))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// LoginSession is one open provider login. It is not safe for concurrent use beyond Close.
type LoginSession struct {
	w           *WebAuth
	accountName string
	clientID    uint64
	requestID   string
	steamID     uint64
	allowed     []allowedConf
	tokens      model.SessionMaterial

	mu     sync.Mutex
	closed bool
}

// SteamID returns the account id reported by the provider.
func (s *LoginSession) SteamID() uint64 { return s.steamID }

// AccountName returns the login name.
func (s *LoginSession) AccountName() string { return s.accountName }

// GuardRequirement reports whether a guard code is needed and of which kind.
func (s *LoginSession) GuardRequirement() (errs.GuardKind, string, bool) {
	var (
		kind   errs.GuardKind
		domain string
		found  bool
	)
	for _, a := range s.allowed {
		switch a.Type {
		case confNone:
			return "", "", false
		case confEmailCode:
			if !found {
				kind, domain, found = errs.GuardEmail, a.Message, true
			}
		case confDeviceCode:
			if !found {
				kind, found = errs.GuardTOTP, true
			}
		}
	}
	return kind, domain, found
}

// SubmitGuardCode sends the out-of-band code. Wrong or used codes yield errs.ErrGuardInvalid.
func (s *LoginSession) SubmitGuardCode(ctx context.Context, kind errs.GuardKind, code string) error {
	if err := s.check(); err != nil {
		return err
	}
	codeType := confEmailCode
	if kind == errs.GuardTOTP {
		codeType = confDeviceCode
	}
	var out struct{}
	err := s.w.t.callJSON(ctx, "guard code", http.MethodPost, authService, "UpdateAuthSessionWithSteamGuardCode", url.Values{
		"client_id": {strconv.FormatUint(s.clientID, 10)},
		"steamid":   {strconv.FormatUint(s.steamID, 10)},
		"code":      {strings.TrimSpace(code)},
		"code_type": {strconv.Itoa(codeType)},
	}, &out)
	if err != nil {
		if c, ok := errs.EResult(err); ok && (c == EResultInvalidLoginAuthCode || c == EResultTwoFactorCodeMismatch) {
			return fmt.Errorf("guard code: %w", errs.ErrGuardInvalid)
		}
		return err
	}
	return nil
}

type pollResp struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	AccountName  string `json:"account_name"`
}

// Poll completes the login and returns session material.
func (s *LoginSession) Poll(ctx context.Context) (model.SessionMaterial, error) {
	if err := s.check(); err != nil {
		return model.SessionMaterial{}, err
	}
	var pr pollResp
	err := s.w.t.callJSON(ctx, "poll login", http.MethodPost, authService, "PollAuthSessionStatus", url.Values{
		"client_id":  {strconv.FormatUint(s.clientID, 10)},
		"request_id": {s.requestID},
	}, &pr)
	if err != nil {
		return model.SessionMaterial{}, err
	}
	if pr.AccessToken == "" {
		return model.SessionMaterial{}, errs.Protocolf("poll login", "login not completed")
	}

	sid, err := randomHex(12)
	if err != nil {
		return model.SessionMaterial{}, err
	}
	s.tokens = model.SessionMaterial{
		SteamLoginSecure: strconv.FormatUint(s.steamID, 10) + "%7C%7C" + pr.AccessToken,
		SessionID:        sid,
		AccessToken:      pr.AccessToken,
		RefreshToken:     pr.RefreshToken,
		SteamID:          s.steamID,
	}
	return s.tokens, nil
}

type addResp struct {
	Status         int    `json:"status"`
	SharedSecret   string `json:"shared_secret"`
	IdentitySecret string `json:"identity_secret"`
	SerialNumber   string `json:"serial_number"`
	RevocationCode string `json:"revocation_code"`
	URI            string `json:"uri"`
	AccountName    string `json:"account_name"`
	Secret1        string `json:"secret_1"`
	PhoneHint      string `json:"phone_number_hint"`
}

// AddAuthenticator requests two-factor enrollment and returns the unconfirmed bundle.
func (s *LoginSession) AddAuthenticator(ctx context.Context, deviceID string) (model.IdentityBundle, error) {
	if err := s.check(); err != nil {
		return model.IdentityBundle{}, err
	}
	if s.tokens.AccessToken == "" {
		return model.IdentityBundle{}, errors.New("add authenticator: login not completed")
	}
	var ar addResp
	err := s.w.t.callJSON(ctx, "add authenticator", http.MethodPost, twoFactorService, "AddAuthenticator", url.Values{
		"access_token":       {s.tokens.AccessToken},
		"steamid":            {strconv.FormatUint(s.steamID, 10)},
		"authenticator_type": {"1"},
		"device_identifier":  {deviceID},
		"sms_phone_id":       {"1"},
		"version":            {"2"},
	}, &ar)
	if err != nil {
		if c, ok := errs.EResult(err); ok {
			return model.IdentityBundle{}, &errs.EnrollmentRejectedError{Status: c, Hint: rejectHint(c)}
		}
		return model.IdentityBundle{}, err
	}
	if ar.Status != EResultOK {
		return model.IdentityBundle{}, &errs.EnrollmentRejectedError{Status: ar.Status, Hint: rejectHint(ar.Status)}
	}
	if ar.SharedSecret == "" || ar.IdentitySecret == "" {
		return model.IdentityBundle{}, errs.Protocolf("add authenticator", "missing secrets")
	}
	if err := checkURISecret(ar.URI, ar.SharedSecret); err != nil {
		return model.IdentityBundle{}, errs.Protocolf("add authenticator", "%v", err)
	}

	name := ar.AccountName
	if name == "" {
		name = s.accountName
	}
	return model.IdentityBundle{
		AccountName:    name,
		SteamID:        s.steamID,
		SharedSecret:   ar.SharedSecret,
		IdentitySecret: ar.IdentitySecret,
		DeviceID:       deviceID,
		RevocationCode: ar.RevocationCode,
		SerialNumber:   ar.SerialNumber,
		URI:            ar.URI,
		SecretOne:      ar.Secret1,
	}, nil
}

type finalizeResp struct {
	Status     int    `json:"status"`
	Success    bool   `json:"success"`
	WantMore   bool   `json:"want_more"`
	ServerTime string `json:"server_time"`
}

// FinalizeAuthenticator submits the activation code, repeating with later codes while the provider asks for more.
func (s *LoginSession) FinalizeAuthenticator(ctx context.Context, sharedSecret, activationCode string) error {
	if err := s.check(); err != nil {
		return err
	}
	at := s.w.clock.Time()
	for i := 0; i < maxFinalizeLoop; i++ {
		code, err := guardcode.GenerateCodeAt(sharedSecret, at)
		if err != nil {
			return err
		}
		var fr finalizeResp
		err = s.w.t.callJSON(ctx, "finalize authenticator", http.MethodPost, twoFactorService, "FinalizeAddAuthenticator", url.Values{
			"access_token":       {s.tokens.AccessToken},
			"steamid":            {strconv.FormatUint(s.steamID, 10)},
			"authenticator_code": {code},
			"authenticator_time": {strconv.FormatInt(at.Unix(), 10)},
			"activation_code":    {strings.TrimSpace(activationCode)},
			"validate_sms_code":  {"1"},
		}, &fr)
		if err != nil {
			if c, ok := errs.EResult(err); ok {
				return &errs.EnrollmentRejectedError{Status: c, Hint: rejectHint(c)}
			}
			return err
		}
		if fr.Status == EResultActivationCodeInvalid {
			return &errs.EnrollmentRejectedError{Status: fr.Status, Hint: rejectHint(fr.Status)}
		}
		if !fr.WantMore {
			if fr.Success {
				return nil
			}
			return &errs.EnrollmentRejectedError{Status: fr.Status, Hint: rejectHint(fr.Status)}
		}
		at = at.Add(guardcode.Window)
	}
	return errs.Protocolf("finalize authenticator", "provider still wants more codes after %d attempts", maxFinalizeLoop)
}

// Close releases the login. Further calls fail.
func (s *LoginSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.tokens = model.SessionMaterial{}
	return nil
}

func (s *LoginSession) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errLoginClosed
	}
	return nil
}

func rejectHint(status int) string {
	switch status {
	case EResultFail:
		return "provider hold or cooldown, retry later"
	case EResultDuplicateRequest:
		return "account already has an authenticator"
	case EResultRateLimitExceeded:
		return "too many attempts, retry later"
	case EResultActivationCodeInvalid:
		return "activation code is wrong"
	default:
		return ""
	}
}

// checkURISecret cross-checks the otpauth uri secret against the issued shared secret.
func checkURISecret(uri, sharedSecret string) error {
	if uri == "" {
		return nil
	}
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return fmt.Errorf("parse otpauth uri: %w", err)
	}
	fromURI, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(strings.ToUpper(key.Secret()), "="))
	if err != nil {
		return fmt.Errorf("decode uri secret: %w", err)
	}
	shared, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil {
		return fmt.Errorf("%w: shared secret", errs.ErrInvalidSecret)
	}
	if !bytes.Equal(fromURI, shared) {
		return errors.New("otpauth uri secret does not match shared secret")
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
