package steam

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"

	"github.com/and161185/guardkeeper/internal/convert"
	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/session"
)

const authService = "IAuthenticationService"

// SessionClient lists and answers sign-in confirmations through the authentication service API.
// It only ever produces login-kind confirmations.
type SessionClient struct {
	t *Transport
}

// NewSessionClient constructs a session-based confirmation client.
func NewSessionClient(t *Transport) *SessionClient {
	return &SessionClient{t: t}
}

// List returns pending sign-in requests. Without an access token it returns an empty set.
func (c *SessionClient) List(ctx context.Context, _ model.IdentityBundle, r session.Resolved) ([]model.Confirmation, error) {
	if !r.HasSession() {
		return nil, nil
	}

	raw, err := c.t.callService(ctx, "session list", http.MethodGet, authService, "GetAuthSessionsForAccount", r.AccessToken, nil, 0)
	if err != nil {
		return nil, err
	}
	ids, err := convert.DecodeClientIDs(raw)
	if err != nil {
		return nil, errs.Protocolf("session list", "decode client ids: %v", err)
	}

	out := make([]model.Confirmation, 0, len(ids))
	for _, id := range ids {
		raw, err := c.t.callService(ctx, "session info", http.MethodPost, authService, "GetAuthSessionInfo", r.AccessToken, convert.EncodeSessionInfoRequest(id), 0)
		if err != nil {
			if code, ok := errs.EResult(err); ok && code == EResultFileNotFound {
				// already resolved elsewhere
				continue
			}
			return nil, err
		}
		info, err := convert.DecodeSessionInfo(raw)
		if err != nil {
			return nil, errs.Protocolf("session info", "decode: %v", err)
		}
		out = append(out, convert.FromSessionInfo(id, info))
	}
	return out, nil
}

// Respond approves or denies a sign-in request. Duplicate or not-found answers count as success.
func (c *SessionClient) Respond(ctx context.Context, b model.IdentityBundle, r session.Resolved, id, nonce string, accept bool) (bool, error) {
	if !r.HasSession() {
		return false, fmt.Errorf("session respond: %w", errs.ErrSessionExpired)
	}
	clientID, version, err := convert.ParseSessionNonce(nonce)
	if err != nil {
		return false, errs.Protocolf("session respond", "%v", err)
	}
	if fromID, err := convert.ParseSessionConfirmationID(id); err != nil || fromID != clientID {
		return false, errs.Protocolf("session respond", "confirmation id %q does not match nonce", id)
	}

	sig, err := SignMobileConfirmation(b.SharedSecret, version, clientID, r.SteamID)
	if err != nil {
		return false, fmt.Errorf("session respond: %w", err)
	}
	req := convert.EncodeMobileConfirmation(convert.MobileConfirmation{
		Version:     version,
		ClientID:    clientID,
		SteamID:     r.SteamID,
		Signature:   sig,
		Confirm:     accept,
		Persistence: 1,
	})

	_, err = c.t.callService(ctx, "session respond", http.MethodPost, authService, "UpdateAuthSessionWithMobileConfirmation", r.AccessToken, req, 0)
	if err != nil {
		if code, ok := errs.EResult(err); ok && (code == EResultDuplicateRequest || code == EResultFileNotFound) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// SignMobileConfirmation computes HMAC-SHA256(sharedSecret, LE16(version) || LE64(clientID) || LE64(steamID)).
func SignMobileConfirmation(sharedSecret string, version int32, clientID, steamID uint64) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("%w: shared secret", errs.ErrInvalidSecret)
	}
	if version < 0 || version > 0xffff {
		return nil, errors.New("session version out of range")
	}

	var buf [18]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(version))
	binary.LittleEndian.PutUint64(buf[2:10], clientID)
	binary.LittleEndian.PutUint64(buf[10:18], steamID)

	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(buf[:])
	return mac.Sum(nil), nil
}
