// Package session resolves possibly partial provider session material into usable credentials.
package session

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/guardkeeper/internal/model"
)

// State describes which protocols the resolved material can authenticate.
type State int

const (
	// Unusable: neither cookies nor an access token are present.
	Unusable State = iota
	// LegacyOnly: cookie tokens present, no live access token.
	LegacyOnly
	// SessionOnly: live access token present, no login cookie.
	SessionOnly
	// Full: both protocols usable.
	Full
)

func (s State) String() string {
	switch s {
	case Full:
		return "full"
	case LegacyOnly:
		return "legacy_only"
	case SessionOnly:
		return "session_only"
	default:
		return "unusable"
	}
}

// Resolved is the effective session material for one provider call.
type Resolved struct {
	SteamID     uint64
	AccessToken string
	LoginSecure string // cookie value as sent to the provider
	SessionID   string
	State       State
}

// HasLegacy reports whether the legacy protocol can be called.
func (r Resolved) HasLegacy() bool { return r.State == Full || r.State == LegacyOnly }

// HasSession reports whether the session protocol can be called.
func (r Resolved) HasSession() bool { return r.State == Full || r.State == SessionOnly }

// Resolve merges bundle and session material. Account id precedence: access token claims,
// cookie prefix, stored SteamID, bundle SteamID. Access token precedence: cookie-embedded,
// stored AccessToken, OAuthToken. Expired access tokens are dropped.
func Resolve(b model.IdentityBundle, m model.SessionMaterial, now time.Time) Resolved {
	cookieID, cookieToken := splitLoginSecure(m.SteamLoginSecure)

	var (
		token   string
		tokenID uint64
	)
	for _, cand := range []string{cookieToken, strings.TrimSpace(m.AccessToken), oauthToken(m.OAuthToken)} {
		if cand == "" {
			continue
		}
		if sub, live := tokenClaims(cand, now); live {
			token, tokenID = cand, sub
			break
		}
	}

	r := Resolved{
		SteamID:     firstNonZero(tokenID, cookieID, m.SteamID, oauthSteamID(m.OAuthToken), b.SteamID),
		AccessToken: token,
		LoginSecure: strings.TrimSpace(m.SteamLoginSecure),
		SessionID:   strings.TrimSpace(m.SessionID),
	}

	legacy := r.LoginSecure != "" && r.SteamID != 0
	sess := r.AccessToken != "" && r.SteamID != 0
	switch {
	case legacy && sess:
		r.State = Full
	case legacy:
		r.State = LegacyOnly
	case sess:
		r.State = SessionOnly
	default:
		r.State = Unusable
	}
	return r
}

// splitLoginSecure parses "<steamid>||<token>", url-escaped or not.
func splitLoginSecure(v string) (uint64, string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, ""
	}
	if un, err := url.QueryUnescape(v); err == nil {
		v = un
	}
	idPart, tok, found := strings.Cut(v, "||")
	id, _ := strconv.ParseUint(idPart, 10, 64)
	if !found {
		return id, ""
	}
	return id, strings.TrimSpace(tok)
}

// tokenClaims reads sub/exp without verifying the signature; the provider verifies it.
func tokenClaims(token string, now time.Time) (uint64, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		// opaque (non-JWT) tokens are passed through as is
		return 0, true
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(now) {
		return 0, false
	}
	id, _ := strconv.ParseUint(claims.Subject, 10, 64)
	return id, true
}

type legacyOAuth struct {
	SteamID    json.RawMessage `json:"steamid"`
	OAuthToken string          `json:"oauth_token"`
	AccessTok  string          `json:"access_token"`
}

// parseOAuth decodes the legacy JSON blob. ok=false means "not JSON", never an error.
func parseOAuth(v string) (legacyOAuth, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "{") {
		return legacyOAuth{}, false
	}
	var o legacyOAuth
	if err := json.Unmarshal([]byte(v), &o); err != nil {
		return legacyOAuth{}, false
	}
	return o, true
}

func oauthToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if o, ok := parseOAuth(v); ok {
		return firstNonEmpty(o.AccessTok, o.OAuthToken)
	}
	if strings.HasPrefix(v, "{") {
		return ""
	}
	return v
}

func oauthSteamID(v string) uint64 {
	o, ok := parseOAuth(v)
	if !ok || len(o.SteamID) == 0 {
		return 0
	}
	raw := strings.Trim(string(o.SteamID), `"`)
	id, _ := strconv.ParseUint(raw, 10, 64)
	return id
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(vals ...uint64) uint64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
