package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/guardkeeper/internal/model"
)

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func makeToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
		Audience:  jwt.ClaimStrings{"web", "mobile"},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("provider-key"))
	require.NoError(t, err)
	return s
}

func TestResolve_TokenClaimsWinOverCookieAndStored(t *testing.T) {
	t.Parallel()

	tok := makeToken(t, "76561198000000003", now.Add(time.Hour))
	r := Resolve(
		model.IdentityBundle{SteamID: 76561198000000001},
		model.SessionMaterial{
			SteamLoginSecure: "76561198000000002%7C%7C" + tok,
			SessionID:        "sid",
			SteamID:          76561198000000004,
		},
		now,
	)
	require.Equal(t, uint64(76561198000000003), r.SteamID)
	require.Equal(t, tok, r.AccessToken)
	require.Equal(t, Full, r.State)
	require.True(t, r.HasLegacy())
	require.True(t, r.HasSession())
}

func TestResolve_CookieTokenBeatsStoredAccessToken(t *testing.T) {
	t.Parallel()

	cookieTok := makeToken(t, "76561198000000002", now.Add(time.Hour))
	storedTok := makeToken(t, "76561198000000009", now.Add(time.Hour))
	r := Resolve(model.IdentityBundle{}, model.SessionMaterial{
		SteamLoginSecure: "76561198000000002||" + cookieTok,
		AccessToken:      storedTok,
	}, now)
	require.Equal(t, cookieTok, r.AccessToken)
	require.Equal(t, uint64(76561198000000002), r.SteamID)
}

func TestResolve_CookiePrefixBeatsStoredField(t *testing.T) {
	t.Parallel()

	r := Resolve(model.IdentityBundle{SteamID: 1}, model.SessionMaterial{
		SteamLoginSecure: "76561198000000002%7C%7Copaque",
		SteamID:          76561198000000004,
	}, now)
	require.Equal(t, uint64(76561198000000002), r.SteamID)
	require.Equal(t, "opaque", r.AccessToken)
}

func TestResolve_ExpiredTokenDegradesToLegacyOnly(t *testing.T) {
	t.Parallel()

	old := makeToken(t, "76561198000000003", now.Add(-time.Minute))
	r := Resolve(model.IdentityBundle{SteamID: 76561198000000001}, model.SessionMaterial{
		SteamLoginSecure: "76561198000000001||" + old,
	}, now)
	require.Empty(t, r.AccessToken)
	require.Equal(t, LegacyOnly, r.State)
	require.Equal(t, uint64(76561198000000001), r.SteamID)
}

func TestResolve_SessionOnly(t *testing.T) {
	t.Parallel()

	tok := makeToken(t, "76561198000000003", now.Add(time.Hour))
	r := Resolve(model.IdentityBundle{}, model.SessionMaterial{AccessToken: tok}, now)
	require.Equal(t, SessionOnly, r.State)
	require.False(t, r.HasLegacy())
	require.True(t, r.HasSession())
}

func TestResolve_LegacyOAuthBlob(t *testing.T) {
	t.Parallel()

	r := Resolve(model.IdentityBundle{}, model.SessionMaterial{
		OAuthToken: `{"steamid":"76561198000000005","oauth_token":"legacy-token"}`,
	}, now)
	require.Equal(t, "legacy-token", r.AccessToken)
	require.Equal(t, uint64(76561198000000005), r.SteamID)
	require.Equal(t, SessionOnly, r.State)
}

func TestResolve_BrokenOAuthBlobIsDegradedNotError(t *testing.T) {
	t.Parallel()

	r := Resolve(model.IdentityBundle{SteamID: 7}, model.SessionMaterial{OAuthToken: `{"steamid":`}, now)
	require.Empty(t, r.AccessToken)
	require.Equal(t, Unusable, r.State)
	require.Equal(t, "unusable", r.State.String())
}

func TestResolve_Empty(t *testing.T) {
	t.Parallel()

	r := Resolve(model.IdentityBundle{}, model.SessionMaterial{}, now)
	require.Equal(t, Unusable, r.State)
	require.Zero(t, r.SteamID)
}

func TestResolve_ExpiredCookieTokenFallsBackToStored(t *testing.T) {
	t.Parallel()

	old := makeToken(t, "76561198000000003", now.Add(-time.Minute))
	fresh := makeToken(t, "76561198000000003", now.Add(time.Hour))
	r := Resolve(model.IdentityBundle{}, model.SessionMaterial{
		SteamLoginSecure: "76561198000000003||" + old,
		AccessToken:      fresh,
	}, now)
	require.Equal(t, fresh, r.AccessToken)
	require.Equal(t, Full, r.State)
}
