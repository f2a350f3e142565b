package steam

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/and161185/guardkeeper/internal/convert"
	"github.com/and161185/guardkeeper/internal/errs"
	"github.com/and161185/guardkeeper/internal/guardcode"
	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/session"
)

const (
	tagList   = "list"
	tagAllow  = "allow"
	tagCancel = "cancel"
)

// LegacyClient lists and answers confirmations through the mobileconf polling endpoints.
type LegacyClient struct {
	t     *Transport
	clock guardcode.Clock
}

// NewLegacyClient constructs a legacy confirmation client.
func NewLegacyClient(t *Transport, clock guardcode.Clock) *LegacyClient {
	return &LegacyClient{t: t, clock: clock}
}

// List returns the confirmations currently pending for the account.
func (c *LegacyClient) List(ctx context.Context, b model.IdentityBundle, r session.Resolved) ([]model.Confirmation, error) {
	if !r.HasLegacy() {
		return nil, fmt.Errorf("legacy list: %w", errs.ErrSessionExpired)
	}
	q, err := c.signedQuery(b, r, tagList)
	if err != nil {
		return nil, fmt.Errorf("legacy list: %w", err)
	}

	var l convert.LegacyList
	if err := c.t.getCommunity(ctx, "legacy list", "/mobileconf/getlist", q, cookies(r), &l); err != nil {
		return nil, err
	}
	if l.NeedAuth {
		return nil, fmt.Errorf("legacy list: %w", errs.ErrSessionExpired)
	}
	if !l.Success {
		return nil, errs.Protocolf("legacy list", "success=false: %s %s", l.Message, l.Detail)
	}
	return convert.FromLegacyList(l), nil
}

type ajaxResult struct {
	Success  bool   `json:"success"`
	NeedAuth bool   `json:"needauth"`
	Message  string `json:"message"`
}

// Respond accepts or cancels one confirmation. The nonce must come from a List for the same id.
func (c *LegacyClient) Respond(ctx context.Context, b model.IdentityBundle, r session.Resolved, id, nonce string, accept bool) (bool, error) {
	if !r.HasLegacy() {
		return false, fmt.Errorf("legacy respond: %w", errs.ErrSessionExpired)
	}
	if id == "" || nonce == "" {
		return false, errs.Protocolf("legacy respond", "empty confirmation id or nonce")
	}
	op := tagCancel
	if accept {
		op = tagAllow
	}
	q, err := c.signedQuery(b, r, op)
	if err != nil {
		return false, fmt.Errorf("legacy respond: %w", err)
	}
	q.Set("op", op)
	q.Set("cid", id)
	q.Set("ck", nonce)

	var res ajaxResult
	if err := c.t.getCommunity(ctx, "legacy respond", "/mobileconf/ajaxop", q, cookies(r), &res); err != nil {
		return false, err
	}
	if res.NeedAuth {
		return false, fmt.Errorf("legacy respond: %w", errs.ErrSessionExpired)
	}
	return res.Success, nil
}

func (c *LegacyClient) signedQuery(b model.IdentityBundle, r session.Resolved, tag string) (url.Values, error) {
	now := c.clock.Time()
	key, err := guardcode.ConfirmationKey(b.IdentitySecret, now, tag)
	if err != nil {
		return nil, err
	}
	device := b.DeviceID
	if device == "" {
		device = guardcode.DeviceID(r.SteamID)
	}
	return url.Values{
		"p":   {device},
		"a":   {strconv.FormatUint(r.SteamID, 10)},
		"k":   {key},
		"t":   {strconv.FormatInt(now.Unix(), 10)},
		"m":   {"react"},
		"tag": {tag},
	}, nil
}

func cookies(r session.Resolved) []*http.Cookie {
	out := []*http.Cookie{
		{Name: "steamLoginSecure", Value: r.LoginSecure},
		{Name: "mobileClient", Value: "android"},
		{Name: "mobileClientVersion", Value: "777777 3.6.4"},
	}
	if r.SessionID != "" {
		out = append(out, &http.Cookie{Name: "sessionid", Value: r.SessionID})
	}
	return out
}
