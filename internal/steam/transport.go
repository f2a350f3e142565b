// Package steam implements the provider protocols: legacy confirmations, session-based
// sign-in confirmations, and the credential login / authenticator enrollment handshake.
package steam

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/and161185/guardkeeper/internal/errs"
)

// Provider result codes used by this package.
const (
	EResultOK                    = 1
	EResultFail                  = 2
	EResultInvalidPassword       = 5
	EResultFileNotFound          = 9
	EResultDuplicateRequest      = 29
	EResultRateLimitExceeded     = 84
	EResultInvalidLoginAuthCode  = 65
	EResultTwoFactorCodeMismatch = 88
	EResultActivationCodeInvalid = 89
	EResultAccountLoginDenied    = 63
)

const maxBody = 4 << 20

// Config configures the provider transport.
type Config struct {
	APIBase       string        // https://api.steampowered.com
	CommunityBase string        // https://steamcommunity.com
	Timeout       time.Duration // confirmation calls
	LoginTimeout  time.Duration // login / enrollment calls
	RatePerMinute int           // 0 = unlimited
	UserAgent     string
}

// DefaultConfig returns production endpoints and timeouts.
func DefaultConfig() Config {
	return Config{
		APIBase:       "https://api.steampowered.com",
		CommunityBase: "https://steamcommunity.com",
		Timeout:       15 * time.Second,
		LoginTimeout:  40 * time.Second,
		RatePerMinute: 120,
		UserAgent:     "okhttp/4.9.2",
	}
}

// Transport performs provider HTTP calls with timeouts, rate limiting and error mapping.
type Transport struct {
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter
}

// NewTransport builds a transport. A nil client gets a default one that does not follow redirects.
func NewTransport(cfg Config, hc *http.Client) *Transport {
	def := DefaultConfig()
	if cfg.APIBase == "" {
		cfg.APIBase = def.APIBase
	}
	if cfg.CommunityBase == "" {
		cfg.CommunityBase = def.CommunityBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = def.LoginTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.CommunityBase = strings.TrimRight(cfg.CommunityBase, "/")

	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	} else {
		cp := *hc
		hc = &cp
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerMinute > 0 {
		lim = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), max(1, cfg.RatePerMinute/10))
	}
	return &Transport{cfg: cfg, hc: hc, limiter: lim}
}

// Config returns the effective configuration.
func (t *Transport) Config() Config { return t.cfg }

type call struct {
	op      string
	method  string
	url     string
	query   url.Values
	form    url.Values
	cookies []*http.Cookie
	timeout time.Duration
}

type reply struct {
	status  int
	eresult int
	body    []byte
}

func (t *Transport) do(ctx context.Context, c call) (reply, error) {
	timeout := c.timeout
	if timeout <= 0 {
		timeout = t.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := t.limiter.Wait(ctx); err != nil {
		return reply{}, mapNetErr(c.op, err)
	}

	u := c.url
	if len(c.query) > 0 {
		u += "?" + c.query.Encode()
	}
	var body io.Reader
	if c.form != nil {
		body = strings.NewReader(c.form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, c.method, u, body)
	if err != nil {
		return reply{}, fmt.Errorf("%s: %w", c.op, err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, */*")
	if c.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}

	resp, err := t.hc.Do(req)
	if err != nil {
		return reply{}, mapNetErr(c.op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return reply{}, mapNetErr(c.op, err)
	}

	r := reply{status: resp.StatusCode, eresult: EResultOK, body: b}
	if v := resp.Header.Get("X-eresult"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil {
			r.eresult = n
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return r, fmt.Errorf("%s: %w", c.op, errs.ErrSessionExpired)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		// login redirect: cookies no longer accepted
		return r, fmt.Errorf("%s: %w", c.op, errs.ErrSessionExpired)
	case resp.StatusCode >= 400:
		return r, errs.Protocolf(c.op, "http status %d", resp.StatusCode)
	}
	return r, nil
}

// callService invokes a protobuf service method with base64 input_protobuf_encoded.
func (t *Transport) callService(ctx context.Context, op, method, iface, name, accessToken string, in []byte, timeout time.Duration) ([]byte, error) {
	c := call{
		op:      op,
		method:  method,
		url:     fmt.Sprintf("%s/%s/%s/v1", t.cfg.APIBase, iface, name),
		query:   url.Values{},
		timeout: timeout,
	}
	if accessToken != "" {
		c.query.Set("access_token", accessToken)
	}
	enc := base64.StdEncoding.EncodeToString(in)
	if method == http.MethodGet {
		c.query.Set("input_protobuf_encoded", enc)
	} else {
		c.form = url.Values{"input_protobuf_encoded": {enc}}
	}

	r, err := t.do(ctx, c)
	if err != nil {
		return nil, err
	}
	if r.eresult != EResultOK {
		return nil, &errs.EResultError{Op: op, Result: r.eresult}
	}
	return r.body, nil
}

// callJSON invokes a form-encoded web API method and decodes its {"response": ...} envelope.
func (t *Transport) callJSON(ctx context.Context, op, method, iface, name string, params url.Values, out any) error {
	c := call{
		op:      op,
		method:  method,
		url:     fmt.Sprintf("%s/%s/%s/v1", t.cfg.APIBase, iface, name),
		timeout: t.cfg.LoginTimeout,
	}
	if method == http.MethodGet {
		c.query = params
	} else {
		c.form = params
		if tok := params.Get("access_token"); tok != "" {
			c.query = url.Values{"access_token": {tok}}
			c.form = cloneWithout(params, "access_token")
		}
	}

	r, err := t.do(ctx, c)
	if err != nil {
		return err
	}
	if r.eresult != EResultOK {
		return &errs.EResultError{Op: op, Result: r.eresult}
	}
	env := struct {
		Response json.RawMessage `json:"response"`
	}{}
	if err := json.Unmarshal(r.body, &env); err != nil {
		return errs.Protocolf(op, "decode envelope: %v", err)
	}
	if len(env.Response) == 0 || string(env.Response) == "null" {
		return errs.Protocolf(op, "empty response")
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return errs.Protocolf(op, "decode response: %v", err)
	}
	return nil
}

// getCommunity performs a GET against the community host and decodes JSON into out.
func (t *Transport) getCommunity(ctx context.Context, op, path string, q url.Values, cookies []*http.Cookie, out any) error {
	r, err := t.do(ctx, call{
		op:      op,
		method:  http.MethodGet,
		url:     t.cfg.CommunityBase + path,
		query:   q,
		cookies: cookies,
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(r.body, out); err != nil {
		return errs.Protocolf(op, "decode: %v", err)
	}
	return nil
}

func cloneWithout(v url.Values, key string) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		if k == key {
			continue
		}
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func mapNetErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, errs.ErrTimeout)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w", op, errs.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}
