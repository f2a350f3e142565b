// Package model defines domain entities used by services, protocol clients and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// IdentityBundle is the durable secret material of one linked account.
// Secrets are base64 strings exactly as issued by the provider.
type IdentityBundle struct {
	AccountName    string
	SteamID        uint64
	SharedSecret   string // code generation
	IdentitySecret string // confirmation proof signing
	DeviceID       string // optional, derived from SteamID when empty
	RevocationCode string
	SerialNumber   string
	URI            string // otpauth:// uri
	SecretOne      string
}

// SessionMaterial collects short-lived provider tokens. Any field may be empty.
type SessionMaterial struct {
	SteamLoginSecure string // cookie value, "<steamid>||<access token>" (url-escaped or not)
	SessionID        string // sessionid cookie
	AccessToken      string
	RefreshToken     string
	OAuthToken       string // legacy: raw token or JSON {"steamid":..,"oauth_token":..}
	SteamID          uint64 // stored copy, least trusted
}

// Kind classifies a confirmation.
type Kind string

const (
	KindTrade Kind = "trade"
	KindLogin Kind = "login"
	KindOther Kind = "other"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindTrade, KindLogin, KindOther}

// Protocol names the provider API a confirmation came from.
type Protocol string

const (
	ProtocolLegacy  Protocol = "legacy"
	ProtocolSession Protocol = "session"
)

// Confirmation is one pending provider-side action. Identity is (Protocol, ID).
type Confirmation struct {
	ID        string
	Nonce     string
	Kind      Kind
	Headline  string
	Summary   string
	Protocol  Protocol
	TypeCode  int    // provider numeric type (legacy only)
	CreatorID string // trade offer id etc.
	CreatedAt time.Time
}

// Status is the cache state of a confirmation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool { return s != StatusPending }

// CacheEntry is one row per (account, confirmation id).
type CacheEntry struct {
	AccountID      int64
	ConfirmationID string
	Protocol       Protocol
	Kind           Kind
	Headline       string
	Summary        string
	Nonce          string
	Status         Status
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	ResolvedAt     *time.Time
}

// Policy holds per-account auto-confirm settings.
type Policy struct {
	AutoConfirmTrades bool
	AutoConfirmLogins bool
	Delay             time.Duration // clamped to [0, MaxAutoConfirmDelay]
}

// MaxAutoConfirmDelay bounds Policy.Delay.
const MaxAutoConfirmDelay = 60 * time.Second

// AutoConfirms reports whether the policy auto-confirms kind k. Other kinds never auto-confirm.
func (p Policy) AutoConfirms(k Kind) bool {
	switch k {
	case KindTrade:
		return p.AutoConfirmTrades
	case KindLogin:
		return p.AutoConfirmLogins
	default:
		return false
	}
}

// EffectiveDelay returns Delay clamped to the allowed range.
func (p Policy) EffectiveDelay() time.Duration {
	switch {
	case p.Delay < 0:
		return 0
	case p.Delay > MaxAutoConfirmDelay:
		return MaxAutoConfirmDelay
	default:
		return p.Delay
	}
}

// LinkedAccount is one eligible identity handed to the reconciler with opened secrets.
type LinkedAccount struct {
	ID      int64
	UserID  uuid.UUID
	Alias   string
	Bundle  IdentityBundle
	Session SessionMaterial
	Policy  Policy
}

// EventType names an audit/notification event.
type EventType string

const (
	EventNewConfirmation EventType = "new_confirmation"
	EventAutoConfirmed   EventType = "auto_confirmed"
	EventConfirmed       EventType = "confirmed"
	EventRejected        EventType = "rejected"
	EventExpired         EventType = "expired"
	EventSyncFailed      EventType = "sync_failed"
	EventSessionExpired  EventType = "session_expired"
)

// Event is an append-only audit record and the payload of user notifications.
type Event struct {
	Type           EventType
	UserID         uuid.UUID
	AccountID      int64
	Alias          string
	ConfirmationID string
	Kind           Kind
	Headline       string
	Detail         string
	At             time.Time
}

// StoredAccount is a linked account as persisted: secrets stay sealed until opened by the vault.
type StoredAccount struct {
	ID            int64
	UserID        uuid.UUID
	Alias         string
	SteamID       uint64
	SealedBundle  []byte
	SealedSession []byte
	Policy        Policy
	Disabled      bool
	CreatedAt     time.Time
}
