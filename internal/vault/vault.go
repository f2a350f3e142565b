// Package vault seals account secrets at rest and opens them for the confirmation engine.
//
// A master key is derived from an operator passphrase with Argon2id. Each linked account gets
// its own key through HKDF-SHA256 over (user id, steam id); blobs are XChaCha20-Poly1305 with
// the owner and purpose bound as associated data, so a blob cannot be replayed onto another
// account or swapped between bundle and session slots.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/guardkeeper/internal/model"
)

const (
	KeyLen = 32

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

const (
	purposeBundle  = "bundle"
	purposeSession = "session"
)

// ErrOpen is returned for blobs that fail authentication.
var ErrOpen = errors.New("vault: cannot open sealed data")

// DeriveKey derives the master key from passphrase and salt using Argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// Vault seals and opens per-account secret blobs.
type Vault struct {
	master []byte
}

// New wraps a master key.
func New(master []byte) (*Vault, error) {
	if len(master) != KeyLen {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", KeyLen, len(master))
	}
	return &Vault{master: append([]byte(nil), master...)}, nil
}

type sealedBundle struct {
	AccountName    string `json:"account_name"`
	SteamID        uint64 `json:"steamid,string"`
	SharedSecret   string `json:"shared_secret"`
	IdentitySecret string `json:"identity_secret"`
	DeviceID       string `json:"device_id,omitempty"`
	RevocationCode string `json:"revocation_code,omitempty"`
	SerialNumber   string `json:"serial_number,omitempty"`
	URI            string `json:"uri,omitempty"`
	SecretOne      string `json:"secret_1,omitempty"`
}

type sealedSession struct {
	SteamLoginSecure string `json:"steamLoginSecure,omitempty"`
	SessionID        string `json:"sessionid,omitempty"`
	AccessToken      string `json:"access_token,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	OAuthToken       string `json:"oauth_token,omitempty"`
	SteamID          uint64 `json:"steamid,string,omitempty"`
}

// SealBundle encrypts an identity bundle for (userID, steamID).
func (v *Vault) SealBundle(userID uuid.UUID, steamID uint64, b model.IdentityBundle) ([]byte, error) {
	return v.seal(userID, steamID, purposeBundle, sealedBundle(b))
}

// OpenBundle decrypts a bundle sealed by SealBundle.
func (v *Vault) OpenBundle(userID uuid.UUID, steamID uint64, blob []byte) (model.IdentityBundle, error) {
	var sb sealedBundle
	if err := v.open(userID, steamID, purposeBundle, blob, &sb); err != nil {
		return model.IdentityBundle{}, err
	}
	return model.IdentityBundle(sb), nil
}

// SealSession encrypts session material. Empty material seals to nil.
func (v *Vault) SealSession(userID uuid.UUID, steamID uint64, m model.SessionMaterial) ([]byte, error) {
	if m == (model.SessionMaterial{}) {
		return nil, nil
	}
	return v.seal(userID, steamID, purposeSession, sealedSession(m))
}

// OpenSession decrypts session material. A nil blob opens to empty material.
func (v *Vault) OpenSession(userID uuid.UUID, steamID uint64, blob []byte) (model.SessionMaterial, error) {
	if len(blob) == 0 {
		return model.SessionMaterial{}, nil
	}
	var ss sealedSession
	if err := v.open(userID, steamID, purposeSession, blob, &ss); err != nil {
		return model.SessionMaterial{}, err
	}
	return model.SessionMaterial(ss), nil
}

func (v *Vault) seal(userID uuid.UUID, steamID uint64, purpose string, payload any) ([]byte, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	aead, err := v.aead(userID, steamID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, associated(userID, steamID, purpose)), nil
}

func (v *Vault) open(userID uuid.UUID, steamID uint64, purpose string, blob []byte, out any) error {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return ErrOpen
	}
	aead, err := v.aead(userID, steamID)
	if err != nil {
		return err
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, associated(userID, steamID, purpose))
	if err != nil {
		return ErrOpen
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("vault: decode %s: %w", purpose, err)
	}
	return nil
}

func (v *Vault) aead(userID uuid.UUID, steamID uint64) (cipher.AEAD, error) {
	key := make([]byte, KeyLen)
	r := hkdf.New(sha256.New, v.master, nil, associated(userID, steamID, "account-key"))
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}

func associated(userID uuid.UUID, steamID uint64, purpose string) []byte {
	out := make([]byte, 0, len(userID)+8+len(purpose))
	out = append(out, userID.Bytes()...)
	out = binary.BigEndian.AppendUint64(out, steamID)
	return append(out, purpose...)
}
