package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/guardkeeper/internal/model"
)

// maFile is the authenticator file layout shared with other mobile authenticator tools.
type maFile struct {
	SharedSecret   string         `json:"shared_secret"`
	SerialNumber   string         `json:"serial_number"`
	RevocationCode string         `json:"revocation_code"`
	URI            string         `json:"uri"`
	ServerTime     int64          `json:"server_time,omitempty"`
	AccountName    string         `json:"account_name"`
	IdentitySecret string         `json:"identity_secret"`
	Secret1        string         `json:"secret_1"`
	DeviceID       string         `json:"device_id"`
	FullyEnrolled  bool           `json:"fully_enrolled"`
	Session        *maFileSession `json:"Session,omitempty"`
}

type maFileSession struct {
	SteamID          uint64 `json:"SteamID"`
	AccessToken      string `json:"AccessToken,omitempty"`
	RefreshToken     string `json:"RefreshToken,omitempty"`
	SessionID        string `json:"SessionID,omitempty"`
	SteamLoginSecure string `json:"SteamLoginSecure,omitempty"`
	OAuthToken       string `json:"OAuthToken,omitempty"`
}

func (f maFile) bundle() model.IdentityBundle {
	b := model.IdentityBundle{
		AccountName:    f.AccountName,
		SharedSecret:   f.SharedSecret,
		IdentitySecret: f.IdentitySecret,
		DeviceID:       f.DeviceID,
		RevocationCode: f.RevocationCode,
		SerialNumber:   f.SerialNumber,
		URI:            f.URI,
		SecretOne:      f.Secret1,
	}
	if f.Session != nil {
		b.SteamID = f.Session.SteamID
	}
	return b
}

func (f maFile) session() model.SessionMaterial {
	if f.Session == nil {
		return model.SessionMaterial{}
	}
	s := f.Session
	return model.SessionMaterial{
		SteamLoginSecure: s.SteamLoginSecure,
		SessionID:        s.SessionID,
		AccessToken:      s.AccessToken,
		RefreshToken:     s.RefreshToken,
		OAuthToken:       s.OAuthToken,
		SteamID:          s.SteamID,
	}
}

func newMaFile(b model.IdentityBundle, m model.SessionMaterial) maFile {
	steamID := b.SteamID
	if steamID == 0 {
		steamID = m.SteamID
	}
	return maFile{
		SharedSecret:   b.SharedSecret,
		SerialNumber:   b.SerialNumber,
		RevocationCode: b.RevocationCode,
		URI:            b.URI,
		AccountName:    b.AccountName,
		IdentitySecret: b.IdentitySecret,
		Secret1:        b.SecretOne,
		DeviceID:       b.DeviceID,
		FullyEnrolled:  true,
		Session: &maFileSession{
			SteamID:          steamID,
			AccessToken:      m.AccessToken,
			RefreshToken:     m.RefreshToken,
			SessionID:        m.SessionID,
			SteamLoginSecure: m.SteamLoginSecure,
			OAuthToken:       m.OAuthToken,
		},
	}
}

func readMaFile(path string) (maFile, error) {
	var f maFile
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("%s: %w", path, err)
	}
	if strings.TrimSpace(f.SharedSecret) == "" {
		return f, fmt.Errorf("%s: no shared_secret", path)
	}
	return f, nil
}

// writeMaFile refuses to overwrite: a lost bundle means a lost authenticator.
func writeMaFile(path string, f maFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists", path)
		}
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
