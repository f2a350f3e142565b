package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/and161185/guardkeeper/internal/model"
)

const sampleMaFile = `{
  "shared_secret": "MTIzNDU2Nzg5MDEyMzQ1Njc4OTA=",
  "serial_number": "1234",
  "revocation_code": "R12345",
  "uri": "otpauth://totp/Steam:alice?secret=GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ&issuer=Steam",
  "server_time": 1700000000,
  "account_name": "alice",
  "token_gid": "abc",
  "identity_secret": "aWRlbnRpdHk=",
  "secret_1": "c2Vj",
  "status": 1,
  "device_id": "android:0",
  "fully_enrolled": true,
  "Session": {
    "SteamID": 76561198000000000,
    "AccessToken": "at",
    "SessionID": "sid",
    "SteamLoginSecure": "76561198000000000%7C%7Cat"
  }
}`

func Test_readMaFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "alice.maFile")
	if err := os.WriteFile(p, []byte(sampleMaFile), 0o600); err != nil {
		t.Fatal(err)
	}

	f, err := readMaFile(p)
	if err != nil {
		t.Fatalf("readMaFile: %v", err)
	}
	b := f.bundle()
	if b.SteamID != 76561198000000000 || b.AccountName != "alice" || b.SecretOne != "c2Vj" {
		t.Fatalf("bundle mismatch: %+v", b)
	}
	s := f.session()
	if s.AccessToken != "at" || s.SessionID != "sid" || s.SteamID != b.SteamID {
		t.Fatalf("session mismatch: %+v", s)
	}
}

func Test_readMaFile_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := readMaFile(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("want error for missing file")
	}

	p := filepath.Join(dir, "empty.maFile")
	_ = os.WriteFile(p, []byte(`{"account_name":"x"}`), 0o600)
	if _, err := readMaFile(p); err == nil || !strings.Contains(err.Error(), "shared_secret") {
		t.Fatalf("want missing secret error, got %v", err)
	}

	_ = os.WriteFile(p, []byte(`{`), 0o600)
	if _, err := readMaFile(p); err == nil {
		t.Fatalf("want JSON error")
	}
}

func Test_writeMaFile_NoOverwrite(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "bob.maFile")
	f := newMaFile(model.IdentityBundle{AccountName: "bob", SharedSecret: "c2hhcmVk", IdentitySecret: "aWQ="},
		model.SessionMaterial{SteamID: 42, RefreshToken: "rt"})

	if err := writeMaFile(p, f); err != nil {
		t.Fatalf("writeMaFile: %v", err)
	}
	st, err := os.Stat(p)
	if err != nil || st.Mode().Perm() != 0o600 {
		t.Fatalf("want 0600 file, got %v %v", st, err)
	}
	if err := writeMaFile(p, f); err == nil {
		t.Fatalf("second write must fail")
	}

	back, err := readMaFile(p)
	if err != nil {
		t.Fatalf("readMaFile: %v", err)
	}
	if back.bundle().SteamID != 42 || back.session().RefreshToken != "rt" || !back.FullyEnrolled {
		t.Fatalf("unexpected file: %+v", back)
	}
}
