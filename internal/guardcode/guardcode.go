// Package guardcode derives provider one-time codes and confirmation proofs from account secrets.
package guardcode

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/guardkeeper/internal/errs"
)

// Window is the provider code period.
const Window = 30 * time.Second

const (
	codeAlphabet = "23456789BCDFGHJKMNPQRTVWXY"
	codeLen      = 5
	maxTagLen    = 32
)

// Clock applies a provider time offset to local time. The zero value uses local time as is.
type Clock struct {
	Offset time.Duration
	Now    func() time.Time
}

// Time returns the provider-aligned current time.
func (c Clock) Time() time.Time {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().Add(c.Offset)
}

// GenerateCode returns the current code for a base64 shared secret.
func GenerateCode(sharedSecret string) (string, error) {
	return GenerateCodeAt(sharedSecret, time.Now())
}

// Code returns the code at the clock's current time.
func (c Clock) Code(sharedSecret string) (string, error) {
	return GenerateCodeAt(sharedSecret, c.Time())
}

// GenerateCodeAt returns the code for the window containing t.
func GenerateCodeAt(sharedSecret string, t time.Time) (string, error) {
	key, err := decodeSecret(sharedSecret)
	if err != nil {
		return "", err
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(t.Unix()/int64(Window/time.Second)))

	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	full := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	var b strings.Builder
	b.Grow(codeLen)
	n := uint32(len(codeAlphabet))
	for i := 0; i < codeLen; i++ {
		b.WriteByte(codeAlphabet[full%n])
		full /= n
	}
	return b.String(), nil
}

// SecondsRemainingInWindow returns how many seconds the code valid at now has left, in [1..30].
func SecondsRemainingInWindow(now time.Time) int {
	period := int64(Window / time.Second)
	return int(period - now.Unix()%period)
}

// ConfirmationKey signs (time, tag) with the identity secret for the legacy confirmation API.
func ConfirmationKey(identitySecret string, t time.Time, tag string) (string, error) {
	key, err := decodeSecret(identitySecret)
	if err != nil {
		return "", err
	}
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}

	buf := make([]byte, 8, 8+len(tag))
	binary.BigEndian.PutUint64(buf, uint64(t.Unix()))
	buf = append(buf, tag...)

	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(buf)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// DeviceID derives the stable mobile device id the provider expects for an account.
func DeviceID(steamID uint64) string {
	sum := sha1.Sum([]byte(strconv.FormatUint(steamID, 10)))
	h := hex.EncodeToString(sum[:])
	return fmt.Sprintf("android:%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32])
}

func decodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", errs.ErrInvalidSecret)
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidSecret, err)
	}
	return key, nil
}
