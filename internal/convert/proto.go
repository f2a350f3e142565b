package convert

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/and161185/guardkeeper/internal/model"
)

// SessionInfo is the decoded GetAuthSessionInfo response.
type SessionInfo struct {
	IP                 string
	GeoLoc             string
	City               string
	State              string
	Country            string
	PlatformType       int32
	DeviceFriendlyName string
	Version            int32
	LocationMismatch   bool
	HighUsageLogin     bool
}

// MobileConfirmation is the UpdateAuthSessionWithMobileConfirmation request.
type MobileConfirmation struct {
	Version   int32
	ClientID  uint64
	SteamID   uint64
	Signature []byte
	Confirm   bool
	// Persistence: 1 = persistent session.
	Persistence int32
}

const sessionIDPrefix = "s"

// --- encode ---

// EncodeSessionInfoRequest encodes CAuthentication_GetAuthSessionInfo_Request.
func EncodeSessionInfoRequest(clientID uint64) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, clientID)
}

// EncodeMobileConfirmation encodes CAuthentication_UpdateAuthSessionWithMobileConfirmation_Request.
func EncodeMobileConfirmation(m MobileConfirmation) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Version))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ClientID)
	b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.SteamID)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Signature)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.Confirm))
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Persistence))
	return b
}

// --- decode ---

// DecodeClientIDs decodes CAuthentication_GetAuthSessionsForAccount_Response (field 1, packed or not).
func DecodeClientIDs(b []byte) ([]uint64, error) {
	var ids []uint64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != 1 {
			return skip(num, typ, v)
		}
		switch typ {
		case protowire.VarintType:
			id, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return n, nil
			}
			ids = append(ids, id)
			return n, nil
		case protowire.BytesType:
			packed, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				id, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m, nil
				}
				ids = append(ids, id)
				packed = packed[m:]
			}
			return n, nil
		default:
			return 0, fmt.Errorf("client_ids: unexpected wire type %d", typ)
		}
	})
	return ids, err
}

// DecodeSessionInfo decodes CAuthentication_GetAuthSessionInfo_Response.
func DecodeSessionInfo(b []byte) (SessionInfo, error) {
	var si SessionInfo
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num >= 1 && num <= 5 || num == 7:
			if typ != protowire.BytesType {
				return skip(num, typ, v)
			}
			s, n := protowire.ConsumeString(v)
			if n < 0 {
				return n, nil
			}
			switch num {
			case 1:
				si.IP = s
			case 2:
				si.GeoLoc = s
			case 3:
				si.City = s
			case 4:
				si.State = s
			case 5:
				si.Country = s
			case 7:
				si.DeviceFriendlyName = s
			}
			return n, nil
		case num == 6 || num == 8 || num == 10 || num == 11:
			if typ != protowire.VarintType {
				return skip(num, typ, v)
			}
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return n, nil
			}
			switch num {
			case 6:
				si.PlatformType = int32(x)
			case 8:
				si.Version = int32(x)
			case 10:
				si.LocationMismatch = protowire.DecodeBool(x)
			case 11:
				si.HighUsageLogin = protowire.DecodeBool(x)
			}
			return n, nil
		default:
			return skip(num, typ, v)
		}
	})
	return si, err
}

type fieldFunc func(num protowire.Number, typ protowire.Type, v []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, v), nil
}

// --- session confirmations ---

// SessionConfirmationID encodes a login client id as a confirmation id.
func SessionConfirmationID(clientID uint64) string {
	return sessionIDPrefix + strconv.FormatUint(clientID, 36)
}

// IsSessionConfirmationID reports whether id belongs to the session protocol namespace.
// Legacy ids are purely numeric.
func IsSessionConfirmationID(id string) bool {
	return strings.HasPrefix(id, sessionIDPrefix)
}

// ParseSessionConfirmationID reverses SessionConfirmationID.
func ParseSessionConfirmationID(id string) (uint64, error) {
	if !IsSessionConfirmationID(id) {
		return 0, errors.New("not a session confirmation id")
	}
	return strconv.ParseUint(strings.TrimPrefix(id, sessionIDPrefix), 36, 64)
}

// SessionNonce packs client id and protocol version so a response is self-contained.
func SessionNonce(clientID uint64, version int32) string {
	return strconv.FormatUint(clientID, 10) + ":" + strconv.FormatInt(int64(version), 10)
}

// ParseSessionNonce reverses SessionNonce.
func ParseSessionNonce(nonce string) (clientID uint64, version int32, err error) {
	idPart, verPart, ok := strings.Cut(nonce, ":")
	if !ok {
		return 0, 0, fmt.Errorf("bad session nonce %q", nonce)
	}
	clientID, err = strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad session nonce client id: %w", err)
	}
	v, err := strconv.ParseInt(verPart, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad session nonce version: %w", err)
	}
	return clientID, int32(v), nil
}

// FromSessionInfo builds the login confirmation for one pending client id.
func FromSessionInfo(clientID uint64, si SessionInfo) model.Confirmation {
	device := strings.TrimSpace(si.DeviceFriendlyName)
	if device == "" {
		device = "unknown device"
	}

	var place []string
	for _, p := range []string{si.City, si.State, si.Country} {
		if p = strings.TrimSpace(p); p != "" {
			place = append(place, p)
		}
	}
	summary := strings.Join(place, ", ")
	if si.IP != "" {
		if summary != "" {
			summary += " "
		}
		summary += "(" + si.IP + ")"
	}
	if si.LocationMismatch {
		summary += "\nlocation differs from this device"
	}

	return model.Confirmation{
		ID:       SessionConfirmationID(clientID),
		Nonce:    SessionNonce(clientID, si.Version),
		Kind:     model.KindLogin,
		Headline: "Sign in request from " + device,
		Summary:  strings.TrimSpace(summary),
		Protocol: model.ProtocolSession,
	}
}
