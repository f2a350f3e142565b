// Package convert maps provider payloads (legacy JSON, session-API protobuf) to domain models.
package convert

import (
	"strings"

	"github.com/and161185/guardkeeper/internal/model"
)

// Legacy confirmation type codes as reported by the provider.
const (
	TypeInvalid           = 0
	TypeGeneric           = 1
	TypeTrade             = 2
	TypeMarketListing     = 3
	TypeFeatureOptOut     = 4
	TypePhoneNumberChange = 5
	TypeAccountRecovery   = 6
	TypeAPIKeyCreation    = 9
	TypeJoinFamily        = 11
	TypeFamilyPurchase    = 12
)

var codeKinds = map[int]model.Kind{
	TypeTrade:             model.KindTrade,
	TypeMarketListing:     model.KindOther,
	TypeFeatureOptOut:     model.KindOther,
	TypePhoneNumberChange: model.KindOther,
	TypeAccountRecovery:   model.KindOther,
	TypeAPIKeyCreation:    model.KindOther,
	TypeJoinFamily:        model.KindOther,
	TypeFamilyPurchase:    model.KindOther,
}

var loginMarkers = []string{"sign in", "sign-in", "signin", "log in", "login"}

// Classify maps a legacy confirmation to a kind. A known numeric code always wins;
// only ambiguous codes (invalid, generic, unknown) fall back to text heuristics.
func Classify(typeCode int, typeName, headline string) model.Kind {
	if k, ok := codeKinds[typeCode]; ok {
		return k
	}
	text := strings.ToLower(typeName + " " + headline)
	if strings.Contains(text, "trade") {
		return model.KindTrade
	}
	for _, m := range loginMarkers {
		if strings.Contains(text, m) {
			return model.KindLogin
		}
	}
	return model.KindOther
}
