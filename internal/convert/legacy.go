package convert

import (
	"strings"
	"time"

	"github.com/and161185/guardkeeper/internal/model"
)

// LegacyConf is one entry of the legacy getlist response.
type LegacyConf struct {
	Type         int      `json:"type"`
	TypeName     string   `json:"type_name"`
	ID           string   `json:"id"`
	CreatorID    string   `json:"creator_id"`
	Nonce        string   `json:"nonce"`
	CreationTime int64    `json:"creation_time"`
	Headline     string   `json:"headline"`
	Summary      []string `json:"summary"`
}

// LegacyList is the legacy getlist response envelope.
type LegacyList struct {
	Success  bool         `json:"success"`
	NeedAuth bool         `json:"needauth"`
	Message  string       `json:"message"`
	Detail   string       `json:"detail"`
	Conf     []LegacyConf `json:"conf"`
}

// FromLegacyConf converts a legacy entry to a confirmation.
func FromLegacyConf(c LegacyConf) model.Confirmation {
	conf := model.Confirmation{
		ID:        c.ID,
		Nonce:     c.Nonce,
		Kind:      Classify(c.Type, c.TypeName, c.Headline),
		Headline:  strings.TrimSpace(c.Headline),
		Summary:   strings.TrimSpace(strings.Join(c.Summary, "\n")),
		Protocol:  model.ProtocolLegacy,
		TypeCode:  c.Type,
		CreatorID: c.CreatorID,
	}
	if conf.Headline == "" {
		conf.Headline = c.TypeName
	}
	if c.CreationTime > 0 {
		conf.CreatedAt = time.Unix(c.CreationTime, 0)
	}
	return conf
}

// FromLegacyList converts every entry, skipping entries without id or nonce.
func FromLegacyList(l LegacyList) []model.Confirmation {
	out := make([]model.Confirmation, 0, len(l.Conf))
	for _, c := range l.Conf {
		if c.ID == "" || c.Nonce == "" {
			continue
		}
		out = append(out, FromLegacyConf(c))
	}
	return out
}
