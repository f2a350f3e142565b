// Package redispub publishes confirmation events to per-user Redis channels and keeps a short
// per-user history list for clients that reconnect.
package redispub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/notify"
)

const defaultHistory = 50

// Message is the JSON payload published for each event.
type Message struct {
	Type           string    `json:"type"`
	AccountID      int64     `json:"account_id"`
	Alias          string    `json:"alias,omitempty"`
	ConfirmationID string    `json:"confirmation_id,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	Headline       string    `json:"headline,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Text           string    `json:"text"`
	At             time.Time `json:"at"`
}

// Publisher implements notify.Notifier over Redis pub/sub.
type Publisher struct {
	rdb     goredis.UniversalClient
	prefix  string
	history int64
}

var _ notify.Notifier = (*Publisher)(nil)

// New constructs a publisher. prefix namespaces channel and list keys.
func New(rdb goredis.UniversalClient, prefix string, history int) *Publisher {
	if prefix == "" {
		prefix = "guard"
	}
	if history <= 0 {
		history = defaultHistory
	}
	return &Publisher{rdb: rdb, prefix: prefix, history: int64(history)}
}

// Dial connects to addr and checks it with PING.
func Dial(ctx context.Context, addr, password string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: password})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Channel returns the pub/sub channel of a user.
func (p *Publisher) Channel(ev model.Event) string {
	return p.prefix + ":events:" + ev.UserID.String()
}

// HistoryKey returns the list key holding recent events of a user.
func (p *Publisher) HistoryKey(ev model.Event) string {
	return p.prefix + ":recent:" + ev.UserID.String()
}

// Notify publishes the event and appends it to the capped history list.
func (p *Publisher) Notify(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(Message{
		Type:           string(ev.Type),
		AccountID:      ev.AccountID,
		Alias:          ev.Alias,
		ConfirmationID: ev.ConfirmationID,
		Kind:           string(ev.Kind),
		Headline:       ev.Headline,
		Detail:         ev.Detail,
		Text:           notify.Format(ev),
		At:             ev.At.UTC(),
	})
	if err != nil {
		return err
	}

	key := p.HistoryKey(ev)
	_, err = p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Publish(ctx, p.Channel(ev), payload)
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, p.history-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Recent returns up to n newest history messages of a user.
func (p *Publisher) Recent(ctx context.Context, ev model.Event, n int) ([]Message, error) {
	raw, err := p.rdb.LRange(ctx, p.HistoryKey(ev), 0, int64(n)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(raw))
	for _, s := range raw {
		var m Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
