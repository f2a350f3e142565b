// Package telegram delivers confirmation events as Telegram bot messages.
package telegram

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/and161185/guardkeeper/internal/model"
	"github.com/and161185/guardkeeper/internal/notify"
)

// Sender is the part of *telego.Bot used here.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// ChatResolver maps an owner to its Telegram chat. ok is false when the user has none.
type ChatResolver interface {
	ChatID(ctx context.Context, userID uuid.UUID) (chatID int64, ok bool, err error)
}

// Notifier implements notify.Notifier for Telegram.
type Notifier struct {
	bot   Sender
	chats ChatResolver
	quiet map[model.EventType]bool
}

var _ notify.Notifier = (*Notifier)(nil)

// New constructs a notifier. Events of the quiet types are not sent.
func New(bot Sender, chats ChatResolver, quiet ...model.EventType) *Notifier {
	q := make(map[model.EventType]bool, len(quiet))
	for _, t := range quiet {
		q[t] = true
	}
	return &Notifier{bot: bot, chats: chats, quiet: q}
}

// NewBot creates a telego bot for token.
func NewBot(token string) (*telego.Bot, error) {
	return telego.NewBot(token)
}

// Notify sends the formatted event to the owner's chat.
func (n *Notifier) Notify(ctx context.Context, ev model.Event) error {
	if n.quiet[ev.Type] {
		return nil
	}
	chatID, ok, err := n.chats.ChatID(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("telegram: resolve chat: %w", err)
	}
	if !ok {
		return nil
	}
	msg := tu.Message(tu.ID(chatID), notify.Format(ev))
	if ev.Type == model.EventNewConfirmation && ev.ConfirmationID != "" {
		msg.WithReplyMarkup(tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Confirm").WithCallbackData(callbackData("confirm", ev)),
			tu.InlineKeyboardButton("Reject").WithCallbackData(callbackData("reject", ev)),
		)))
	}
	if _, err := n.bot.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// callbackData is "<action>:<account id>:<confirmation id>", within Telegram's 64 byte limit.
func callbackData(action string, ev model.Event) string {
	return fmt.Sprintf("%s:%d:%s", action, ev.AccountID, ev.ConfirmationID)
}
