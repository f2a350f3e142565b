// Package notify delivers confirmation events to users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/guardkeeper/internal/model"
)

// Notifier delivers one event.
type Notifier interface {
	Notify(ctx context.Context, ev model.Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

// Notify calls every notifier even when an earlier one fails.
func (m Multi) Notify(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, model.Event) error { return nil }

// Format renders an event as a short plain-text message.
func Format(ev model.Event) string {
	var b strings.Builder
	if ev.Alias != "" {
		fmt.Fprintf(&b, "[%s] ", ev.Alias)
	}
	switch ev.Type {
	case model.EventNewConfirmation:
		fmt.Fprintf(&b, "New %s confirmation: %s", ev.Kind, ev.Headline)
	case model.EventAutoConfirmed:
		fmt.Fprintf(&b, "Auto-confirmed %s: %s", ev.Kind, ev.Headline)
	case model.EventConfirmed:
		fmt.Fprintf(&b, "Confirmed %s: %s", ev.Kind, ev.Headline)
	case model.EventRejected:
		fmt.Fprintf(&b, "Rejected %s: %s", ev.Kind, ev.Headline)
	case model.EventExpired:
		fmt.Fprintf(&b, "Expired %s: %s", ev.Kind, ev.Headline)
	case model.EventSessionExpired:
		b.WriteString("Session expired, log in again to keep confirmations working")
	case model.EventSyncFailed:
		b.WriteString("Could not fetch confirmations")
	default:
		b.WriteString(string(ev.Type))
	}
	if ev.ConfirmationID != "" {
		fmt.Fprintf(&b, " (id %s)", ev.ConfirmationID)
	}
	if ev.Detail != "" {
		b.WriteString("\n")
		b.WriteString(ev.Detail)
	}
	return b.String()
}
