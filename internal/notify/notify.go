// Package notify tells a Telegram chat about stock changes found by a run.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maltedev/stock-prober/internal/history"
	"github.com/maltedev/stock-prober/internal/models"
	"gopkg.in/telebot.v4"
)

// maxListed caps the number of changes spelled out in one message.
const maxListed = 20

// Sender is the part of the telebot API the notifier uses.
type Sender interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

type Notifier interface {
	NotifyChanges(ctx context.Context, changes []history.Change) error
}

// Nop discards notifications. It is used when Telegram is not configured.
type Nop struct{}

func (Nop) NotifyChanges(context.Context, []history.Change) error { return nil }

type Telegram struct {
	sender Sender
	chat   telebot.Recipient
	log    *slog.Logger
}

func NewTelegram(log *slog.Logger, token string, chatID int64, timeout time.Duration) (*Telegram, error) {
	bot, err := telebot.NewBot(telebot.Settings{
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	log.Info("authorized on account", "account", bot.Me.Username)

	return NewWithSender(log, bot, chatID), nil
}

func NewWithSender(log *slog.Logger, sender Sender, chatID int64) *Telegram {
	return &Telegram{
		sender: sender,
		chat:   telebot.ChatID(chatID),
		log:    log.With("component", "notifier"),
	}
}

// NotifyChanges sends one summary message. Nothing is sent without changes.
func (t *Telegram) NotifyChanges(ctx context.Context, changes []history.Change) error {
	if len(changes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := t.sender.Send(t.chat, Summary(changes), telebot.NoPreview); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	t.log.Info("changes notified", "changes", len(changes))
	return nil
}

// Summary renders changes as a plain-text message.
func Summary(changes []history.Change) string {
	var added, updated int
	for _, c := range changes {
		if c.Kind == history.ChangeAdded {
			added++
		} else {
			updated++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stock changes: %d new, %d updated\n", added, updated)

	for i, c := range changes {
		if i == maxListed {
			fmt.Fprintf(&b, "... and %d more\n", len(changes)-maxListed)
			break
		}
		if c.Previous != nil {
			fmt.Fprintf(&b, "%s: %s -> %s\n", c.Slug, amountLabel(*c.Previous), amountLabel(c.Current))
		} else {
			fmt.Fprintf(&b, "%s: %s (new)\n", c.Slug, amountLabel(c.Current))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func amountLabel(e models.Entry) string {
	if e.Confirmed {
		return e.Amount
	}
	return "~" + e.Amount
}
