// Package notify tells content owners about tasks that failed for good.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"promoter/internal/database"
	"promoter/internal/events"
	"promoter/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type OwnerStore interface {
	GetOwner(ctx context.Context, id string) (*models.Owner, error)
}

type TelegramNotifier struct {
	bot    Sender
	owners OwnerStore
	logger zerolog.Logger
}

func NewTelegramNotifier(bot Sender, owners OwnerStore, logger *zerolog.Logger) *TelegramNotifier {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "notify").Logger()
	}
	return &TelegramNotifier{bot: bot, owners: owners, logger: l}
}

// Subscribe wires the notifier to dead-letter events.
func (n *TelegramNotifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventTaskDeadLettered, n.handleDeadLettered)
}

func (n *TelegramNotifier) handleDeadLettered(e *events.Event) error {
	var pl events.TaskEventPayload
	if err := e.Decode(&pl); err != nil {
		return fmt.Errorf("decode dead-letter event: %w", err)
	}
	_, err := n.NotifyFailure(context.Background(), pl)
	return err
}

// NotifyFailure messages the owner of a permanently failed task. Transient
// failures that ran out of attempts are left to operators, who can replay
// them. It reports whether a message was sent.
func (n *TelegramNotifier) NotifyFailure(ctx context.Context, pl events.TaskEventPayload) (bool, error) {
	if !pl.Permanent || pl.OwnerID == "" {
		return false, nil
	}

	owner, err := n.owners.GetOwner(ctx, pl.OwnerID)
	if errors.Is(err, database.ErrNotFound) {
		n.logger.Debug().Str("owner_id", pl.OwnerID).Msg("owner unknown, skipping notification")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load owner %s: %w", pl.OwnerID, err)
	}
	if owner.TelegramChatID == 0 {
		return false, nil
	}

	msg := tgbotapi.NewMessage(owner.TelegramChatID, FormatFailure(pl))
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err != nil {
		return false, fmt.Errorf("send telegram message: %w", err)
	}

	n.logger.Info().
		Str("task_id", pl.TaskID).
		Str("owner_id", pl.OwnerID).
		Str("reason", pl.FailureReason).
		Msg("owner notified of failed task")
	return true, nil
}

func FormatFailure(pl events.TaskEventPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Publishing to %s failed and will not be retried.\n", pl.Platform)
	fmt.Fprintf(&b, "Content: %s\n", pl.ContentID)
	if pl.FailureReason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", pl.FailureReason)
	}
	if pl.Error != "" {
		fmt.Fprintf(&b, "Details: %s\n", pl.Error)
	}
	fmt.Fprintf(&b, "Task: %s (attempts: %d)", pl.TaskID, pl.Attempts)
	return b.String()
}
