package notifier

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramNotifier delivers events as chat messages to a single
// operator-facing chat, reusing the teacher's bot.TelegramBot wiring
// (token from environment, chatID fixed at construction) but addressed
// to the exchange's notification shape rather than trade P&L.
// Delivery is best-effort: every Send error is logged and swallowed,
// matching spec.md §4.6's "failures logged, never propagated".
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier constructs a TelegramNotifier from a bot token
// and destination chat ID.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: failed to initialize bot api: %w", err)
	}
	return &TelegramNotifier{api: api, chatID: chatID}, nil
}

func (t *TelegramNotifier) Send(ctx context.Context, event Event) {
	text := formatEvent(event)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Str("kind", string(event.Kind)).Msg("telegram notifier: send failed")
	}
}

func formatEvent(event Event) string {
	switch p := event.Payload.(type) {
	case CompletedPayload:
		return fmt.Sprintf("order %d completed: %d x %s → %d x %s (%d left)",
			p.OrderID, p.AmountCompleted, p.GiveItem, p.TakeAmount, p.TakeItem, p.AmountLeft)
	case CancelledPayload:
		return fmt.Sprintf("order %d cancelled: %d x %s was available", p.OrderID, p.WereAvailable, p.GiveItem)
	default:
		return fmt.Sprintf("event %s for order on market %d", event.Kind, event.MarketID)
	}
}
