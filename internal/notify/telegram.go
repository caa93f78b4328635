package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"market_alerts/internal/model"
)

// TelegramAPI is the part of the bot API used for delivery.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends one chat message per item to the configured chat, or to
// the alert owner.
type Telegram struct {
	api     TelegramAPI
	limiter *rate.Limiter
}

// NewTelegram creates a Telegram sink. Messages are paced to about 20 per
// second across all alerts.
func NewTelegram(api TelegramAPI) *Telegram {
	return &Telegram{
		api:     api,
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

func (t *Telegram) Send(ctx context.Context, alert *model.Alert, items []model.Listing) error {
	chatID := alert.Notifications[model.ChannelTelegram].ChatID
	if chatID == 0 {
		chatID = alert.UserID
	}
	if chatID == 0 {
		return fmt.Errorf("no chat for alert %d", alert.ID)
	}

	var result *multierror.Error
	for _, it := range items {
		if err := t.limiter.Wait(ctx); err != nil {
			return multierror.Append(result, err)
		}
		msg := tgbotapi.NewMessage(chatID, FormatListing(alert, it))
		if _, err := t.api.Send(msg); err != nil {
			result = multierror.Append(result, fmt.Errorf("send listing %d: %w", it.ID, err))
		}
	}
	return result.ErrorOrNil()
}
