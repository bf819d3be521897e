// Package notify tells operators about completed purchases.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/models"
)

type Notifier interface {
	OrderCompleted(ctx context.Context, order *models.Order, source string)
}

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	api    Sender
	chatID int64
	log    *zap.Logger
}

func NewTelegram(api Sender, chatID int64, log *zap.Logger) *Telegram {
	return &Telegram{api: api, chatID: chatID, log: log.Named("notify")}
}

const telegramTimeout = 10 * time.Second

// New returns a queued Telegram notifier when a bot token and chat are
// configured, and a no-op otherwise.
func New(token string, chatID int64, log *zap.Logger) (Notifier, error) {
	if token == "" || chatID == 0 {
		return Nop{}, nil
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: telegramTimeout})
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return NewQueue(NewTelegram(api, chatID, log), defaultQueueSize, log), nil
}

func (t *Telegram) OrderCompleted(_ context.Context, order *models.Order, source string) {
	text := fmt.Sprintf("💳 Order %s completed (%s)\nPackage: %s\nAmount: %d VND\nCredits: +%d\nOwner: %s\nTxn: %s",
		order.OrderCode, source, order.PackageID, order.Amount, order.Credits, order.IdentityKey, order.TransactionRef)
	if _, err := t.api.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.log.Warn("send order notification", zap.String("order_code", order.OrderCode), zap.Error(err))
	}
}

type Nop struct{}

func (Nop) OrderCompleted(context.Context, *models.Order, string) {}
