package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier pushes notifications to one Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier authenticates the bot. endpoint overrides the API endpoint format
// (tgbotapi.APIEndpoint when empty), which tests point at a local server.
func NewTelegramNotifier(token string, chatID int64, endpoint string) (*TelegramNotifier, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (t *TelegramNotifier) Notify(_ context.Context, n Notification) error {
	parts := []string{n.Title}
	if n.Message != "" {
		parts = append(parts, n.Message)
	}
	if n.URL != "" {
		parts = append(parts, n.URL)
	}
	msg := tgbotapi.NewMessage(t.chatID, strings.Join(parts, "\n"))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
