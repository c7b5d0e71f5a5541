package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/notifyhub/notifyhub/app/database"
)

const telegramPayloadLimit = 500

// Messenger sends a single Telegram message to a chat.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// BotMessenger delivers through the Telegram Bot API.
type BotMessenger struct {
	api *tgbotapi.BotAPI
}

var _ Messenger = (*BotMessenger)(nil)

func NewBotMessenger(token string) (*BotMessenger, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &BotMessenger{api: api}, nil
}

func (m *BotMessenger) Send(_ context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := m.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}

// LogMessenger stands in when no bot token is configured: the message is
// logged and delivery reports success.
type LogMessenger struct{}

var _ Messenger = (*LogMessenger)(nil)

func (LogMessenger) Send(_ context.Context, chatID int64, _ string) error {
	slog.Info("Telegram delivery disabled, message logged only", "chat_id", chatID)
	return nil
}

// TelegramProvider handles the TELEGRAM channel.
type TelegramProvider struct {
	messenger Messenger
}

var _ Provider = (*TelegramProvider)(nil)

func NewTelegramProvider(messenger Messenger) *TelegramProvider {
	return &TelegramProvider{messenger: messenger}
}

func (p *TelegramProvider) Channel() database.Channel {
	return database.ChannelTelegram
}

func (p *TelegramProvider) Deliver(ctx context.Context, _ database.Notification, event database.Event, user database.User) error {
	if user.TelegramChatID == "" {
		return Fatal(fmt.Errorf("user %d has no telegram chat id", user.ID))
	}
	chatID, err := strconv.ParseInt(user.TelegramChatID, 10, 64)
	if err != nil {
		return Fatal(fmt.Errorf("user %d has invalid telegram chat id %q", user.ID, user.TelegramChatID))
	}

	return p.messenger.Send(ctx, chatID, formatTelegramMessage(event))
}

func formatTelegramMessage(event database.Event) string {
	return fmt.Sprintf("<b>%s</b> [%s]\n\n%s\n\n<i>Source: %s | Priority: %s</i>",
		escapeHTML(event.Title),
		event.Priority,
		truncate(event.Payload, telegramPayloadLimit),
		event.SourceType,
		event.Priority,
	)
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
