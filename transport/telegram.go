package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram adapts a Telegram bot to the transport contract: outbound sends
// into any chat and inbound long polling of the mesh group.
type Telegram struct {
	bot *tgbotapi.BotAPI
	log *slog.Logger
}

// NewTelegram creates a Telegram transport for the given bot token.
func NewTelegram(token string, log *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	bot.Debug = false
	if log == nil {
		log = slog.Default()
	}
	return &Telegram{bot: bot, log: log}, nil
}

// Send delivers one line of text. chatID is the decimal chat id.
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	msg := tgbotapi.NewMessage(id, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Listen long-polls for updates and forwards group messages to handler
// until ctx is cancelled. Only messages from groupChatID are forwarded;
// pass an empty groupChatID to receive everything the bot can see.
func (t *Telegram) Listen(ctx context.Context, groupChatID string, handler Handler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
			if groupChatID != "" && chatID != groupChatID {
				continue
			}
			handler(ctx, Event{
				ChatID:    chatID,
				MessageID: strconv.Itoa(update.Message.MessageID),
				Text:      update.Message.Text,
			})
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}
