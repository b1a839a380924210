package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Sender delivers one event synchronously
type Sender interface {
	Send(ctx context.Context, event Event) error
}

// TelegramSender posts events to a Telegram channel
type TelegramSender struct {
	bot       *tgbotapi.BotAPI
	channelID int64
}

// NewTelegramSender creates a sender for the channel. The bot token is checked with getMe.
func NewTelegramSender(token string, channelID int64) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot, channelID: channelID}, nil
}

// NewTelegramSenderWithBot wraps an existing bot client
func NewTelegramSenderWithBot(bot *tgbotapi.BotAPI, channelID int64) *TelegramSender {
	return &TelegramSender{bot: bot, channelID: channelID}
}

func (s *TelegramSender) Send(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(s.channelID, event.Markdown())
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// LogSender writes events to the log, used when no bot is configured
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, event Event) error {
	fields := make([]zap.Field, 0, len(event.Fields)+2)
	fields = append(fields, zap.String("event", string(event.Type)), zap.String("id", event.ID))
	for _, f := range event.Fields {
		fields = append(fields, zap.String(f.Name, f.Value))
	}
	s.logger.Info(event.Title, fields...)
	return nil
}
