// Package notify delivers finished reports to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/backtester/internal/model"
	"github.com/Alias1177/backtester/internal/trading/backtest"
	"github.com/Alias1177/backtester/internal/trading/walkforward"
)

// maxChunk keeps a message plus its code fence under Telegram's 4096 limit.
const maxChunk = 4000

// Sender is the part of tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts reports as Markdown code blocks.
type Telegram struct {
	sender Sender
	chatID int64
	delay  time.Duration
	logger zerolog.Logger
}

// NewTelegram logs the bot in with token.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	return New(bot, chatID), nil
}

// New wraps an existing sender.
func New(sender Sender, chatID int64) *Telegram {
	return &Telegram{
		sender: sender,
		chatID: chatID,
		// Telegram allows about 30 messages per second per bot
		delay:  50 * time.Millisecond,
		logger: log.With().Str("component", "telegram").Int64("chat_id", chatID).Logger(),
	}
}

// SendReport posts a walk-forward report.
func (t *Telegram) SendReport(ctx context.Context, r *model.Report) error {
	return t.SendText(ctx, walkforward.FormatReport(r))
}

// SendSummary posts a single run summary.
func (t *Telegram) SendSummary(ctx context.Context, title string, s model.Summary) error {
	return t.SendText(ctx, backtest.FormatSummary(title, s))
}

// SendText posts text in as many messages as it needs, split on lines.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	chunks := split(text, maxChunk)
	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.delay):
			}
		}
		msg := tgbotapi.NewMessage(t.chatID, "```\n"+chunk+"```")
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.sender.Send(msg); err != nil {
			t.logger.Error().Err(err).Int("part", i+1).Int("parts", len(chunks)).Msg("Failed to send message")
			return fmt.Errorf("send part %d/%d: %w", i+1, len(chunks), err)
		}
	}
	t.logger.Info().Int("parts", len(chunks)).Msg("Report sent")
	return nil
}

// split cuts text into pieces of at most limit bytes at line ends. A line
// longer than limit is cut where it overflows.
func split(text string, limit int) []string {
	var chunks []string
	var b strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > limit {
			if b.Len() > 0 {
				chunks = append(chunks, b.String())
				b.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if b.Len()+len(line) > limit {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
