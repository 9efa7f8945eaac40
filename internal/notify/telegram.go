package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/lithammer/dedent"
	"github.com/rs/zerolog/log"

	"github.com/raine/deal-scout/internal/deals"
)

// maxListedDeals is how many deals are spelled out in one notification.
const maxListedDeals = 5

// MessageSender abstracts the Telegram bot API.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends scan results to a single chat.
type Telegram struct {
	tg     MessageSender
	chatID int64
}

func NewTelegram(tg MessageSender, chatID int64) *Telegram {
	return &Telegram{tg: tg, chatID: chatID}
}

// NewTelegramFromToken authorizes the bot token and returns a notifier.
func NewTelegramFromToken(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	bot.Debug = false
	log.Info().Str("username", bot.Self.UserName).Msg("telegram notifications enabled")
	return NewTelegram(bot, chatID), nil
}

func (t *Telegram) NotifyDeals(ctx context.Context, found []deals.Deal, profitTotal string) error {
	if len(found) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(t.chatID, FormatDeals(found, profitTotal))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	if _, err := t.tg.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	log.Info().Int64("chatId", t.chatID).Int("deals", len(found)).Msg("sent deal notification")
	return nil
}

// FormatDeals renders the notification: a header with the count and total
// profit followed by the most profitable deals.
func FormatDeals(found []deals.Deal, profitTotal string) string {
	top := append([]deals.Deal(nil), found...)
	sort.SliceStable(top, func(i, j int) bool { return top[i].Profit > top[j].Profit })
	if len(top) > maxListedDeals {
		top = top[:maxListedDeals]
	}

	var lines []string
	for i, d := range top {
		line := fmt.Sprintf("%d. *%s* | %.0f € → %.0f € (+%.0f €)",
			i+1, escapeMarkdown(d.Title), d.SellerPrice, d.EstimatedValue, d.Profit)
		if d.SourceURL != "" {
			line += "\n   " + markdownLink("Open listing", d.SourceURL)
		}
		lines = append(lines, line)
	}

	text := formatText(`
		🔎 *%d deals found*
		Potential profit: *%s*

		%s`, len(found), escapeMarkdown(profitTotal), strings.Join(lines, "\n"))

	if rest := len(found) - len(top); rest > 0 {
		text += fmt.Sprintf("\n…and %d more", rest)
	}
	return text
}

func formatText(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

// markdownLink renders an inline link. Link targets are not parsed for
// entities, so underscores in query strings survive; only a closing paren
// would end the target early.
func markdownLink(label, target string) string {
	return fmt.Sprintf("[%s](%s)", escapeMarkdown(label), strings.ReplaceAll(target, ")", "%29"))
}

// escapeMarkdown escapes special characters for Telegram Markdown V1
func escapeMarkdown(text string) string {
	text = strings.ReplaceAll(text, "*", "\\*")
	text = strings.ReplaceAll(text, "_", "\\_")
	text = strings.ReplaceAll(text, "`", "\\`")
	text = strings.ReplaceAll(text, "[", "\\[")
	return text
}
