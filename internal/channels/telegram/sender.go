package telegram

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawgram/internal/bus"
)

// Sender delivers outbound messages through the Bot API, pacing all calls
// with a shared rate limiter so bursts from the batcher never trip
// Telegram's flood control.
type Sender struct {
	bot     *telego.Bot
	limiter *rate.Limiter
}

// NewSender wraps bot with rate limiting. ratePerSec <= 0 falls back to a
// conservative 25/s, just under Telegram's global ceiling.
func NewSender(bot *telego.Bot, ratePerSec float64) *Sender {
	if ratePerSec <= 0 {
		ratePerSec = 25
	}
	return &Sender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

func (s *Sender) SendText(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := s.bot.SendMessage(ctx, tu.Message(tu.ID(id), text)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s *Sender) SendFile(ctx context.Context, chatID string, file bus.FilePayload) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	doc := tu.Document(tu.ID(id), tu.File(tu.NameReader(bytes.NewReader(file.Data), file.Name)))
	if file.Caption != "" {
		doc = doc.WithCaption(file.Caption)
	}
	if _, err := s.bot.SendDocument(ctx, doc); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

func (s *Sender) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

func (s *Sender) SendMenu(ctx context.Context, chatID, text string, rows [][]bus.Button) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	kbRows := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		var kbRow []telego.InlineKeyboardButton
		for _, b := range row {
			kbRow = append(kbRow, tu.InlineKeyboardButton(b.Text).WithCallbackData(b.Data))
		}
		kbRows = append(kbRows, kbRow)
	}

	msg := tu.Message(tu.ID(id), text).WithReplyMarkup(tu.InlineKeyboard(kbRows...))
	if _, err := s.bot.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send menu: %w", err)
	}
	return nil
}

func (s *Sender) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	params := &telego.AnswerCallbackQueryParams{CallbackQueryID: callbackID, Text: text}
	if err := s.bot.AnswerCallbackQuery(ctx, params); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}
