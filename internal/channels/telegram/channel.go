// Package telegram connects the relay to the Telegram Bot API: long-polled
// inbound updates in one direction, rate-limited sends in the other.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
)

// Inbound is one incoming chat message, already reduced to what the relay
// needs.
type Inbound struct {
	ChatID string
	Text   string
}

// Callback is one pressed inline keyboard button.
type Callback struct {
	ChatID     string
	CallbackID string
	Data       string
}

// Handler receives inbound traffic from the channel. Calls arrive from the
// polling goroutine, one at a time.
type Handler interface {
	OnMessage(ctx context.Context, msg Inbound)
	OnCallback(ctx context.Context, cb Callback)
}

// Channel runs the Bot API long-polling loop and dispatches updates to the
// handler.
type Channel struct {
	bot        *telego.Bot
	handler    Handler
	allowed    map[int64]bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a channel. allowedChatIDs is an allowlist; empty allows all.
func New(bot *telego.Bot, handler Handler, allowedChatIDs []int64) *Channel {
	var allowed map[int64]bool
	if len(allowedChatIDs) > 0 {
		allowed = make(map[int64]bool, len(allowedChatIDs))
		for _, id := range allowedChatIDs {
			allowed[id] = true
		}
	}
	return &Channel{bot: bot, handler: handler, allowed: allowed}
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"callback_query",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", c.bot.Username())

	// Register bot menu commands with retry; Telegram occasionally rejects
	// the first attempt right after connect.
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := c.SyncMenuCommands(pollCtx, DefaultMenuCommands()); err != nil {
				slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				if attempt < 3 {
					select {
					case <-pollCtx.Done():
						return
					case <-time.After(time.Duration(attempt*5) * time.Second):
					}
				}
			} else {
				slog.Info("telegram menu commands synced")
				return
			}
		}
	}()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				c.dispatch(pollCtx, update)
			}
		}
	}()

	return nil
}

func (c *Channel) dispatch(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		msg := update.Message
		if !c.chatAllowed(msg.Chat.ID) {
			slog.Warn("telegram message from disallowed chat", "chat_id", msg.Chat.ID)
			return
		}
		if msg.Text == "" {
			slog.Debug("telegram message without text skipped", "chat_id", msg.Chat.ID)
			return
		}
		c.handler.OnMessage(ctx, Inbound{
			ChatID: strconv.FormatInt(msg.Chat.ID, 10),
			Text:   msg.Text,
		})

	case update.CallbackQuery != nil:
		cb := update.CallbackQuery
		chatID := int64(0)
		if cb.Message != nil {
			chatID = cb.Message.GetChat().ID
		}
		if !c.chatAllowed(chatID) {
			slog.Warn("telegram callback from disallowed chat", "chat_id", chatID)
			return
		}
		c.handler.OnCallback(ctx, Callback{
			ChatID:     strconv.FormatInt(chatID, 10),
			CallbackID: cb.ID,
			Data:       cb.Data,
		})

	default:
		slog.Debug("telegram update skipped", "update_id", update.UpdateID)
	}
}

func (c *Channel) chatAllowed(id int64) bool {
	if c.allowed == nil {
		return true
	}
	return c.allowed[id]
}

// Stop cancels long polling and waits for the polling goroutine to exit so
// Telegram releases the getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}
