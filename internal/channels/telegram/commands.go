package telegram

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
)

// DefaultMenuCommands is the command menu registered with Telegram on
// startup.
func DefaultMenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "help", Description: "Show available commands"},
		{Command: "status", Description: "Show session and settings"},
		{Command: "new", Description: "Start a fresh agent session"},
		{Command: "stop", Description: "Interrupt the running agent"},
		{Command: "rename", Description: "Rename the current session"},
		{Command: "dir", Description: "Set the project directory"},
		{Command: "interval", Description: "Set tool output batching (seconds)"},
	}
}

// SyncMenuCommands replaces the bot's registered command menu.
func (c *Channel) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands})
	if err != nil {
		return fmt.Errorf("set bot commands: %w", err)
	}
	return nil
}
