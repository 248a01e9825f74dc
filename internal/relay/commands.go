package relay

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/nextlevelbuilder/clawgram/internal/bus"
	"github.com/nextlevelbuilder/clawgram/internal/interaction"
)

const helpText = `Commands:
/help — this message
/status — session, directory, batching, last run stats
/new — start a fresh agent session
/stop — interrupt the running agent
/rename <title> — rename the current session
/dir <path> — set the project directory for new sessions
/interval <seconds> — tool output batching pace (0 = immediate)

Anything else you type goes straight to the agent.`

// handleCommand routes a guarded slash command. The guard has already
// verified the command is permitted in the current interaction state.
func (r *Relay) handleCommand(ctx context.Context, chatID string, cs *chatState, command, args string) {
	slog.Debug("command received", "chat", chatID, "command", command)

	switch command {
	case "/help":
		r.notify(ctx, chatID, helpText)

	case "/status":
		r.notify(ctx, chatID, r.statusText(chatID, cs))

	case "/new":
		r.startNewSession(ctx, chatID, cs)

	case "/stop":
		r.stopSession(ctx, chatID)

	case "/rename":
		if args != "" {
			r.finishRename(ctx, chatID, cs, args)
			return
		}
		cs.interactions.Start(interaction.KindRename, interaction.InputText, interaction.StartOptions{
			ExpiresIn: r.opts.InteractionTTL,
		})
		r.notify(ctx, chatID, "Send the new session title.")

	case "/dir":
		if args == "" {
			r.notify(ctx, chatID, "Usage: /dir <absolute path>")
			return
		}
		if err := r.store.SetDirectory(chatID, args); err != nil {
			slog.Error("directory update failed", "chat", chatID, "error", err)
			r.notify(ctx, chatID, "⚠️ Could not save the directory.")
			return
		}
		r.notify(ctx, chatID, "Project directory set to "+args+". It applies to the next /new session.")

	case "/interval":
		r.setInterval(ctx, chatID, args)

	default:
		r.notify(ctx, chatID, "Unknown command "+command+". Try /help.")
	}
}

// startNewSession tears down the chat's current binding and creates a fresh
// agent session.
func (r *Relay) startNewSession(ctx context.Context, chatID string, cs *chatState) {
	cs.interactions.Reset()
	r.mu.Lock()
	cs.question = nil
	cs.permissionID = ""
	cs.lastUsage = nil
	cs.changedFiles = make(map[string]bus.FileChange)
	r.mu.Unlock()
	r.batch.ClearSession(chatID, "new_session")

	if err := r.store.SetSession(chatID, ""); err != nil {
		slog.Error("session unbind failed", "chat", chatID, "error", err)
	}

	sessionID, err := r.ensureSession(ctx, chatID)
	if err != nil {
		r.notify(ctx, chatID, "⚠️ Could not start a new session: "+err.Error())
		return
	}
	r.notify(ctx, chatID, "🆕 Started session "+sessionID+". Send a message to begin.")
}

// stopSession interrupts the current run without discarding the session.
func (r *Relay) stopSession(ctx context.Context, chatID string) {
	settings, err := r.store.Chat(chatID)
	if err != nil || settings.SessionID == "" {
		r.notify(ctx, chatID, "No active session to stop.")
		return
	}
	if err := r.agent.Interrupt(ctx, settings.SessionID); err != nil {
		slog.Error("interrupt failed", "chat", chatID, "session", settings.SessionID, "error", err)
		r.notify(ctx, chatID, "⚠️ Failed to interrupt the agent.")
		return
	}
	r.batch.FlushSession(chatID, "stopped")
	r.notify(ctx, chatID, "🛑 Interrupted.")
}

// finishRename applies a title from either /rename args or the rename
// interaction's follow-up text.
func (r *Relay) finishRename(ctx context.Context, chatID string, cs *chatState, title string) {
	if snap := cs.interactions.Snapshot(); snap != nil && snap.Kind == interaction.KindRename {
		cs.interactions.Clear("rename_fulfilled")
	}
	if title == "" {
		r.notify(ctx, chatID, "The title cannot be empty.")
		return
	}

	settings, err := r.store.Chat(chatID)
	if err != nil || settings.SessionID == "" {
		r.notify(ctx, chatID, "No active session to rename.")
		return
	}
	if err := r.agent.Rename(ctx, settings.SessionID, title); err != nil {
		slog.Error("rename failed", "chat", chatID, "session", settings.SessionID, "error", err)
		r.notify(ctx, chatID, "⚠️ Failed to rename the session.")
		return
	}
	r.notify(ctx, chatID, "✏️ Session renamed to “"+title+"”.")
}

// setInterval updates both the live batcher and the persisted setting.
func (r *Relay) setInterval(ctx context.Context, chatID, args string) {
	seconds, err := strconv.Atoi(args)
	if err != nil || seconds < 0 {
		r.notify(ctx, chatID, "Usage: /interval <seconds>, 0 for immediate delivery.")
		return
	}
	if err := r.store.SetBatchInterval(chatID, seconds); err != nil {
		slog.Error("interval update failed", "chat", chatID, "error", err)
		r.notify(ctx, chatID, "⚠️ Could not save the interval.")
		return
	}
	r.batch.SetIntervalSeconds(seconds)
	if seconds == 0 {
		r.notify(ctx, chatID, "Tool output now delivers immediately.")
		return
	}
	r.notify(ctx, chatID, "Tool output now batches every "+strconv.Itoa(seconds)+"s.")
}
