package relay

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawgram/internal/channels/telegram"
	"github.com/nextlevelbuilder/clawgram/internal/interaction"
)

// OnMessage handles one typed chat message: classify, guard, then route to
// a command handler, a pending interaction, or the agent prompt path.
func (r *Relay) OnMessage(ctx context.Context, msg telegram.Inbound) {
	cs := r.chatFor(msg.ChatID)

	decision := cs.interactions.Resolve(interaction.Inbound{Text: msg.Text, HasText: true})
	if !decision.Allow {
		r.rejectInput(ctx, msg.ChatID, decision)
		return
	}

	if decision.Input == interaction.InputCommand {
		r.handleCommand(ctx, msg.ChatID, cs, decision.Command, commandArgs(msg.Text))
		return
	}

	// Text accepted by an active interaction fulfills it.
	if decision.State != nil {
		switch decision.State.Kind {
		case interaction.KindRename:
			r.finishRename(ctx, msg.ChatID, cs, strings.TrimSpace(msg.Text))
			return
		}
	}

	r.prompt(ctx, msg.ChatID, msg.Text)
}

// OnCallback handles one inline keyboard press. The press is always
// acknowledged so Telegram clears the button spinner, with the guard's
// verdict as the toast.
func (r *Relay) OnCallback(ctx context.Context, cb telegram.Callback) {
	cs := r.chatFor(cb.ChatID)

	decision := cs.interactions.Resolve(interaction.Inbound{CallbackData: cb.Data})
	toast := ""
	if !decision.Allow {
		toast = blockToast(decision.Reason)
	} else {
		switch {
		case strings.HasPrefix(cb.Data, cbPermission):
			toast = r.handlePermissionCallback(cb.ChatID, cb.Data, cs)
		case strings.HasPrefix(cb.Data, cbQuestionOption):
			toast = r.handleQuestionCallback(cb.ChatID, cb.Data, cs)
		default:
			slog.Debug("unrecognized callback payload", "chat", cb.ChatID, "data", cb.Data)
			toast = "This button is no longer active."
		}
	}

	if err := r.sender.AnswerCallback(ctx, cb.CallbackID, toast); err != nil {
		slog.Debug("callback ack failed", "chat", cb.ChatID, "error", err)
	}
}

// prompt forwards operator text to the chat's agent session.
func (r *Relay) prompt(ctx context.Context, chatID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	sessionID, err := r.ensureSession(ctx, chatID)
	if err != nil {
		slog.Error("session setup failed", "chat", chatID, "error", err)
		r.notify(ctx, chatID, "⚠️ Could not reach the agent server: "+err.Error())
		return
	}
	if err := r.agent.Prompt(ctx, sessionID, text); err != nil {
		slog.Error("prompt failed", "chat", chatID, "session", sessionID, "error", err)
		r.notify(ctx, chatID, "⚠️ Failed to send the prompt: "+err.Error())
		return
	}
	r.notifyTyping(ctx, chatID)
}

// rejectInput tells the operator why their message was not accepted.
func (r *Relay) rejectInput(ctx context.Context, chatID string, d interaction.Decision) {
	slog.Debug("inbound blocked", "chat", chatID, "input", d.Input, "reason", d.Reason)
	r.notify(ctx, chatID, blockMessage(d))
}

func blockMessage(d interaction.Decision) string {
	switch d.Reason {
	case interaction.ReasonExpired:
		return "That request expired. Send your message again."
	case interaction.ReasonCommandNotAllowed:
		return "The command " + d.Command + " is not available right now. Finish or cancel the pending request first."
	case interaction.ReasonExpectedCallback:
		return "Please use the buttons above to answer."
	case interaction.ReasonExpectedCommand:
		return "A command is expected here. Try /help."
	default:
		return "Please reply with text to continue."
	}
}

func blockToast(reason string) string {
	if reason == interaction.ReasonExpired {
		return "This menu expired."
	}
	return "This button is not available right now."
}

func (r *Relay) notify(ctx context.Context, chatID, text string) {
	if err := r.sender.SendText(ctx, chatID, text); err != nil {
		slog.Warn("notify failed", "chat", chatID, "error", err)
	}
}

func (r *Relay) notifyTyping(ctx context.Context, chatID string) {
	if err := r.sender.SendTyping(ctx, chatID); err != nil {
		slog.Debug("typing failed", "chat", chatID, "error", err)
	}
}

// commandArgs returns everything after the command token.
func commandArgs(text string) string {
	trimmed := strings.TrimSpace(text)
	if i := strings.IndexAny(trimmed, " \t\n"); i >= 0 {
		return strings.TrimSpace(trimmed[i+1:])
	}
	return ""
}
