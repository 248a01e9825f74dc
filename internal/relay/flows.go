package relay

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/clawgram/internal/agentapi"
	"github.com/nextlevelbuilder/clawgram/internal/bus"
	"github.com/nextlevelbuilder/clawgram/internal/interaction"
)

// Callback data prefixes. Telegram caps callback data at 64 bytes, so the
// payload carries only indices; request ids live in relay state.
const (
	cbQuestionOption = "q:"
	cbQuestionDone   = "q:done"
	cbPermission     = "p:"
)

// onQuestion opens an inline-menu flow for a question.asked request. The
// interaction singleton locks the chat into answering (or an allowed
// command) until every question is resolved.
func (r *Relay) onQuestion(q agentapi.QuestionAsked) {
	chatID := r.chatForSession(q.SessionID)
	if chatID == "" {
		return
	}

	cs := r.chatFor(chatID)
	r.mu.Lock()
	cs.question = &pendingQuestion{
		requestID: q.RequestID,
		questions: q.Questions,
		answers:   make([][]string, 0, len(q.Questions)),
		selected:  make(map[int]bool),
	}
	r.mu.Unlock()

	cs.interactions.Start(interaction.KindQuestion, interaction.InputCallback, interaction.StartOptions{
		Metadata:  map[string]string{"request_id": q.RequestID},
		ExpiresIn: r.opts.InteractionTTL,
	})
	r.presentQuestion(chatID, cs)
}

// presentQuestion sends the menu for the current question index.
func (r *Relay) presentQuestion(chatID string, cs *chatState) {
	r.mu.Lock()
	pq := cs.question
	if pq == nil || pq.idx >= len(pq.questions) {
		r.mu.Unlock()
		return
	}
	q := pq.questions[pq.idx]
	idx, total := pq.idx, len(pq.questions)
	r.mu.Unlock()

	var rows [][]bus.Button
	for i, opt := range q.Options {
		label := opt.Label
		if label == "" {
			label = opt.Value
		}
		rows = append(rows, []bus.Button{{Text: label, Data: cbQuestionOption + strconv.Itoa(i)}})
	}
	if q.Multiple {
		rows = append(rows, []bus.Button{{Text: "✅ Done", Data: cbQuestionDone}})
	}

	text := q.Text
	if total > 1 {
		text = fmt.Sprintf("(%d/%d) %s", idx+1, total, text)
	}
	if q.Multiple {
		text += "\n\nSelect all that apply, then press Done."
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := r.sender.SendMenu(ctx, chatID, text, rows); err != nil {
		slog.Warn("question menu send failed", "chat", chatID, "error", err)
	}
}

// handleQuestionCallback records one button press for the pending question
// flow. Returns the toast text for the callback acknowledgement.
func (r *Relay) handleQuestionCallback(chatID, data string, cs *chatState) string {
	r.mu.Lock()
	pq := cs.question
	if pq == nil {
		r.mu.Unlock()
		return "No question is waiting."
	}
	q := pq.questions[pq.idx]

	if data == cbQuestionDone {
		if !q.Multiple {
			r.mu.Unlock()
			return ""
		}
		var picked []string
		for i, opt := range q.Options {
			if pq.selected[i] {
				picked = append(picked, optionValue(opt))
			}
		}
		pq.answers = append(pq.answers, picked)
		pq.idx++
		pq.selected = make(map[int]bool)
		r.mu.Unlock()
		return r.advanceQuestion(chatID, cs)
	}

	i, err := strconv.Atoi(strings.TrimPrefix(data, cbQuestionOption))
	if err != nil || i < 0 || i >= len(q.Options) {
		r.mu.Unlock()
		return "Unknown option."
	}

	if q.Multiple {
		pq.selected[i] = !pq.selected[i]
		picked := pq.selected[i]
		r.mu.Unlock()
		if picked {
			return "Selected: " + q.Options[i].Label
		}
		return "Unselected: " + q.Options[i].Label
	}

	pq.answers = append(pq.answers, []string{optionValue(q.Options[i])})
	pq.idx++
	r.mu.Unlock()
	return r.advanceQuestion(chatID, cs)
}

// advanceQuestion either presents the next question or submits the
// collected answers.
func (r *Relay) advanceQuestion(chatID string, cs *chatState) string {
	r.mu.Lock()
	pq := cs.question
	done := pq != nil && pq.idx >= len(pq.questions)
	r.mu.Unlock()

	if !done {
		r.presentQuestion(chatID, cs)
		return ""
	}

	r.mu.Lock()
	requestID := pq.requestID
	answers := pq.answers
	cs.question = nil
	r.mu.Unlock()

	cs.interactions.Clear("question_answered")

	ctx, cancel := opCtx()
	defer cancel()
	if err := r.agent.AnswerQuestion(ctx, requestID, answers); err != nil {
		slog.Warn("question answer failed", "request", requestID, "error", err)
		return "Failed to deliver the answer."
	}
	return "Answer sent."
}

func (r *Relay) onQuestionFailed(sessionID, callID string) {
	chatID := r.chatForSession(sessionID)
	if chatID == "" {
		return
	}
	cs := r.chatFor(chatID)

	r.mu.Lock()
	cs.question = nil
	r.mu.Unlock()
	if snap := cs.interactions.Snapshot(); snap != nil && snap.Kind == interaction.KindQuestion {
		cs.interactions.Clear("question_failed")
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := r.sender.SendText(ctx, chatID, "⚠️ The agent's question could not be delivered; it will continue without an answer."); err != nil {
		slog.Warn("question failure notice failed", "chat", chatID, "error", err)
	}
}

// onPermission opens the allow/always/deny menu for a permission.asked
// request.
func (r *Relay) onPermission(p agentapi.PermissionAsked) {
	chatID := r.chatForSession(p.SessionID)
	if chatID == "" {
		return
	}

	cs := r.chatFor(chatID)
	r.mu.Lock()
	cs.permissionID = p.RequestID
	r.mu.Unlock()

	cs.interactions.Start(interaction.KindPermission, interaction.InputCallback, interaction.StartOptions{
		Metadata:  map[string]string{"request_id": p.RequestID},
		ExpiresIn: r.opts.InteractionTTL,
	})

	rows := [][]bus.Button{{
		{Text: "✅ Allow", Data: cbPermission + "allow"},
		{Text: "♾ Always", Data: cbPermission + "always"},
		{Text: "❌ Deny", Data: cbPermission + "deny"},
	}}

	ctx, cancel := opCtx()
	defer cancel()
	if err := r.sender.SendMenu(ctx, chatID, formatPermission(p), rows); err != nil {
		slog.Warn("permission menu send failed", "chat", chatID, "error", err)
	}
}

// handlePermissionCallback resolves a pending permission request.
func (r *Relay) handlePermissionCallback(chatID, data string, cs *chatState) string {
	reply := strings.TrimPrefix(data, cbPermission)
	switch reply {
	case "allow", "always", "deny":
	default:
		return "Unknown permission reply."
	}

	r.mu.Lock()
	requestID := cs.permissionID
	cs.permissionID = ""
	r.mu.Unlock()
	if requestID == "" {
		return "No permission request is waiting."
	}

	cs.interactions.Clear("permission_answered")

	ctx, cancel := opCtx()
	defer cancel()
	if err := r.agent.ReplyPermission(ctx, requestID, reply); err != nil {
		slog.Warn("permission reply failed", "request", requestID, "error", err)
		return "Failed to deliver the reply."
	}
	return "Permission " + reply + "."
}

func optionValue(opt agentapi.QuestionOption) string {
	if opt.Value != "" {
		return opt.Value
	}
	return opt.Label
}
