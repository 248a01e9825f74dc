// Package relay is the control plane's hub: it binds chats to agent
// sessions, feeds operator input through the interaction guard into the
// agent, and fans aggregated agent events back out through the batcher and
// sender.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgram/internal/agentapi"
	"github.com/nextlevelbuilder/clawgram/internal/aggregator"
	"github.com/nextlevelbuilder/clawgram/internal/batcher"
	"github.com/nextlevelbuilder/clawgram/internal/bus"
	"github.com/nextlevelbuilder/clawgram/internal/interaction"
	"github.com/nextlevelbuilder/clawgram/internal/store"
)

// AgentClient is the slice of the agent RPC surface the relay drives.
type AgentClient interface {
	CreateSession(ctx context.Context, directory string) (string, error)
	Prompt(ctx context.Context, sessionID, text string) error
	Interrupt(ctx context.Context, sessionID string) error
	Rename(ctx context.Context, sessionID, title string) error
	ReplyPermission(ctx context.Context, requestID, reply string) error
	AnswerQuestion(ctx context.Context, requestID string, answers [][]string) error
}

// SettingsStore persists per-chat bindings.
type SettingsStore interface {
	Chat(chatID string) (store.ChatSettings, error)
	SetSession(chatID, sessionID string) error
	SetDirectory(chatID, directory string) error
	SetBatchInterval(chatID string, seconds int) error
}

// Options tunes relay behavior.
type Options struct {
	// DefaultDirectory is used for new sessions when the chat never set one.
	DefaultDirectory string
	// InteractionTTL bounds how long menus and prompts wait for input.
	// Zero means no expiry.
	InteractionTTL time.Duration
	// TypingPeriod overrides the typing heartbeat cadence (tests only).
	TypingPeriod time.Duration
}

// pendingQuestion tracks a question.asked request mid-answer.
type pendingQuestion struct {
	requestID string
	questions []agentapi.Question
	answers   [][]string
	idx       int
	selected  map[int]bool
}

// chatState is the relay's in-memory view of one chat.
type chatState struct {
	interactions *interaction.Manager
	question     *pendingQuestion
	permissionID string
	lastUsage    *agentapi.TokenUsage
	changedFiles map[string]bus.FileChange
}

// Relay wires the pipeline together. One aggregator serves the whole bot;
// it is rebound to whichever session the operator last engaged.
type Relay struct {
	agent  AgentClient
	store  SettingsStore
	sender bus.MenuSender
	batch  *batcher.Batcher
	opts   Options

	mu           sync.Mutex
	chats        map[string]*chatState
	sessionChats map[string]string

	agg *aggregator.Aggregator
}

// New creates a relay and its aggregator. Call Aggregator().Handle with
// agent events and Close on shutdown.
func New(agent AgentClient, settings SettingsStore, sender bus.MenuSender, batch *batcher.Batcher, opts Options) *Relay {
	r := &Relay{
		agent:        agent,
		store:        settings,
		sender:       sender,
		batch:        batch,
		opts:         opts,
		chats:        make(map[string]*chatState),
		sessionChats: make(map[string]string),
	}
	r.agg = aggregator.New(aggregator.Callbacks{
		OnText:             r.onAssistantText,
		OnTokens:           r.onTokens,
		OnTool:             r.onTool,
		OnToolFile:         r.onToolFile,
		OnFileChange:       r.onFileChange,
		OnIdle:             r.onIdle,
		OnTyping:           r.onTyping,
		OnThinking:         r.onThinking,
		OnQuestion:         r.onQuestion,
		OnQuestionFailed:   r.onQuestionFailed,
		OnPermission:       r.onPermission,
		OnSessionCompacted: r.onCompacted,
		OnDiff:             r.onDiff,
		OnCleared:          r.onSessionCleared,
	}, opts.TypingPeriod)
	return r
}

// Aggregator exposes the event entry point for the agent stream client.
func (r *Relay) Aggregator() *aggregator.Aggregator {
	return r.agg
}

// SetAgent injects the agent client. The relay and the stream client each
// need the other at construction time; wiring resolves the cycle by
// creating the relay first and setting the agent before anything starts.
func (r *Relay) SetAgent(agent AgentClient) {
	r.agent = agent
}

// Close releases the aggregator's goroutines.
func (r *Relay) Close() {
	r.agg.Close()
}

// chatFor returns (creating if needed) the state for a chat.
func (r *Relay) chatFor(chatID string) *chatState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatForLocked(chatID)
}

func (r *Relay) chatForLocked(chatID string) *chatState {
	cs, ok := r.chats[chatID]
	if !ok {
		cs = &chatState{
			interactions: interaction.NewManager(),
			changedFiles: make(map[string]bus.FileChange),
		}
		r.chats[chatID] = cs
	}
	return cs
}

// chatForSession maps an agent session back to its chat. Empty when the
// session is not bound (stale events after a rebind).
func (r *Relay) chatForSession(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionChats[sessionID]
}

// bindSession points chatID at sessionID, persists the binding, and rebinds
// the aggregator.
func (r *Relay) bindSession(chatID, sessionID string) error {
	r.mu.Lock()
	for sid, cid := range r.sessionChats {
		if cid == chatID {
			delete(r.sessionChats, sid)
		}
	}
	r.sessionChats[sessionID] = chatID
	r.mu.Unlock()

	if err := r.store.SetSession(chatID, sessionID); err != nil {
		return err
	}
	r.agg.SetSession(sessionID)
	return nil
}

// ensureSession returns the chat's bound session, creating one on first
// use. The aggregator always ends up bound to the returned session.
func (r *Relay) ensureSession(ctx context.Context, chatID string) (string, error) {
	settings, err := r.store.Chat(chatID)
	if err != nil {
		return "", err
	}
	// The persisted pacing belongs to the chat being engaged; without this
	// a restart would leave the batcher on the config default while /status
	// reports the stored value.
	r.batch.SetIntervalSeconds(settings.BatchInterval)
	if settings.SessionID != "" {
		r.mu.Lock()
		r.sessionChats[settings.SessionID] = chatID
		r.mu.Unlock()
		r.agg.SetSession(settings.SessionID)
		return settings.SessionID, nil
	}

	dir := settings.Directory
	if dir == "" {
		dir = r.opts.DefaultDirectory
	}
	sessionID, err := r.agent.CreateSession(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := r.bindSession(chatID, sessionID); err != nil {
		return "", err
	}
	slog.Info("agent session created", "chat", chatID, "session", sessionID, "directory", dir)
	return sessionID, nil
}

// opCtx is the context for work triggered by agent events, which arrive
// without one.
func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// --- aggregator callbacks ---

// onAssistantText flushes pending tool output first so the final answer
// always lands after the work it describes.
func (r *Relay) onAssistantText(sessionID, text string) {
	chatID := r.chatForSession(sessionID)
	if chatID == "" {
		return
	}
	r.batch.FlushSession(chatID, "assistant_text")
	r.batch.SendNow(chatID, text)
}

func (r *Relay) onTokens(sessionID string, usage agentapi.TokenUsage) {
	chatID := r.chatForSession(sessionID)
	if chatID == "" {
		return
	}
	cs := r.chatFor(chatID)
	r.mu.Lock()
	cs.lastUsage = &usage
	r.mu.Unlock()
}

func (r *Relay) onTool(n aggregator.ToolNotification) {
	chatID := r.chatForSession(n.SessionID)
	if chatID == "" {
		return
	}
	// File-producing tools are represented by their attachment; a text line
	// on top would say the same thing twice.
	if n.HasFile {
		return
	}
	r.batch.Enqueue(chatID, formatTool(n))
}

func (r *Relay) onToolFile(sessionID string, file bus.FilePayload) {
	if chatID := r.chatForSession(sessionID); chatID != "" {
		r.batch.EnqueueFile(chatID, file)
	}
}

func (r *Relay) onFileChange(sessionID string, change bus.FileChange) {
	chatID := r.chatForSession(sessionID)
	if chatID == "" {
		return
	}
	cs := r.chatFor(chatID)
	r.mu.Lock()
	cs.changedFiles[change.File] = change
	r.mu.Unlock()
}

func (r *Relay) onIdle(sessionID string) {
	if chatID := r.chatForSession(sessionID); chatID != "" {
		r.batch.FlushSession(chatID, "session_idle")
	}
}

func (r *Relay) onTyping(sessionID string) {
	chatID := r.chatForSession(sessionID)
	if chatID == "" {
		return
	}
	ctx, cancel := opCtx()
	defer cancel()
	if err := r.sender.SendTyping(ctx, chatID); err != nil {
		slog.Debug("typing signal failed", "chat", chatID, "error", err)
	}
}

func (r *Relay) onThinking(sessionID string) {
	r.onTyping(sessionID)
}

func (r *Relay) onCompacted(sessionID, directory string) {
	if chatID := r.chatForSession(sessionID); chatID != "" {
		r.batch.Enqueue(chatID, "🗜 Session history was compacted to stay within the context window.")
	}
}

func (r *Relay) onDiff(sessionID string, changes []bus.FileChange) {
	chatID := r.chatForSession(sessionID)
	if chatID == "" || len(changes) == 0 {
		return
	}
	cs := r.chatFor(chatID)
	r.mu.Lock()
	for _, c := range changes {
		cs.changedFiles[c.File] = c
	}
	r.mu.Unlock()
	r.batch.Enqueue(chatID, formatDiff(changes))
}

// onSessionCleared suppresses whatever was queued for the chat that owned
// the torn-down session.
func (r *Relay) onSessionCleared(sessionID string) {
	r.mu.Lock()
	chatID := r.sessionChats[sessionID]
	delete(r.sessionChats, sessionID)
	r.mu.Unlock()
	if chatID != "" {
		r.batch.ClearSession(chatID, "session_cleared")
	}
}
