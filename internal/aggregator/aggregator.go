// Package aggregator consumes the agent server's raw event stream and
// reduces it to the handful of notifications the chat layer cares about:
// completed assistant text, tool results with derived file attachments,
// questions, permissions, and session-level signals. It owns fragment
// dedup, out-of-order part buffering, and the typing heartbeat.
package aggregator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgram/internal/agentapi"
	"github.com/nextlevelbuilder/clawgram/internal/bus"
)

// ToolNotification describes one completed tool call.
type ToolNotification struct {
	SessionID string
	CallID    string
	Tool      string
	Title     string
	Input     map[string]any
	// HasFile reports whether a file attachment was derived for this call;
	// the caller can then skip its own textual summary of the change.
	HasFile bool
}

// Callbacks are the aggregator's outputs. OnText, OnTokens, OnIdle, the
// tool callbacks, and OnTyping run synchronously from the event-handling
// goroutine (after internal locks are released); the rest are delivered
// from a single dispatch goroutine, so slow consumers never stall event
// intake. Nil callbacks are skipped.
type Callbacks struct {
	OnText       func(sessionID, text string)
	OnTokens     func(sessionID string, usage agentapi.TokenUsage)
	OnTool       func(n ToolNotification)
	OnToolFile   func(sessionID string, file bus.FilePayload)
	OnFileChange func(sessionID string, change bus.FileChange)
	OnIdle       func(sessionID string)
	OnTyping     func(sessionID string)

	OnThinking         func(sessionID string)
	OnQuestion         func(q agentapi.QuestionAsked)
	OnQuestionFailed   func(sessionID, callID string)
	OnPermission       func(p agentapi.PermissionAsked)
	OnSessionCompacted func(sessionID, directory string)
	OnDiff             func(sessionID string, changes []bus.FileChange)
	OnCleared          func(sessionID string)
}

// messageState tracks one streamed message. Text parts may arrive before
// the message.updated event that announces the role, so fragments buffer in
// pending until the role is known, then migrate to fragments for assistant
// messages or get dropped for everything else.
type messageState struct {
	roleKnown bool
	assistant bool
	// done marks a completed message; replayed completion events and late
	// fragments for it are ignored. The entry stays until the next clear so
	// the replay protection holds.
	done      bool
	fragments []string
	pending   []string
	hashes    map[string]bool
}

// Aggregator reduces agent events for exactly one bound session at a time.
type Aggregator struct {
	mu             sync.Mutex
	cb             Callbacks
	sessionID      string
	messages       map[string]*messageState
	processedTools map[string]bool
	// active counts assistant messages that are streaming but not done; the
	// typing heartbeat runs exactly while active > 0.
	active int

	heartbeat *heartbeat
	dispatch  chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an aggregator and starts its dispatch goroutine. Close must
// be called to release it.
func New(cb Callbacks, typingPeriod time.Duration) *Aggregator {
	a := &Aggregator{
		cb:             cb,
		messages:       make(map[string]*messageState),
		processedTools: make(map[string]bool),
		dispatch:       make(chan func(), 64),
		done:           make(chan struct{}),
	}
	a.heartbeat = newHeartbeat(typingPeriod, a.signalTyping)

	go func() {
		for {
			select {
			case <-a.done:
				return
			case fn := <-a.dispatch:
				fn()
			}
		}
	}()
	return a
}

// SetSession rebinds the aggregator to a new agent session, wiping all
// state accumulated for the old one. Rebinding to the current session is a
// no-op.
func (a *Aggregator) SetSession(sessionID string) {
	a.mu.Lock()
	if a.sessionID == sessionID {
		a.mu.Unlock()
		return
	}
	old := a.sessionID
	a.sessionID = sessionID
	a.resetLocked()
	a.mu.Unlock()

	if old != "" && a.cb.OnCleared != nil {
		a.post(func() { a.cb.OnCleared(old) })
	}
}

// Session returns the currently bound agent session id.
func (a *Aggregator) Session() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Clear drops all buffered message and tool state while keeping the session
// binding, and stops the typing heartbeat.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	sid := a.sessionID
	a.resetLocked()
	a.mu.Unlock()

	if sid != "" && a.cb.OnCleared != nil {
		a.post(func() { a.cb.OnCleared(sid) })
	}
}

func (a *Aggregator) resetLocked() {
	a.messages = make(map[string]*messageState)
	a.processedTools = make(map[string]bool)
	a.active = 0
	a.heartbeat.stop()
}

// Close stops the dispatch goroutine and the heartbeat. Queued deferred
// callbacks that have not run yet are dropped.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.heartbeat.stop()
	})
}

// Handle processes one event from the agent stream. Unknown event types are
// accepted and ignored.
func (a *Aggregator) Handle(ev agentapi.Event) {
	switch ev.Type {
	case agentapi.EventMessageUpdated:
		a.handleMessageUpdated(ev.Properties)
	case agentapi.EventMessagePartUpdated:
		a.handlePartUpdated(ev.Properties)
	case agentapi.EventSessionIdle:
		a.handleIdle(ev.Properties)
	case agentapi.EventSessionCompacted:
		a.handleCompacted(ev.Properties)
	case agentapi.EventSessionDiff:
		a.handleDiff(ev.Properties)
	case agentapi.EventQuestionAsked:
		a.handleQuestion(ev.Properties)
	case agentapi.EventPermissionAsked:
		a.handlePermission(ev.Properties)
	default:
		slog.Debug("aggregator: ignoring event", "type", ev.Type)
	}
}

func (a *Aggregator) handleMessageUpdated(props json.RawMessage) {
	var payload agentapi.MessageUpdated
	if err := json.Unmarshal(props, &payload); err != nil {
		slog.Warn("aggregator: bad message.updated payload", "error", err)
		return
	}
	info := payload.Info

	a.mu.Lock()
	if !a.sessionMatchesLocked(info.SessionID) {
		a.mu.Unlock()
		return
	}
	sid := a.sessionID
	ms := a.messageLocked(info.ID)
	if ms.done {
		a.mu.Unlock()
		return
	}

	if !ms.roleKnown && info.Role != "" {
		ms.roleKnown = true
		ms.assistant = info.Role == "assistant"
		if ms.assistant {
			ms.fragments = append(ms.fragments, ms.pending...)
			ms.pending = nil
			a.active++
			a.heartbeat.start()
			if a.cb.OnThinking != nil {
				a.post(func() { a.cb.OnThinking(sid) })
			}
		} else {
			ms.pending = nil
		}
	}

	var after []func()
	if info.Time.Completed != 0 {
		ms.done = true
		final := ""
		if n := len(ms.fragments); n > 0 {
			final = ms.fragments[n-1]
		}
		// Buffers are torn down with the message; only the done marker
		// stays behind to absorb replays.
		ms.fragments, ms.pending, ms.hashes = nil, nil, nil
		if ms.assistant {
			usage := info.Tokens
			// Usage lands strictly before the text it accounts for.
			if a.cb.OnTokens != nil {
				after = append(after, func() { a.cb.OnTokens(sid, usage) })
			}
			if final != "" && a.cb.OnText != nil {
				after = append(after, func() { a.cb.OnText(sid, final) })
			}
			a.active--
		}
		if a.active <= 0 {
			a.active = 0
			a.heartbeat.stop()
		}
	}
	a.mu.Unlock()

	for _, fn := range after {
		fn()
	}
}

func (a *Aggregator) handlePartUpdated(props json.RawMessage) {
	var payload agentapi.MessagePartUpdated
	if err := json.Unmarshal(props, &payload); err != nil {
		slog.Warn("aggregator: bad message.part.updated payload", "error", err)
		return
	}
	part := payload.Part

	switch part.Type {
	case "text":
		a.handleTextPart(part)
	case "tool":
		a.handleToolPart(part)
	}
}

func (a *Aggregator) handleTextPart(part agentapi.Part) {
	if part.Text == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.sessionMatchesLocked(part.SessionID) {
		return
	}

	ms := a.messageLocked(part.MessageID)
	if ms.done {
		return
	}
	h := fragmentHash(part.Text)
	if ms.hashes[h] {
		slog.Debug("aggregator: duplicate fragment dropped", "message", part.MessageID)
		return
	}
	ms.hashes[h] = true

	switch {
	case !ms.roleKnown:
		ms.pending = append(ms.pending, part.Text)
	case ms.assistant:
		ms.fragments = append(ms.fragments, part.Text)
	}
}

func (a *Aggregator) handleToolPart(part agentapi.Part) {
	state := part.State
	if state == nil || part.CallID == "" {
		return
	}

	a.mu.Lock()
	if !a.sessionMatchesLocked(part.SessionID) {
		a.mu.Unlock()
		return
	}
	sid := a.sessionID

	var after []func()
	switch {
	case state.Status == agentapi.ToolStatusError && part.Tool == "question":
		// A failed question tool means the ask flow broke server-side; the
		// chat layer surfaces it so the operator is not left waiting.
		key := "error-" + part.CallID
		if a.processedTools[key] {
			a.mu.Unlock()
			return
		}
		a.processedTools[key] = true
		callID := part.CallID
		if a.cb.OnQuestionFailed != nil {
			after = append(after, func() { a.cb.OnQuestionFailed(sid, callID) })
		}

	case state.Status == agentapi.ToolStatusCompleted:
		key := "completed-" + part.CallID
		if a.processedTools[key] {
			a.mu.Unlock()
			return
		}
		a.processedTools[key] = true

		file, change, hasFile := deriveToolFile(part)
		n := ToolNotification{
			SessionID: sid,
			CallID:    part.CallID,
			Tool:      part.Tool,
			Title:     state.Title,
			Input:     state.Input,
			HasFile:   hasFile,
		}
		if a.cb.OnTool != nil {
			after = append(after, func() { a.cb.OnTool(n) })
		}
		if hasFile {
			if a.cb.OnToolFile != nil {
				after = append(after, func() { a.cb.OnToolFile(sid, file) })
			}
			if a.cb.OnFileChange != nil {
				after = append(after, func() { a.cb.OnFileChange(sid, change) })
			}
		}
	}
	a.mu.Unlock()

	for _, fn := range after {
		fn()
	}
}

func (a *Aggregator) handleIdle(props json.RawMessage) {
	var info agentapi.SessionInfo
	if err := json.Unmarshal(props, &info); err != nil {
		slog.Warn("aggregator: bad session.idle payload", "error", err)
		return
	}

	a.mu.Lock()
	if !a.sessionMatchesLocked(info.SessionID) {
		a.mu.Unlock()
		return
	}
	sid := a.sessionID
	// Idle is authoritative: whatever we thought was still streaming is not.
	a.active = 0
	a.heartbeat.stop()
	a.mu.Unlock()

	if a.cb.OnIdle != nil {
		a.cb.OnIdle(sid)
	}
}

func (a *Aggregator) handleCompacted(props json.RawMessage) {
	var info agentapi.SessionInfo
	if err := json.Unmarshal(props, &info); err != nil {
		slog.Warn("aggregator: bad session.compacted payload", "error", err)
		return
	}

	a.mu.Lock()
	ok := a.sessionMatchesLocked(info.SessionID)
	sid := a.sessionID
	a.mu.Unlock()
	if !ok {
		return
	}

	dir := info.Directory
	if a.cb.OnSessionCompacted != nil {
		a.post(func() { a.cb.OnSessionCompacted(sid, dir) })
	}
}

func (a *Aggregator) handleDiff(props json.RawMessage) {
	var payload agentapi.SessionDiff
	if err := json.Unmarshal(props, &payload); err != nil {
		slog.Warn("aggregator: bad session.diff payload", "error", err)
		return
	}

	a.mu.Lock()
	ok := a.sessionMatchesLocked(payload.SessionID)
	sid := a.sessionID
	a.mu.Unlock()
	if !ok {
		return
	}

	changes := make([]bus.FileChange, 0, len(payload.Files))
	for _, f := range payload.Files {
		changes = append(changes, bus.FileChange{
			File:      f.File,
			Additions: f.Additions,
			Deletions: f.Deletions,
		})
	}
	if a.cb.OnDiff != nil {
		a.post(func() { a.cb.OnDiff(sid, changes) })
	}
}

func (a *Aggregator) handleQuestion(props json.RawMessage) {
	var q agentapi.QuestionAsked
	if err := json.Unmarshal(props, &q); err != nil {
		slog.Warn("aggregator: bad question.asked payload", "error", err)
		return
	}

	a.mu.Lock()
	ok := a.sessionMatchesLocked(q.SessionID)
	a.mu.Unlock()
	if !ok || len(q.Questions) == 0 {
		return
	}

	if a.cb.OnQuestion != nil {
		a.post(func() { a.cb.OnQuestion(q) })
	}
}

func (a *Aggregator) handlePermission(props json.RawMessage) {
	var p agentapi.PermissionAsked
	if err := json.Unmarshal(props, &p); err != nil {
		slog.Warn("aggregator: bad permission.asked payload", "error", err)
		return
	}

	a.mu.Lock()
	ok := a.sessionMatchesLocked(p.SessionID)
	a.mu.Unlock()
	if !ok {
		return
	}

	if a.cb.OnPermission != nil {
		a.post(func() { a.cb.OnPermission(p) })
	}
}

// sessionMatchesLocked reports whether the event belongs to the bound
// session. An unbound aggregator accepts nothing.
func (a *Aggregator) sessionMatchesLocked(sessionID string) bool {
	return a.sessionID != "" && sessionID == a.sessionID
}

func (a *Aggregator) messageLocked(id string) *messageState {
	ms, ok := a.messages[id]
	if !ok {
		ms = &messageState{hashes: make(map[string]bool)}
		a.messages[id] = ms
	}
	return ms
}

// post hands a callback to the dispatch goroutine. After Close it becomes a
// no-op rather than blocking.
func (a *Aggregator) post(fn func()) {
	select {
	case <-a.done:
	case a.dispatch <- fn:
	}
}

// signalTyping resolves the session at fire time so a rebind mid-stream
// types into the right chat.
func (a *Aggregator) signalTyping() {
	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	if sid != "" && a.cb.OnTyping != nil {
		a.cb.OnTyping(sid)
	}
}

func fragmentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}
