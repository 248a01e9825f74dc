// Package batcher turns bursts of per-session tool notifications into a
// bounded number of correctly-ordered, size-limited outbound sends. Each
// chat session gets its own queue, flush timer, and serialized send chain;
// a generation counter suppresses sends that raced past a clear.
package batcher

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgram/internal/bus"
)

type itemKind int

const (
	itemText itemKind = iota
	itemFile
)

// item is one queued outbound unit, preserving text/file interleaving order.
type item struct {
	kind itemKind
	text string
	file bus.FilePayload
}

// session holds the per-chat-session queue state. At most one flush timer
// and one chain tail exist per session.
type session struct {
	id    string
	items []item
	timer *time.Timer
	// tail is closed when the most recently chained send completes; the
	// next chained operation waits on it, so sends never overlap.
	tail chan struct{}
}

// Batcher paces outbound delivery per chat session.
type Batcher struct {
	mu       sync.Mutex
	sender   bus.Sender
	interval time.Duration
	sessions map[string]*session
	// generation advances on every clear; operations capture it at
	// acceptance time and drop silently once it has moved on. There is no
	// way to abort an in-flight send, only to suppress its successors.
	generation int64
}

// New creates a batcher delivering through sender. intervalSeconds is the
// flush pacing; 0 disables queuing and sends immediately (still serialized
// per session).
func New(sender bus.Sender, intervalSeconds int) *Batcher {
	if intervalSeconds < 0 {
		intervalSeconds = 0
	}
	return &Batcher{
		sender:   sender,
		interval: time.Duration(intervalSeconds) * time.Second,
		sessions: make(map[string]*session),
	}
}

// Enqueue queues text for the session, or sends immediately when the
// interval is 0. Empty/whitespace-only text and missing session ids are
// dropped silently.
func (b *Batcher) Enqueue(sessionID, text string) {
	if sessionID == "" || strings.TrimSpace(text) == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sessionLocked(sessionID)
	if b.interval == 0 {
		b.chainLocked(s, b.generation, []item{{kind: itemText, text: text}})
		return
	}
	s.items = append(s.items, item{kind: itemText, text: text})
	b.armTimerLocked(s)
}

// EnqueueFile queues a file for the session, preserving order relative to
// queued text.
func (b *Batcher) EnqueueFile(sessionID string, file bus.FilePayload) {
	if sessionID == "" || len(file.Data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sessionLocked(sessionID)
	if b.interval == 0 {
		b.chainLocked(s, b.generation, []item{{kind: itemFile, file: file}})
		return
	}
	s.items = append(s.items, item{kind: itemFile, file: file})
	b.armTimerLocked(s)
}

// SendNow pushes text through the session's serialized chain immediately,
// bypassing the queue regardless of the configured interval. Used for
// completed assistant text, which is never batched with tool output.
func (b *Batcher) SendNow(sessionID, text string) {
	if sessionID == "" || strings.TrimSpace(text) == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sessionLocked(sessionID)
	b.chainLocked(s, b.generation, []item{{kind: itemText, text: text}})
}

// FlushSession cancels the session's timer, drains its queue, and chains
// the drained items for sending.
func (b *Batcher) FlushSession(sessionID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushSessionLocked(sessionID, reason)
}

func (b *Batcher) flushSessionLocked(sessionID, reason string) {
	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.items) == 0 {
		return
	}
	items := s.items
	s.items = nil
	slog.Debug("batcher: flushing session", "session", sessionID, "items", len(items), "reason", reason)
	b.chainLocked(s, b.generation, items)
}

// FlushAll flushes every session.
func (b *Batcher) FlushAll(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.sessions {
		b.flushSessionLocked(id, reason)
	}
}

// SetIntervalSeconds changes the pacing at runtime. Setting 0 flushes
// everything immediately; otherwise any pending per-session timers restart
// with the new duration without discarding queued items.
func (b *Batcher) SetIntervalSeconds(n int) {
	if n < 0 {
		n = 0
	}
	b.mu.Lock()
	b.interval = time.Duration(n) * time.Second
	if n == 0 {
		for id := range b.sessions {
			b.flushSessionLocked(id, "interval_zero")
		}
		b.mu.Unlock()
		return
	}
	for _, s := range b.sessions {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
			b.armTimerLocked(s)
		}
	}
	b.mu.Unlock()
}

// ClearSession discards the session's queued items without sending and
// bumps the generation so in-flight sends are suppressed on completion.
func (b *Batcher) ClearSession(sessionID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.generation++
	s, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dropped := len(s.items)
	s.items = nil
	slog.Debug("batcher: session cleared", "session", sessionID, "dropped", dropped, "reason", reason)
}

// ClearAll discards every session's queued items without sending and bumps
// the generation.
func (b *Batcher) ClearAll(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.generation++
	for _, s := range b.sessions {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.items = nil
	}
	slog.Debug("batcher: all sessions cleared", "reason", reason)
}

func (b *Batcher) sessionLocked(id string) *session {
	s, ok := b.sessions[id]
	if !ok {
		s = &session{id: id}
		b.sessions[id] = s
	}
	return s
}

// armTimerLocked starts the flush timer if none is pending. Enqueuing while
// a timer runs must not reset it. The callback flushes only while it still
// owns the session's timer slot: a fired callback parked on the mutex may
// find a flush has already run and a replacement timer is armed, and must
// not cancel it.
func (b *Batcher) armTimerLocked(s *session) {
	if s.timer != nil {
		return
	}
	id := s.id
	var t *time.Timer
	t = time.AfterFunc(b.interval, func() {
		b.mu.Lock()
		if cur, ok := b.sessions[id]; ok && cur.timer == t {
			cur.timer = nil
			b.flushSessionLocked(id, "interval")
		}
		b.mu.Unlock()
	})
	s.timer = t
}

// chainLocked appends a send operation to the session's serialized chain.
// The operation captures the current generation; by the time it runs, a
// clear may have advanced it, in which case nothing observable happens.
func (b *Batcher) chainLocked(s *session, gen int64, items []item) {
	prev := s.tail
	done := make(chan struct{})
	s.tail = done

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		b.deliver(s.id, gen, items)
	}()
}

// deliver sends the drained items in order: consecutive text entries packed
// into as few messages as possible, files standalone in their original
// relative position. A send failure is terminal for that item only; the
// chain proceeds.
func (b *Batcher) deliver(sessionID string, gen int64, items []item) {
	ctx := context.Background()
	stale := false

	var texts []string
	sendTexts := func() {
		batches := PackMessages(texts, MessageCharLimit)
		texts = texts[:0]
		for _, batch := range batches {
			if !b.generationCurrent(gen) {
				stale = true
				return
			}
			if err := b.sender.SendText(ctx, sessionID, batch); err != nil {
				slog.Warn("batcher: text send failed", "session", sessionID, "error", err)
			}
		}
	}

	for _, it := range items {
		if stale {
			break
		}
		switch it.kind {
		case itemText:
			texts = append(texts, it.text)
		case itemFile:
			sendTexts()
			if stale {
				break
			}
			if !b.generationCurrent(gen) {
				stale = true
				break
			}
			if err := b.sender.SendFile(ctx, sessionID, it.file); err != nil {
				slog.Warn("batcher: file send failed",
					"session", sessionID, "file", it.file.Name, "error", err)
			}
		}
	}
	if !stale {
		sendTexts()
	}
	if stale {
		slog.Debug("batcher: suppressed stale sends", "session", sessionID)
	}
}

func (b *Batcher) generationCurrent(gen int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation == gen
}
