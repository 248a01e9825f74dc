package aggregator

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgram/internal/agentapi"
	"github.com/nextlevelbuilder/clawgram/internal/bus"
)

// recorder captures callback invocations as ordered tags.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tag)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, c := range r.snapshot() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// waitForCall polls for a deferred callback to land.
func waitForCall(t *testing.T, r *recorder, prefix string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count(prefix) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, observed %v", prefix, r.snapshot())
}

func newTestAggregator(t *testing.T, typingPeriod time.Duration) (*Aggregator, *recorder) {
	t.Helper()
	r := &recorder{}
	a := New(Callbacks{
		OnText:           func(_, text string) { r.add("text:" + text) },
		OnTokens:         func(_ string, u agentapi.TokenUsage) { r.add(fmt.Sprintf("tokens:%d", u.Output)) },
		OnTool:           func(n ToolNotification) { r.add("tool:" + n.Tool) },
		OnToolFile:       func(_ string, f bus.FilePayload) { r.add("file:" + f.Name) },
		OnFileChange:     func(_ string, c bus.FileChange) { r.add(fmt.Sprintf("change:%s+%d-%d", c.File, c.Additions, c.Deletions)) },
		OnIdle:           func(string) { r.add("idle") },
		OnTyping:         func(string) { r.add("typing") },
		OnThinking:       func(string) { r.add("thinking") },
		OnQuestion:       func(q agentapi.QuestionAsked) { r.add("question:" + q.RequestID) },
		OnQuestionFailed: func(_, callID string) { r.add("question_failed:" + callID) },
		OnPermission:     func(p agentapi.PermissionAsked) { r.add("permission:" + p.RequestID) },
		OnSessionCompacted: func(_, dir string) {
			r.add("compacted:" + dir)
		},
		OnDiff: func(_ string, changes []bus.FileChange) {
			r.add(fmt.Sprintf("diff:%d", len(changes)))
		},
		OnCleared: func(sid string) { r.add("cleared:" + sid) },
	}, typingPeriod)
	t.Cleanup(a.Close)
	a.SetSession("ses_test")
	return a, r
}

func event(t *testing.T, typ string, payload any) agentapi.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", typ, err)
	}
	return agentapi.Event{Type: typ, Properties: raw}
}

func msgUpdated(t *testing.T, sid, mid, role string, completed int64, output int64) agentapi.Event {
	t.Helper()
	info := agentapi.MessageInfo{ID: mid, SessionID: sid, Role: role}
	info.Time.Created = 1
	info.Time.Completed = completed
	info.Tokens.Output = output
	return event(t, agentapi.EventMessageUpdated, agentapi.MessageUpdated{Info: info})
}

func textPart(t *testing.T, sid, mid, text string) agentapi.Event {
	t.Helper()
	return event(t, agentapi.EventMessagePartUpdated, agentapi.MessagePartUpdated{
		Part: agentapi.Part{ID: "prt_1", MessageID: mid, SessionID: sid, Type: "text", Text: text},
	})
}

func toolEvent(t *testing.T, sid, callID, tool string, state *agentapi.ToolState) agentapi.Event {
	t.Helper()
	return event(t, agentapi.EventMessagePartUpdated, agentapi.MessagePartUpdated{
		Part: agentapi.Part{ID: "prt_t", MessageID: "msg_1", SessionID: sid, Type: "tool", CallID: callID, Tool: tool, State: state},
	})
}

// TestHandle_AssistantCompletion_TokensThenText verifies the completion
// sequencing: usage first, then the last cumulative snapshot, each once.
func TestHandle_AssistantCompletion_TokensThenText(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	a.Handle(msgUpdated(t, "ses_test", "msg_1", "assistant", 0, 0))
	a.Handle(textPart(t, "ses_test", "msg_1", "Hel"))
	a.Handle(textPart(t, "ses_test", "msg_1", "Hello World"))
	a.Handle(msgUpdated(t, "ses_test", "msg_1", "assistant", 99, 42))

	calls := r.snapshot()
	var seq []string
	for _, c := range calls {
		if strings.HasPrefix(c, "tokens:") || strings.HasPrefix(c, "text:") {
			seq = append(seq, c)
		}
	}
	want := []string{"tokens:42", "text:Hello World"}
	if len(seq) != 2 || seq[0] != want[0] || seq[1] != want[1] {
		t.Errorf("completion sequence = %v, want %v", seq, want)
	}
}

// TestHandle_PartsBeforeRole verifies fragments arriving ahead of the
// message.updated that announces the role still count for the assistant.
func TestHandle_PartsBeforeRole(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	a.Handle(textPart(t, "ses_test", "msg_1", "early snapshot"))
	a.Handle(msgUpdated(t, "ses_test", "msg_1", "assistant", 50, 1))

	if got := r.count("text:early snapshot"); got != 1 {
		t.Errorf("text emissions = %d, want 1: %v", got, r.snapshot())
	}
}

// TestHandle_DuplicateFragmentDropped verifies a replayed identical snapshot
// does not displace the latest one.
func TestHandle_DuplicateFragmentDropped(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	a.Handle(msgUpdated(t, "ses_test", "msg_1", "assistant", 0, 0))
	a.Handle(textPart(t, "ses_test", "msg_1", "longer snapshot"))
	a.Handle(textPart(t, "ses_test", "msg_1", "longer snapshot"))
	a.Handle(msgUpdated(t, "ses_test", "msg_1", "assistant", 99, 0))

	if got := r.count("text:"); got != 1 {
		t.Errorf("text emissions = %d, want 1", got)
	}
	if r.count("text:longer snapshot") != 1 {
		t.Errorf("final text wrong: %v", r.snapshot())
	}
}

// TestHandle_ReplayedCompletionIgnored verifies a re-delivered completion
// event produces no second emission of tokens or text.
func TestHandle_ReplayedCompletionIgnored(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	a.Handle(textPart(t, "ses_test", "msg_1", "answer"))
	done := msgUpdated(t, "ses_test", "msg_1", "assistant", 99, 7)
	a.Handle(done)
	a.Handle(done)

	if got := r.count("tokens:"); got != 1 {
		t.Errorf("token emissions = %d, want 1", got)
	}
	if got := r.count("text:"); got != 1 {
		t.Errorf("text emissions = %d, want 1", got)
	}
}

func TestHandle_NonAssistantMessageIgnored(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	a.Handle(textPart(t, "ses_test", "msg_u", "echoed prompt"))
	a.Handle(msgUpdated(t, "ses_test", "msg_u", "user", 10, 0))

	if got := r.count("text:"); got != 0 {
		t.Errorf("text emitted for user message: %v", r.snapshot())
	}
	if got := r.count("tokens:"); got != 0 {
		t.Errorf("tokens emitted for user message: %v", r.snapshot())
	}
}

// TestHandle_ToolCompletedOnce verifies the processed-tool gate and the
// file/change notifications for a write tool.
func TestHandle_ToolCompletedOnce(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	state := &agentapi.ToolState{
		Status: agentapi.ToolStatusCompleted,
		Input: map[string]any{
			"filePath": "pkg/util/strings.go",
			"content":  "package util\n",
		},
	}
	a.Handle(toolEvent(t, "ses_test", "call_9", toolWrite, state))
	a.Handle(toolEvent(t, "ses_test", "call_9", toolWrite, state))

	if got := r.count("tool:write"); got != 1 {
		t.Errorf("tool notifications = %d, want 1", got)
	}
	if got := r.count("file:strings.go"); got != 1 {
		t.Errorf("file notifications = %d, want 1: %v", got, r.snapshot())
	}
	if got := r.count("change:pkg/util/strings.go+1-0"); got != 1 {
		t.Errorf("change notifications = %d, want 1: %v", got, r.snapshot())
	}
}

func TestHandle_QuestionToolError(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	state := &agentapi.ToolState{Status: agentapi.ToolStatusError, Error: "backend gone"}
	a.Handle(toolEvent(t, "ses_test", "call_q", "question", state))
	a.Handle(toolEvent(t, "ses_test", "call_q", "question", state))

	if got := r.count("question_failed:call_q"); got != 1 {
		t.Errorf("failure notifications = %d, want 1", got)
	}
}

// TestHandle_ForeignSessionIgnored verifies events for other sessions leave
// no trace, and unknown event types do not disturb anything.
func TestHandle_ForeignSessionIgnored(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	a.Handle(textPart(t, "ses_other", "msg_1", "not ours"))
	a.Handle(msgUpdated(t, "ses_other", "msg_1", "assistant", 99, 5))
	a.Handle(event(t, "question.asked", agentapi.QuestionAsked{RequestID: "req", SessionID: "ses_other"}))
	a.Handle(agentapi.Event{Type: "lsp.client.diagnostics", Properties: json.RawMessage(`{}`)})

	time.Sleep(50 * time.Millisecond)
	if got := r.snapshot(); len(got) != 0 {
		t.Errorf("foreign-session events leaked: %v", got)
	}
}

func TestHandle_DeferredNotifications(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	a.Handle(event(t, agentapi.EventQuestionAsked, agentapi.QuestionAsked{
		RequestID: "req_1",
		SessionID: "ses_test",
		Questions: []agentapi.Question{{Text: "Proceed?"}},
	}))
	waitForCall(t, r, "question:req_1")

	a.Handle(event(t, agentapi.EventPermissionAsked, agentapi.PermissionAsked{
		RequestID:  "perm_1",
		SessionID:  "ses_test",
		Permission: "bash",
	}))
	waitForCall(t, r, "permission:perm_1")

	a.Handle(event(t, agentapi.EventSessionDiff, agentapi.SessionDiff{
		SessionID: "ses_test",
		Files: []agentapi.FileDiff{
			{File: "a.go", Additions: 3},
			{File: "b.go", Deletions: 1},
		},
	}))
	waitForCall(t, r, "diff:2")

	a.Handle(event(t, agentapi.EventSessionCompacted, agentapi.SessionInfo{
		SessionID: "ses_test",
		Directory: "/work/proj",
	}))
	waitForCall(t, r, "compacted:/work/proj")
}

// TestSetSession_WipesAndNotifies verifies rebinding clears accumulated
// state and reports the old session as cleared.
func TestSetSession_WipesAndNotifies(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	a.Handle(textPart(t, "ses_test", "msg_1", "half-done"))
	a.SetSession("ses_next")
	waitForCall(t, r, "cleared:ses_test")

	// Completion for the old message under the new binding finds nothing.
	a.Handle(msgUpdated(t, "ses_next", "msg_1", "assistant", 99, 0))
	if got := r.count("text:"); got != 0 {
		t.Errorf("stale fragment survived rebind: %v", r.snapshot())
	}
}

func TestSetSession_SameSessionNoop(t *testing.T) {
	a, r := newTestAggregator(t, time.Hour)

	a.SetSession("ses_test")
	time.Sleep(30 * time.Millisecond)
	if got := r.count("cleared:"); got != 0 {
		t.Errorf("rebind to same session emitted cleared: %v", r.snapshot())
	}
}

// TestHeartbeat_TypingWhileStreaming verifies the typing signal repeats
// during streaming and stops on idle.
func TestHeartbeat_TypingWhileStreaming(t *testing.T) {
	a, r := newTestAggregator(t, 15*time.Millisecond)

	a.Handle(msgUpdated(t, "ses_test", "msg_1", "assistant", 0, 0))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.count("typing") < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.count("typing"); got < 2 {
		t.Fatalf("typing signals = %d, want >= 2", got)
	}

	a.Handle(event(t, agentapi.EventSessionIdle, agentapi.SessionInfo{SessionID: "ses_test"}))
	waitForCall(t, r, "idle")

	settled := r.count("typing")
	time.Sleep(80 * time.Millisecond)
	if got := r.count("typing"); got > settled+1 {
		t.Errorf("typing kept firing after idle: %d -> %d", settled, got)
	}
}

// TestHeartbeat_StopsWhenLastMessageCompletes verifies completion of the
// only streaming message halts the heartbeat without an idle event.
func TestHeartbeat_StopsWhenLastMessageCompletes(t *testing.T) {
	a, r := newTestAggregator(t, 15*time.Millisecond)

	a.Handle(msgUpdated(t, "ses_test", "msg_1", "assistant", 0, 0))
	waitForCall(t, r, "typing")
	a.Handle(msgUpdated(t, "ses_test", "msg_1", "assistant", 99, 0))

	settled := r.count("typing")
	time.Sleep(80 * time.Millisecond)
	if got := r.count("typing"); got > settled+1 {
		t.Errorf("typing kept firing after completion: %d -> %d", settled, got)
	}
}
