// Package agentapi speaks the agent server's wire protocol: a discriminated
// event stream pushed over WebSocket plus JSON request frames for the few
// RPCs the bot needs (prompt, interrupt, permission/question replies,
// session management).
package agentapi

import "encoding/json"

// Event is one frame of the agent server's event stream. Properties is
// decoded per Type; unknown types are accepted and ignored downstream.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Event types the aggregator dispatches on.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionCompacted   = "session.compacted"
	EventSessionDiff        = "session.diff"
	EventQuestionAsked      = "question.asked"
	EventPermissionAsked    = "permission.asked"
)

// Tool lifecycle states carried in ToolState.Status.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// TokenUsage is the usage counter block on a completed assistant message.
type TokenUsage struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
	Cache     struct {
		Read  int64 `json:"read"`
		Write int64 `json:"write"`
	} `json:"cache"`
}

// MessageInfo is the message-level metadata for a streamed message. A
// non-zero Time.Completed marks the message stream as finished.
type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
	Time      struct {
		Created   int64 `json:"created"`
		Completed int64 `json:"completed,omitempty"`
	} `json:"time"`
	Tokens TokenUsage `json:"tokens"`
}

// MessageUpdated is the payload of a message.updated event.
type MessageUpdated struct {
	Info MessageInfo `json:"info"`
}

// FileDiff is the per-file change summary attached to tool metadata and
// session.diff events.
type FileDiff struct {
	File      string `json:"file"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// ToolMetadata is the server-derived metadata on a tool part. The diff and
// filediff fields drive file attachment derivation for write/edit/patch
// tools.
type ToolMetadata struct {
	Diff     string    `json:"diff,omitempty"`
	FileDiff *FileDiff `json:"filediff,omitempty"`
}

// ToolState is the lifecycle state block of a tool part.
type ToolState struct {
	Status   string         `json:"status"`
	Input    map[string]any `json:"input,omitempty"`
	Title    string         `json:"title,omitempty"`
	Metadata ToolMetadata   `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Part is one fragment of a streamed message: a cumulative text snapshot or
// a tool call lifecycle update. Ordering between a part and its message's
// message.updated event is not guaranteed by the transport.
type Part struct {
	ID        string     `json:"id"`
	MessageID string     `json:"messageID"`
	SessionID string     `json:"sessionID"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	CallID    string     `json:"callID,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// MessagePartUpdated is the payload of a message.part.updated event.
type MessagePartUpdated struct {
	Part Part `json:"part"`
}

// SessionInfo identifies the session an event belongs to.
type SessionInfo struct {
	SessionID string `json:"sessionID"`
	Directory string `json:"directory,omitempty"`
}

// QuestionOption is one selectable answer of a question.
type QuestionOption struct {
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
}

// Question is one entry of a question.asked request.
type Question struct {
	Text     string           `json:"question"`
	Options  []QuestionOption `json:"options"`
	Multiple bool             `json:"multiple,omitempty"`
}

// QuestionAsked is the payload of a question.asked event.
type QuestionAsked struct {
	RequestID string     `json:"id"`
	SessionID string     `json:"sessionID"`
	Questions []Question `json:"questions"`
}

// PermissionAsked is the payload of a permission.asked event.
type PermissionAsked struct {
	RequestID  string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Title      string         `json:"title,omitempty"`
	Patterns   []string       `json:"patterns,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionDiff is the payload of a session.diff event.
type SessionDiff struct {
	SessionID string     `json:"sessionID"`
	Files     []FileDiff `json:"files"`
}
