// Package bus defines the transport-facing contracts between the control
// plane (aggregator, batcher, relay) and the chat platform adapter.
// The core never talks to Telegram directly — everything outbound goes
// through a Sender injected at wiring time.
package bus

import "context"

// FilePayload is a prepared file attachment derived from an agent tool call
// (a written file, or a diff rendered as a document).
type FilePayload struct {
	Name    string
	Data    []byte
	Caption string
}

// Sender delivers outbound notifications to the chat platform.
// Implementations must be safe for concurrent use; the batcher guarantees
// at most one in-flight send per chat session but different sessions
// proceed independently.
type Sender interface {
	// SendText delivers a plain text message to the chat session.
	SendText(ctx context.Context, chatID, text string) error

	// SendFile delivers a file attachment to the chat session.
	SendFile(ctx context.Context, chatID string, file FilePayload) error

	// SendTyping signals a typing indicator for the chat session.
	SendTyping(ctx context.Context, chatID string) error
}

// FileChange summarizes one changed file reported by the agent.
type FileChange struct {
	File      string
	Additions int
	Deletions int
}

// Button is one inline keyboard button. Data is the opaque callback payload
// the platform echoes back when the button is pressed.
type Button struct {
	Text string
	Data string
}

// MenuSender extends Sender with interactive-menu delivery for platforms
// that support inline keyboards.
type MenuSender interface {
	Sender

	// SendMenu delivers text with an inline keyboard attached.
	SendMenu(ctx context.Context, chatID, text string, rows [][]Button) error

	// AnswerCallback acknowledges a pressed button so the platform clears
	// its loading state. text, when non-empty, shows as a toast.
	AnswerCallback(ctx context.Context, callbackID, text string) error
}
