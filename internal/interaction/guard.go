package interaction

import (
	"log/slog"
	"strings"
)

// Inbound is the guard-facing shape of one chat update. The guard only needs
// the presence of callback data, the presence of text, and the raw text for
// command token extraction — everything else about the platform update is
// irrelevant here.
type Inbound struct {
	// CallbackData is the opaque button payload; non-empty means the update
	// is a callback tap rather than a typed message.
	CallbackData string
	// Text is the literal message text, when HasText is set.
	Text    string
	HasText bool
}

// Block reasons returned by Resolve. Policy rejections are decisions, not
// errors.
const (
	ReasonExpired           = "expired"
	ReasonCommandNotAllowed = "command_not_allowed"
	ReasonExpectedCallback  = "expected_callback"
	ReasonExpectedCommand   = "expected_command"
	ReasonExpectedText      = "expected_text"
)

// Decision is the outcome of guarding one inbound update.
type Decision struct {
	Allow  bool
	Input  InputType
	Reason string
	// Command is the normalized token when Input is InputCommand.
	Command string
	// State is a copy of the interaction state the decision was made
	// against (nil when none was active).
	State *State
}

// Classify determines the input type of an inbound update, in priority
// order: callback, command, text, other. The normalized command token is
// returned for command input.
func Classify(in Inbound) (InputType, string) {
	if in.CallbackData != "" {
		return InputCallback, ""
	}
	if in.HasText {
		trimmed := strings.TrimSpace(in.Text)
		if strings.HasPrefix(trimmed, "/") {
			if cmd := NormalizeCommand(trimmed); len(cmd) > 1 {
				return InputCommand, cmd
			}
		}
		return InputText, ""
	}
	return InputOther, ""
}

// Resolve decides whether an inbound update is acceptable given the current
// interaction state. Deterministic apart from one side effect: an expired
// state is cleared before blocking, so the next resolution starts clean.
// Allowed commands bypass the expected-input check entirely.
func (m *Manager) Resolve(in Inbound) Decision {
	input, command := Classify(in)

	m.mu.Lock()
	state := m.state
	now := m.now()

	// No active interaction — everything is acceptable.
	if state == nil {
		m.mu.Unlock()
		return Decision{Allow: true, Input: input, Command: command}
	}

	if state.IsExpired(now) {
		snap := state.clone()
		m.state = nil
		m.mu.Unlock()
		slog.Debug("interaction state cleared", "kind", snap.Kind, "reason", ReasonExpired)
		return Decision{Input: input, Command: command, Reason: ReasonExpired, State: snap}
	}

	snap := state.clone()
	m.mu.Unlock()

	if input == InputCommand {
		for _, allowed := range snap.AllowedCommands {
			if command == allowed {
				return Decision{Allow: true, Input: input, Command: command, State: snap}
			}
		}
		return Decision{Input: input, Command: command, Reason: ReasonCommandNotAllowed, State: snap}
	}

	if snap.Expected == InputMixed {
		return Decision{Allow: true, Input: input, Command: command, State: snap}
	}
	if snap.Expected == input {
		return Decision{Allow: true, Input: input, Command: command, State: snap}
	}

	reason := ReasonExpectedText
	switch snap.Expected {
	case InputCallback:
		reason = ReasonExpectedCallback
	case InputCommand:
		reason = ReasonExpectedCommand
	}
	return Decision{Input: input, Command: command, Reason: reason, State: snap}
}
