// Package interaction owns the process-wide "what input do we expect next"
// record. At most one State is alive at a time; domain flows (permission
// replies, question polls, rename) create it, the guard consults it for
// every inbound chat update, and expiry or an explicit clear destroys it.
package interaction

import (
	"strings"
	"time"
)

// Kind identifies which flow created the interaction state.
type Kind string

const (
	KindInlineMenu Kind = "inline_menu"
	KindPermission Kind = "permission"
	KindQuestion   Kind = "question"
	KindRename     Kind = "rename"
	KindCustom     Kind = "custom"
)

// InputType classifies inbound chat updates and declares what a state accepts.
type InputType string

const (
	InputCallback InputType = "callback"
	InputText     InputType = "text"
	InputCommand  InputType = "command"
	// InputMixed accepts either a callback or free text.
	InputMixed InputType = "mixed"
	// InputOther covers updates with neither callback data nor text.
	InputOther InputType = "other"
)

// State is the singleton interaction record. Readers always receive deep
// copies; only the Manager mutates the live instance.
type State struct {
	Kind            Kind
	Expected        InputType
	AllowedCommands []string
	Metadata        map[string]string
	CreatedAt       time.Time
	ExpiresAt       *time.Time // nil = never expires
}

// IsExpired reports whether the state's expiry has passed at the given time.
func (s *State) IsExpired(now time.Time) bool {
	if s == nil || s.ExpiresAt == nil {
		return false
	}
	return !now.Before(*s.ExpiresAt)
}

// clone returns a deep copy so callers cannot mutate the live state.
func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	if s.AllowedCommands != nil {
		cp.AllowedCommands = append([]string(nil), s.AllowedCommands...)
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// DefaultAllowedCommands is the baseline command set permitted during any
// interaction regardless of the expected input shape.
func DefaultAllowedCommands() []string {
	return []string{"/help", "/status", "/stop"}
}

// NormalizeCommand canonicalizes a single command token: trims whitespace,
// keeps only the first word, strips a trailing @mention, lower-cases, and
// ensures a leading slash. Returns "" for empty or garbage input (a bare
// slash has no token).
func NormalizeCommand(raw string) string {
	tok := strings.TrimSpace(raw)
	if tok == "" {
		return ""
	}
	if i := strings.IndexAny(tok, " \t\n"); i >= 0 {
		tok = tok[:i]
	}
	if i := strings.Index(tok, "@"); i >= 0 {
		tok = tok[:i]
	}
	tok = strings.ToLower(tok)
	tok = strings.TrimPrefix(tok, "/")
	if tok == "" {
		return ""
	}
	return "/" + tok
}

// NormalizeCommands canonicalizes a command list, dropping empties and
// deduplicating while preserving first-occurrence order. Idempotent.
func NormalizeCommands(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		cmd := NormalizeCommand(r)
		if cmd == "" || seen[cmd] {
			continue
		}
		seen[cmd] = true
		out = append(out, cmd)
	}
	return out
}
