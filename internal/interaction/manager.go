package interaction

import (
	"log/slog"
	"sync"
	"time"
)

// Manager owns the single live State. All mutation goes through it; reads
// hand out deep copies. Constructed once at process start and injected into
// the guard and the domain flows — no package-level ambient state.
type Manager struct {
	mu    sync.Mutex
	state *State
	now   func() time.Time
}

// NewManager creates an empty interaction manager.
func NewManager() *Manager {
	return &Manager{now: time.Now}
}

// StartOptions carries the optional fields for Start.
type StartOptions struct {
	// AllowedCommands overrides the baseline set; normalized on entry.
	AllowedCommands []string
	// Metadata is owned by the flow creating the state; opaque to the manager.
	Metadata map[string]string
	// ExpiresIn sets an absolute expiry relative to now; 0 = never expires.
	ExpiresIn time.Duration
}

// Start creates a new interaction state, unconditionally replacing any
// existing one. Starts are never additive.
func (m *Manager) Start(kind Kind, expected InputType, opts StartOptions) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != nil {
		slog.Info("interaction state replaced",
			"old_kind", m.state.Kind,
			"new_kind", kind,
			"reason", "state_replaced",
		)
	}

	allowed := DefaultAllowedCommands()
	if opts.AllowedCommands != nil {
		allowed = NormalizeCommands(opts.AllowedCommands)
	}

	now := m.now()
	st := &State{
		Kind:            kind,
		Expected:        expected,
		AllowedCommands: allowed,
		Metadata:        copyMetadata(opts.Metadata),
		CreatedAt:       now,
	}
	if opts.ExpiresIn > 0 {
		exp := now.Add(opts.ExpiresIn)
		st.ExpiresAt = &exp
	}
	m.state = st

	slog.Debug("interaction state started",
		"kind", kind, "expected", expected, "expires_in", opts.ExpiresIn)
	return *st.clone()
}

// Transition describes a partial update to the active state. Nil fields are
// retained unchanged. Metadata, when non-nil, fully replaces the previous
// bag. Expiry is tri-state: nil ExpiresIn keeps the current expiry,
// ClearExpiry removes it, a non-nil duration sets a new one from now.
type Transition struct {
	Kind            *Kind
	Expected        *InputType
	AllowedCommands []string
	Metadata        map[string]string
	ExpiresIn       *time.Duration
	ClearExpiry     bool
}

// Transition mutates the active state in place and returns a copy of the
// result, or nil when no state is active.
func (m *Manager) Transition(tr Transition) *State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return nil
	}

	if tr.Kind != nil {
		m.state.Kind = *tr.Kind
	}
	if tr.Expected != nil {
		m.state.Expected = *tr.Expected
	}
	if tr.AllowedCommands != nil {
		m.state.AllowedCommands = NormalizeCommands(tr.AllowedCommands)
	}
	if tr.Metadata != nil {
		m.state.Metadata = copyMetadata(tr.Metadata)
	}
	switch {
	case tr.ClearExpiry:
		m.state.ExpiresAt = nil
	case tr.ExpiresIn != nil:
		exp := m.now().Add(*tr.ExpiresIn)
		m.state.ExpiresAt = &exp
	}

	return m.state.clone()
}

// Clear destroys the active state. Idempotent; a no-op when already clear.
func (m *Manager) Clear(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return
	}
	slog.Debug("interaction state cleared", "kind", m.state.Kind, "reason", reason)
	m.state = nil
}

// IsExpired reports whether the active state has an expiry at or before now.
// False when no state is active.
func (m *Manager) IsExpired(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsExpired(now)
}

// Snapshot returns a deep copy of the active state, or nil.
func (m *Manager) Snapshot() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Reset drops any active state without logging. Test lifecycle hook.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
}

// copyMetadata detaches the stored bag from the caller's map so neither side
// can mutate through the other.
func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
