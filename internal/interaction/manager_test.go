package interaction

import (
	"testing"
	"time"
)

// TestStart_ReplacesExistingState verifies that starts are never additive:
// a second Start yields exactly the newly requested state.
func TestStart_ReplacesExistingState(t *testing.T) {
	m := NewManager()

	m.Start(KindPermission, InputCallback, StartOptions{})
	st := m.Start(KindRename, InputText, StartOptions{})

	if st.Kind != KindRename || st.Expected != InputText {
		t.Fatalf("unexpected state after replacement: %+v", st)
	}
	snap := m.Snapshot()
	if snap == nil || snap.Kind != KindRename {
		t.Fatalf("snapshot = %+v, want rename state", snap)
	}
}

func TestStart_DefaultAllowedCommands(t *testing.T) {
	m := NewManager()
	st := m.Start(KindQuestion, InputCallback, StartOptions{})

	want := DefaultAllowedCommands()
	if len(st.AllowedCommands) != len(want) {
		t.Fatalf("AllowedCommands = %v, want %v", st.AllowedCommands, want)
	}
	for i := range want {
		if st.AllowedCommands[i] != want[i] {
			t.Errorf("AllowedCommands[%d] = %q, want %q", i, st.AllowedCommands[i], want[i])
		}
	}
}

func TestStart_NormalizesProvidedCommands(t *testing.T) {
	m := NewManager()
	st := m.Start(KindInlineMenu, InputCallback, StartOptions{
		AllowedCommands: []string{"Cancel", "/cancel@bot", ""},
	})
	if len(st.AllowedCommands) != 1 || st.AllowedCommands[0] != "/cancel" {
		t.Errorf("AllowedCommands = %v, want [/cancel]", st.AllowedCommands)
	}
}

// TestTransition_NoActiveState verifies Transition is a nil-returning no-op
// without an active state.
func TestTransition_NoActiveState(t *testing.T) {
	m := NewManager()
	if got := m.Transition(Transition{}); got != nil {
		t.Errorf("Transition on empty manager = %+v, want nil", got)
	}
}

func TestTransition_PartialMerge(t *testing.T) {
	m := NewManager()
	m.Start(KindQuestion, InputCallback, StartOptions{
		Metadata:  map[string]string{"request_id": "q1"},
		ExpiresIn: time.Hour,
	})

	mixed := InputMixed
	st := m.Transition(Transition{Expected: &mixed})
	if st == nil {
		t.Fatal("Transition returned nil with active state")
	}
	if st.Expected != InputMixed {
		t.Errorf("Expected = %q, want mixed", st.Expected)
	}
	if st.Kind != KindQuestion {
		t.Errorf("Kind changed to %q, want retained question", st.Kind)
	}
	if st.Metadata["request_id"] != "q1" {
		t.Errorf("Metadata not retained: %v", st.Metadata)
	}
	if st.ExpiresAt == nil {
		t.Error("expiry dropped by unrelated transition")
	}
}

// TestTransition_MetadataReplacesWholesale verifies a supplied metadata bag
// replaces rather than merges.
func TestTransition_MetadataReplacesWholesale(t *testing.T) {
	m := NewManager()
	m.Start(KindQuestion, InputCallback, StartOptions{
		Metadata: map[string]string{"request_id": "q1", "message_id": "7"},
	})

	st := m.Transition(Transition{Metadata: map[string]string{"request_id": "q2"}})
	if st.Metadata["request_id"] != "q2" {
		t.Errorf("request_id = %q, want q2", st.Metadata["request_id"])
	}
	if _, ok := st.Metadata["message_id"]; ok {
		t.Error("stale metadata key survived a wholesale replace")
	}
}

func TestTransition_ExpiryTriState(t *testing.T) {
	m := NewManager()
	m.Start(KindPermission, InputCallback, StartOptions{ExpiresIn: time.Hour})

	// nil ExpiresIn keeps the existing expiry.
	st := m.Transition(Transition{})
	if st.ExpiresAt == nil {
		t.Fatal("expiry lost on keep transition")
	}

	// ClearExpiry removes it.
	st = m.Transition(Transition{ClearExpiry: true})
	if st.ExpiresAt != nil {
		t.Fatal("expiry survived ClearExpiry")
	}

	// A duration sets a fresh absolute expiry.
	d := 10 * time.Minute
	st = m.Transition(Transition{ExpiresIn: &d})
	if st.ExpiresAt == nil {
		t.Fatal("expiry not set from duration")
	}
}

func TestClear_Idempotent(t *testing.T) {
	m := NewManager()
	m.Start(KindCustom, InputMixed, StartOptions{})

	m.Clear("done")
	m.Clear("done") // second clear must be a no-op

	if m.Snapshot() != nil {
		t.Error("state survived Clear")
	}
}

// TestSnapshot_DeepCopy verifies mutation of a returned snapshot cannot leak
// back into the live state.
func TestSnapshot_DeepCopy(t *testing.T) {
	m := NewManager()
	m.Start(KindQuestion, InputCallback, StartOptions{
		Metadata: map[string]string{"request_id": "q1"},
	})

	snap := m.Snapshot()
	snap.Metadata["request_id"] = "tampered"
	snap.AllowedCommands[0] = "/tampered"

	fresh := m.Snapshot()
	if fresh.Metadata["request_id"] != "q1" {
		t.Error("metadata mutation leaked into live state")
	}
	if fresh.AllowedCommands[0] == "/tampered" {
		t.Error("allowed-commands mutation leaked into live state")
	}
}

// TestMetadata_DetachedFromCaller verifies the map handed to Start or
// Transition is copied on entry, so the creating flow holds no alias into
// the live state.
func TestMetadata_DetachedFromCaller(t *testing.T) {
	m := NewManager()
	meta := map[string]string{"request_id": "q1"}
	m.Start(KindQuestion, InputCallback, StartOptions{Metadata: meta})

	meta["request_id"] = "tampered"
	if got := m.Snapshot().Metadata["request_id"]; got != "q1" {
		t.Errorf("Start aliased the caller's map: request_id = %q", got)
	}

	next := map[string]string{"request_id": "q2"}
	m.Transition(Transition{Metadata: next})
	next["request_id"] = "tampered"
	if got := m.Snapshot().Metadata["request_id"]; got != "q2" {
		t.Errorf("Transition aliased the caller's map: request_id = %q", got)
	}
}

func TestIsExpired(t *testing.T) {
	m := NewManager()
	m.Start(KindPermission, InputCallback, StartOptions{ExpiresIn: time.Minute})

	if m.IsExpired(time.Now()) {
		t.Error("fresh state reported expired")
	}
	if !m.IsExpired(time.Now().Add(2 * time.Minute)) {
		t.Error("state not expired after its deadline")
	}
}
