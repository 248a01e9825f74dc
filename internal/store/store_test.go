package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clawgram.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestChat_DefaultsForUnknownChat(t *testing.T) {
	s, _ := openTestStore(t)

	cs, err := s.Chat("12345")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if cs.ChatID != "12345" || cs.SessionID != "" || cs.Directory != "" {
		t.Errorf("settings = %+v, want empty defaults", cs)
	}
	if cs.BatchInterval != DefaultBatchInterval {
		t.Errorf("batch interval = %d, want %d", cs.BatchInterval, DefaultBatchInterval)
	}
}

func TestSetters_UpsertIndependently(t *testing.T) {
	s, _ := openTestStore(t)

	if err := s.SetSession("42", "ses_abc"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	if err := s.SetDirectory("42", "/work/proj"); err != nil {
		t.Fatalf("SetDirectory: %v", err)
	}
	if err := s.SetBatchInterval("42", 12); err != nil {
		t.Fatalf("SetBatchInterval: %v", err)
	}

	cs, err := s.Chat("42")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if cs.SessionID != "ses_abc" || cs.Directory != "/work/proj" || cs.BatchInterval != 12 {
		t.Errorf("settings = %+v", cs)
	}

	// A later setter must not clobber the others.
	if err := s.SetSession("42", "ses_next"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	cs, _ = s.Chat("42")
	if cs.SessionID != "ses_next" || cs.Directory != "/work/proj" || cs.BatchInterval != 12 {
		t.Errorf("settings after re-bind = %+v", cs)
	}
}

func TestSetBatchInterval_ClampsNegative(t *testing.T) {
	s, _ := openTestStore(t)

	if err := s.SetBatchInterval("7", -3); err != nil {
		t.Fatalf("SetBatchInterval: %v", err)
	}
	cs, _ := s.Chat("7")
	if cs.BatchInterval != 0 {
		t.Errorf("batch interval = %d, want 0", cs.BatchInterval)
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	s, path := openTestStore(t)

	if err := s.SetSession("9", "ses_keep"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	cs, err := s2.Chat("9")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if cs.SessionID != "ses_keep" {
		t.Errorf("session = %q, want ses_keep", cs.SessionID)
	}
}
