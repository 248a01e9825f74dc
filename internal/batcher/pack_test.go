package batcher

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage_ShortTextPassesThrough(t *testing.T) {
	got := SplitMessage("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("SplitMessage = %v, want [hello]", got)
	}
}

// TestSplitMessage_PrefersNewlineCut verifies that a chunk ends at the last
// newline before the limit when that newline is past the halfway point.
func TestSplitMessage_PrefersNewlineCut(t *testing.T) {
	line1 := strings.Repeat("a", 70)
	line2 := strings.Repeat("b", 70)
	got := SplitMessage(line1+"\n"+line2, 100)

	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	if got[0] != line1 {
		t.Errorf("first chunk = %q, want the full first line", got[0])
	}
	if got[1] != line2 {
		t.Errorf("second chunk = %q, want the full second line", got[1])
	}
}

// TestSplitMessage_HardCutWhenNewlineTooEarly verifies the exact-limit cut
// when the only newline sits at or before half the limit.
func TestSplitMessage_HardCutWhenNewlineTooEarly(t *testing.T) {
	text := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 150)
	got := SplitMessage(text, 100)

	if utf8.RuneCountInString(got[0]) != 100 {
		t.Errorf("first chunk length = %d, want exactly 100", utf8.RuneCountInString(got[0]))
	}
	for i, c := range got {
		if utf8.RuneCountInString(c) > 100 {
			t.Errorf("chunk %d exceeds limit: %d chars", i, utf8.RuneCountInString(c))
		}
	}
	if rejoined := strings.Join(got, ""); !strings.Contains(rejoined, strings.Repeat("b", 150)) {
		t.Error("content lost during split")
	}
}

func TestSplitMessage_StripsLeadingNewlines(t *testing.T) {
	text := strings.Repeat("a", 90) + "\n\n\n" + strings.Repeat("b", 50)
	got := SplitMessage(text, 100)

	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(got), got)
	}
	if strings.HasPrefix(got[1], "\n") {
		t.Errorf("remainder starts with newline: %q", got[1])
	}
}

// TestPackMessages_RoundTrip verifies that packing entries and re-splitting
// on the blank-line batch separator recovers the original entries in order.
func TestPackMessages_RoundTrip(t *testing.T) {
	entries := []string{"alpha", "bravo", strings.Repeat("c", 60), "delta"}
	batches := PackMessages(entries, 4096)

	var recovered []string
	for _, b := range batches {
		recovered = append(recovered, strings.Split(b, "\n\n")...)
	}
	if len(recovered) != len(entries) {
		t.Fatalf("recovered %d entries, want %d: %v", len(recovered), len(entries), recovered)
	}
	for i := range entries {
		if recovered[i] != entries[i] {
			t.Errorf("entry %d = %q, want %q", i, recovered[i], entries[i])
		}
	}
}

// TestPackMessages_TwoLargeEntries covers the two-3000-char case: the pair
// cannot share a 4096-char message, so exactly two batches result.
func TestPackMessages_TwoLargeEntries(t *testing.T) {
	entries := []string{strings.Repeat("x", 3000), strings.Repeat("y", 3000)}
	batches := PackMessages(entries, MessageCharLimit)

	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	for i, b := range batches {
		if utf8.RuneCountInString(b) > MessageCharLimit {
			t.Errorf("batch %d exceeds limit: %d chars", i, utf8.RuneCountInString(b))
		}
	}
}

func TestPackMessages_GreedyFill(t *testing.T) {
	entries := []string{"one", "two", "three"}
	batches := PackMessages(entries, MessageCharLimit)

	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if batches[0] != "one\n\ntwo\n\nthree" {
		t.Errorf("batch = %q", batches[0])
	}
}

func TestPackMessages_Empty(t *testing.T) {
	if got := PackMessages(nil, MessageCharLimit); len(got) != 0 {
		t.Errorf("PackMessages(nil) = %v, want empty", got)
	}
}
