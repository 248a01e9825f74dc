package batcher

import "unicode/utf8"

// MessageCharLimit is the hard per-message character ceiling imposed by the
// chat platform.
const MessageCharLimit = 4096

// batchSeparator joins packed entries inside one outbound message.
const batchSeparator = "\n\n"

// SplitMessage splits text into chunks of at most limit characters. A chunk
// is cut at the last newline at or before the limit, unless that newline
// sits at or before half the limit (the remainder would be too short), in
// which case the cut lands exactly at the limit. Leading newlines on the
// remainder are stripped before continuing.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		if idx := lastNewline(runes[:limit]); idx > limit/2 {
			cut = idx
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastNewline(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == '\n' {
			return i
		}
	}
	return -1
}

// PackMessages splits oversize entries and then greedily concatenates
// entries with a blank-line separator into batches, each kept at or under
// the limit. A new batch starts whenever appending the next entry (with
// separator) would exceed the limit.
func PackMessages(entries []string, limit int) []string {
	var batches []string
	var current string
	currentLen := 0

	for _, entry := range entries {
		for _, chunk := range SplitMessage(entry, limit) {
			n := utf8.RuneCountInString(chunk)
			switch {
			case currentLen == 0:
				current, currentLen = chunk, n
			case currentLen+len(batchSeparator)+n <= limit:
				current += batchSeparator + chunk
				currentLen += len(batchSeparator) + n
			default:
				batches = append(batches, current)
				current, currentLen = chunk, n
			}
		}
	}
	if currentLen > 0 {
		batches = append(batches, current)
	}
	return batches
}
