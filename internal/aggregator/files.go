package aggregator

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/clawgram/internal/agentapi"
	"github.com/nextlevelbuilder/clawgram/internal/bus"
)

// Tools whose completion can carry a derivable file attachment.
const (
	toolWrite      = "write"
	toolEdit       = "edit"
	toolApplyPatch = "apply_patch"
)

// patchTitleLine matches a changed-file line in a human-readable patch
// title, e.g. "M internal/server.go" or "A docs/notes.md".
var patchTitleLine = regexp.MustCompile(`(?m)^[AMDURC] (.+)$`)

// deriveToolFile inspects a completed tool part and, for write/edit/patch
// tools, derives a prepared file payload plus a change summary. Returns ok
// false when the tool produces nothing derivable (including a patch whose
// file path cannot be resolved).
func deriveToolFile(part agentapi.Part) (bus.FilePayload, bus.FileChange, bool) {
	state := part.State
	if state == nil {
		return bus.FilePayload{}, bus.FileChange{}, false
	}

	switch part.Tool {
	case toolWrite:
		path, _ := state.Input["filePath"].(string)
		content, okContent := state.Input["content"].(string)
		if path == "" || !okContent {
			return bus.FilePayload{}, bus.FileChange{}, false
		}
		return bus.FilePayload{
				Name:    filepath.Base(path),
				Data:    []byte(content),
				Caption: path,
			}, bus.FileChange{
				File:      path,
				Additions: lineCount(content),
			}, true

	case toolEdit:
		fd := state.Metadata.FileDiff
		if fd == nil || fd.File == "" || state.Metadata.Diff == "" {
			return bus.FilePayload{}, bus.FileChange{}, false
		}
		return bus.FilePayload{
				Name:    filepath.Base(fd.File) + ".diff",
				Data:    []byte(state.Metadata.Diff),
				Caption: fd.File,
			}, bus.FileChange{
				File:      fd.File,
				Additions: fd.Additions,
				Deletions: fd.Deletions,
			}, true

	case toolApplyPatch:
		return derivePatchFile(state)
	}

	return bus.FilePayload{}, bus.FileChange{}, false
}

// derivePatchFile resolves the patch's file path and diff text through
// their fallback chains. No resolvable path means no file notification,
// even for a successful tool.
func derivePatchFile(state *agentapi.ToolState) (bus.FilePayload, bus.FileChange, bool) {
	path := ""
	if fd := state.Metadata.FileDiff; fd != nil {
		path = fd.File
	}
	if path == "" {
		path, _ = state.Input["filePath"].(string)
	}
	if path == "" {
		path, _ = state.Input["path"].(string)
	}
	if path == "" {
		if m := patchTitleLine.FindStringSubmatch(state.Title); m != nil {
			path = m[1]
		}
	}
	if path == "" {
		return bus.FilePayload{}, bus.FileChange{}, false
	}

	diff := state.Metadata.Diff
	if diff == "" {
		diff, _ = state.Input["patchText"].(string)
	}

	change := bus.FileChange{File: path}
	if fd := state.Metadata.FileDiff; fd != nil {
		change.Additions = fd.Additions
		change.Deletions = fd.Deletions
	} else {
		change.Additions, change.Deletions = countDiffLines(diff)
	}

	return bus.FilePayload{
		Name:    filepath.Base(path) + ".diff",
		Data:    []byte(diff),
		Caption: path,
	}, change, true
}

// countDiffLines counts added/removed lines in unified diff text, skipping
// the +++/--- file markers.
func countDiffLines(diff string) (additions, deletions int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			additions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return additions, deletions
}

// lineCount counts content lines; a trailing newline terminates the last
// line rather than opening an empty one.
func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}
