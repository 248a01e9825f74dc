package relay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/clawgram/internal/agentapi"
	"github.com/nextlevelbuilder/clawgram/internal/aggregator"
	"github.com/nextlevelbuilder/clawgram/internal/bus"
)

// formatTool renders a completed tool call as a one-liner for the batch
// queue.
func formatTool(n aggregator.ToolNotification) string {
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = describeToolInput(n)
	}
	if title == "" {
		return "🔧 " + n.Tool
	}
	// Titles can be multi-line (patch summaries); only the first line
	// belongs in the feed.
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	return "🔧 " + n.Tool + ": " + title
}

// describeToolInput falls back to the most recognizable input field when
// the server sent no title.
func describeToolInput(n aggregator.ToolNotification) string {
	for _, key := range []string{"command", "filePath", "path", "pattern", "url"} {
		if v, ok := n.Input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// formatDiff renders a session.diff summary.
func formatDiff(changes []bus.FileChange) string {
	var b strings.Builder
	b.WriteString("📝 Changes:\n")
	for _, c := range changes {
		fmt.Fprintf(&b, "  %s +%d -%d\n", c.File, c.Additions, c.Deletions)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatPermission renders the permission prompt body.
func formatPermission(p agentapi.PermissionAsked) string {
	var b strings.Builder
	b.WriteString("🔐 Permission requested: ")
	if p.Title != "" {
		b.WriteString(p.Title)
	} else {
		b.WriteString(p.Permission)
	}
	if len(p.Patterns) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(p.Patterns, "\n"))
	}
	return b.String()
}

// statusText builds the /status reply.
func (r *Relay) statusText(chatID string, cs *chatState) string {
	var b strings.Builder

	settings, err := r.store.Chat(chatID)
	if err != nil {
		return "⚠️ Could not load settings: " + err.Error()
	}

	if settings.SessionID == "" {
		b.WriteString("Session: none (send a message or /new to start)\n")
	} else {
		b.WriteString("Session: " + settings.SessionID + "\n")
	}
	dir := settings.Directory
	if dir == "" {
		dir = r.opts.DefaultDirectory
	}
	if dir != "" {
		b.WriteString("Directory: " + dir + "\n")
	}
	if settings.BatchInterval == 0 {
		b.WriteString("Batching: immediate\n")
	} else {
		fmt.Fprintf(&b, "Batching: every %ds\n", settings.BatchInterval)
	}

	r.mu.Lock()
	usage := cs.lastUsage
	files := make([]bus.FileChange, 0, len(cs.changedFiles))
	for _, c := range cs.changedFiles {
		files = append(files, c)
	}
	r.mu.Unlock()

	if usage != nil {
		fmt.Fprintf(&b, "Last run: %d in / %d out tokens", usage.Input, usage.Output)
		if usage.Reasoning > 0 {
			fmt.Fprintf(&b, " (%d reasoning)", usage.Reasoning)
		}
		b.WriteString("\n")
	}
	if len(files) > 0 {
		sort.Slice(files, func(i, j int) bool { return files[i].File < files[j].File })
		b.WriteString(formatDiff(files))
	}
	return strings.TrimRight(b.String(), "\n")
}
