package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/earlbot/earl/internal/session"
)

// formatToolUse renders one tool invocation as a chat segment.
func formatToolUse(tu session.ToolUse) string {
	input := decodeInput(tu.Input)

	switch tu.Name {
	case "Bash":
		if cmd, ok := input["command"].(string); ok && cmd != "" {
			return fmt.Sprintf("🔧 `Bash`\n```\n%s\n```", cmd)
		}
		return "🔧 `Bash`"

	case "Read":
		return pathSegment("📖", tu.Name, input)
	case "Write":
		return pathSegment("📝", tu.Name, input)
	case "Edit":
		return pathSegment("✏️", tu.Name, input)

	case "Glob", "Grep":
		if pattern, ok := input["pattern"].(string); ok && pattern != "" {
			return fmt.Sprintf("🔍 `%s` %s", tu.Name, pattern)
		}
		return pathSegment("🔍", tu.Name, input)

	case "WebFetch", "WebSearch":
		if url, ok := input["url"].(string); ok && url != "" {
			return fmt.Sprintf("🌐 `%s` %s", tu.Name, url)
		}
		if query, ok := input["query"].(string); ok && query != "" {
			return fmt.Sprintf("🌐 `%s` %s", tu.Name, query)
		}
		return fmt.Sprintf("🌐 `%s`", tu.Name)

	default:
		if compact := compactInput(input); compact != "" {
			return fmt.Sprintf("⚙️ `%s` %s", tu.Name, compact)
		}
		return fmt.Sprintf("⚙️ `%s`", tu.Name)
	}
}

func pathSegment(icon, name string, input map[string]any) string {
	if path, ok := input["file_path"].(string); ok && path != "" {
		return fmt.Sprintf("%s `%s` %s", icon, name, path)
	}
	if path, ok := input["path"].(string); ok && path != "" {
		return fmt.Sprintf("%s `%s` %s", icon, name, path)
	}
	return fmt.Sprintf("%s `%s`", icon, name)
}

func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil
	}
	return input
}

// compactInput returns a compact JSON rendering of the input, or "" when
// the input is empty or carries only nil values.
func compactInput(input map[string]any) string {
	meaningful := false
	for _, v := range input {
		if v != nil {
			meaningful = true
			break
		}
	}
	if !meaningful {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
