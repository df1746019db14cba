// Package session owns one assistant subprocess per chat thread: spawning,
// stream-json event parsing, per-turn statistics, and the registry that maps
// thread ids to live sessions.
package session

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Event type strings emitted by the assistant CLI on stdout.
const (
	eventSystem    = "system"
	eventAssistant = "assistant"
	eventUser      = "user"
	eventResult    = "result"
)

// SystemEvent is a system-level notice from the assistant.
type SystemEvent struct {
	Subtype string
	Message string
}

// ToolUse is a tool invocation extracted from an assistant message.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ImageRef is an inline image carried by a tool result.
type ImageRef struct {
	MediaType string
	Data      string // base64
}

// ToolResult carries image references surfaced by a user/tool_result event.
type ToolResult struct {
	Images []ImageRef
	Texts  []string // file-path references to images on disk
}

// ModelUsage holds per-model usage details from result events.
//
//nolint:tagliatelle // the assistant CLI emits camelCase here
type ModelUsage struct {
	InputTokens              int     `json:"inputTokens,omitempty"`
	OutputTokens             int     `json:"outputTokens,omitempty"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens,omitempty"`
	ContextWindow            int     `json:"contextWindow,omitempty"`
	CostUSD                  float64 `json:"costUSD,omitempty"`
}

// turnUsage is the per-turn usage block on result events.
type turnUsage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// contentBlock is a single block inside a message content list.
type contentBlock struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`

	// tool_use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields; content is polymorphic (string or list)
	Content json.RawMessage `json:"content,omitempty"`

	// image fields
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// rawMessage is the message envelope on assistant/user events. Content is
// polymorphic: a list of blocks for the events we care about, a plain
// string otherwise.
type rawMessage struct {
	Role    string          `json:"role,omitempty"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

func (m *rawMessage) blocks() []contentBlock {
	if m == nil || len(m.Content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil // content is not a list; ignore per protocol
	}
	return blocks
}

// rawEvent is one line of the assistant's stream-json output. Unknown
// fields are dropped at decode time; unknown types are ignored upstream.
// Message is polymorphic: an envelope on assistant/user events, a plain
// string on system events.
type rawEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	TotalCostUSD float64               `json:"total_cost_usd,omitempty"`
	Usage        *turnUsage            `json:"usage,omitempty"`
	ModelUsage   map[string]ModelUsage `json:"modelUsage,omitempty"` //nolint:tagliatelle
}

// envelope decodes Message as an assistant/user message envelope.
func (e *rawEvent) envelope() *rawMessage {
	if len(e.Message) == 0 {
		return nil
	}
	var msg rawMessage
	if err := json.Unmarshal(e.Message, &msg); err != nil {
		return nil
	}
	return &msg
}

// systemText decodes Message as the plain string system events carry.
func (e *rawEvent) systemText() string {
	if len(e.Message) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(e.Message, &text); err != nil {
		return ""
	}
	return text
}

var imagePathPattern = regexp.MustCompile(`(?i)(/[^\s"']+\.(?:png|jpe?g|gif|webp))`)

// collectToolResult walks a tool_result content list for image payloads and
// image file-path references. Returns nil when nothing relevant is present.
func collectToolResult(content json.RawMessage) *ToolResult {
	if len(content) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}

	var result ToolResult
	for _, block := range blocks {
		switch block.Type {
		case "image":
			if block.Source != nil && block.Source.Data != "" {
				result.Images = append(result.Images, ImageRef{
					MediaType: block.Source.MediaType,
					Data:      block.Source.Data,
				})
			}
		case "text":
			for _, match := range imagePathPattern.FindAllString(block.Text, -1) {
				result.Texts = append(result.Texts, strings.TrimSpace(match))
			}
		}
	}

	if len(result.Images) == 0 && len(result.Texts) == 0 {
		return nil
	}
	return &result
}

// firstModelUsage returns the lexicographically-first modelUsage entry.
// Which entry wins when several models appear is unspecified by the CLI;
// sorting keys makes the choice deterministic.
func firstModelUsage(usage map[string]ModelUsage) (string, ModelUsage, bool) {
	if len(usage) == 0 {
		return "", ModelUsage{}, false
	}
	first := ""
	for key := range usage {
		if first == "" || key < first {
			first = key
		}
	}
	return first, usage[first], true
}
