package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawEventDecoding(t *testing.T) {
	t.Run("system event carries a plain string message", func(t *testing.T) {
		line := `{"type":"system","subtype":"init","session_id":"abc-123","message":"ready"}`

		var ev rawEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))

		assert.Equal(t, eventSystem, ev.Type)
		assert.Equal(t, "init", ev.Subtype)
		assert.Equal(t, "abc-123", ev.SessionID)
		assert.Equal(t, "ready", ev.systemText())
		assert.Nil(t, ev.envelope().blocks())
	})

	t.Run("assistant event exposes text and tool_use blocks", func(t *testing.T) {
		line := `{"type":"assistant","message":{"role":"assistant","content":[` +
			`{"type":"text","text":"Looking at the file."},` +
			`{"type":"tool_use","id":"tu_1","name":"Read","input":{"file_path":"/tmp/a.go"}}]}}`

		var ev rawEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))

		blocks := ev.envelope().blocks()
		require.Len(t, blocks, 2)
		assert.Equal(t, "Looking at the file.", blocks[0].Text)
		assert.Equal(t, "tool_use", blocks[1].Type)
		assert.Equal(t, "Read", blocks[1].Name)
		assert.JSONEq(t, `{"file_path":"/tmp/a.go"}`, string(blocks[1].Input))
	})

	t.Run("string content is tolerated", func(t *testing.T) {
		line := `{"type":"assistant","message":{"role":"assistant","content":"plain"}}`

		var ev rawEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		assert.Nil(t, ev.envelope().blocks())
	})

	t.Run("result event carries cost, usage and model usage", func(t *testing.T) {
		line := `{"type":"result","subtype":"success","total_cost_usd":0.42,` +
			`"usage":{"input_tokens":10,"output_tokens":200,"cache_read_input_tokens":5000},` +
			`"modelUsage":{"claude-sonnet-4":{"inputTokens":100,"outputTokens":900,"contextWindow":200000}}}`

		var ev rawEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))

		assert.InDelta(t, 0.42, ev.TotalCostUSD, 1e-9)
		require.NotNil(t, ev.Usage)
		assert.Equal(t, 10, ev.Usage.InputTokens)
		assert.Equal(t, 5000, ev.Usage.CacheReadInputTokens)

		model, usage, ok := firstModelUsage(ev.ModelUsage)
		require.True(t, ok)
		assert.Equal(t, "claude-sonnet-4", model)
		assert.Equal(t, 200000, usage.ContextWindow)
	})
}

func TestFirstModelUsage(t *testing.T) {
	t.Run("empty map", func(t *testing.T) {
		_, _, ok := firstModelUsage(nil)
		assert.False(t, ok)
	})

	t.Run("lexicographically first key wins", func(t *testing.T) {
		usage := map[string]ModelUsage{
			"claude-sonnet-4": {OutputTokens: 2},
			"claude-haiku-3":  {OutputTokens: 1},
		}
		model, mu, ok := firstModelUsage(usage)
		require.True(t, ok)
		assert.Equal(t, "claude-haiku-3", model)
		assert.Equal(t, 1, mu.OutputTokens)
	})
}

func TestCollectToolResult(t *testing.T) {
	t.Run("inline image", func(t *testing.T) {
		content := json.RawMessage(`[{"type":"image","source":{"type":"base64","media_type":"image/png","data":"iVBOR"}}]`)

		result := collectToolResult(content)
		require.NotNil(t, result)
		require.Len(t, result.Images, 1)
		assert.Equal(t, "image/png", result.Images[0].MediaType)
		assert.Equal(t, "iVBOR", result.Images[0].Data)
	})

	t.Run("file path reference in text", func(t *testing.T) {
		content := json.RawMessage(`[{"type":"text","text":"Screenshot saved to /tmp/shots/page.png for review"}]`)

		result := collectToolResult(content)
		require.NotNil(t, result)
		assert.Equal(t, []string{"/tmp/shots/page.png"}, result.Texts)
	})

	t.Run("no relevant blocks", func(t *testing.T) {
		content := json.RawMessage(`[{"type":"text","text":"ok, 3 tests passed"}]`)
		assert.Nil(t, collectToolResult(content))
	})

	t.Run("string content", func(t *testing.T) {
		assert.Nil(t, collectToolResult(json.RawMessage(`"command output"`)))
	})
}
