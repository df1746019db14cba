package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earlbot/earl/internal/chat/chattest"
)

func decisionFrom(t *testing.T, result *ToolCallResult) approvalDecision {
	t.Helper()
	require.Len(t, result.Content, 1)
	var d approvalDecision
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &d))
	return d
}

func resolveAll(string) (string, bool) { return "channel-1", true }

const approvalRequest = `{"tool_name":"Bash","input":{"command":"rm -rf build"},"tool_use_id":"tu_9"}`

func TestApprovalAllow(t *testing.T) {
	fake := chattest.NewFake()
	a := NewApprover(fake, resolveAll, time.Second)

	done := make(chan *ToolCallResult, 1)
	go func() {
		result, err := a.handle(context.Background(), "thread-1", json.RawMessage(approvalRequest))
		assert.NoError(t, err)
		done <- result
	}()

	// Wait for the prompt post and its reactions.
	var postID string
	require.Eventually(t, func() bool {
		if post := fake.LastPost(); post != nil && len(fake.Reactions[post.ID]) == 2 {
			postID = post.ID
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, fake.Posts[postID].Message, "`Bash`")
	assert.True(t, a.HandleReaction(postID, approveEmoji))

	d := decisionFrom(t, <-done)
	assert.Equal(t, "allow", d.Behavior)
	assert.JSONEq(t, `{"command":"rm -rf build"}`, string(d.UpdatedInput))
	assert.NotEmpty(t, fake.CallsTo("DeletePost"), "prompt post is cleaned up")
}

func TestApprovalDeny(t *testing.T) {
	fake := chattest.NewFake()
	a := NewApprover(fake, resolveAll, time.Second)

	done := make(chan *ToolCallResult, 1)
	go func() {
		result, _ := a.handle(context.Background(), "thread-1", json.RawMessage(approvalRequest))
		done <- result
	}()

	var postID string
	require.Eventually(t, func() bool {
		if post := fake.LastPost(); post != nil {
			postID = post.ID
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.True(t, a.HandleReaction(postID, denyEmoji))
	d := decisionFrom(t, <-done)
	assert.Equal(t, "deny", d.Behavior)
	assert.Equal(t, "User denied the request", d.Message)
}

func TestApprovalTimeout(t *testing.T) {
	fake := chattest.NewFake()
	a := NewApprover(fake, resolveAll, 20*time.Millisecond)

	result, err := a.handle(context.Background(), "thread-1", json.RawMessage(approvalRequest))
	require.NoError(t, err)
	d := decisionFrom(t, result)
	assert.Equal(t, "deny", d.Behavior)
	assert.Contains(t, d.Message, "timed out")
}

func TestApprovalUnknownThread(t *testing.T) {
	a := NewApprover(chattest.NewFake(), func(string) (string, bool) { return "", false }, time.Second)
	result, err := a.handle(context.Background(), "ghost", json.RawMessage(approvalRequest))
	require.NoError(t, err)
	assert.Equal(t, "deny", decisionFrom(t, result).Behavior)
}

func TestHandleReactionIgnoresForeignPostsAndEmojis(t *testing.T) {
	a := NewApprover(chattest.NewFake(), resolveAll, time.Second)
	assert.False(t, a.HandleReaction("nope", approveEmoji))
	assert.False(t, a.HandleReaction("nope", "thumbsup"))
}
