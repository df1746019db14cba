package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/log"
)

const (
	approveEmoji = "white_check_mark"
	denyEmoji    = "x"

	// DefaultApprovalTimeout bounds how long a permission prompt waits
	// for a reaction before denying.
	DefaultApprovalTimeout = 5 * time.Minute
)

// ChannelResolver maps a thread id to its channel id.
type ChannelResolver func(threadID string) (string, bool)

// approvalArgs is the permission-prompt tool input the CLI sends.
type approvalArgs struct {
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// approvalDecision is the JSON the CLI expects back as text content.
type approvalDecision struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Approver mediates assistant permission prompts through chat: each
// request becomes a post with approve/deny reactions, and the blocked
// tool call resolves when the user reacts or the timeout fires.
type Approver struct {
	client  chat.Client
	resolve ChannelResolver
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewApprover creates an approver posting through the given client.
func NewApprover(client chat.Client, resolve ChannelResolver, timeout time.Duration) *Approver {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Approver{
		client:  client,
		resolve: resolve,
		timeout: timeout,
		pending: make(map[string]chan bool),
	}
}

// Register installs the approval_prompt tool on the server.
func (a *Approver) Register(s *Server) {
	s.RegisterTool(Tool{
		Name:        "approval_prompt",
		Description: "Ask the user to approve or deny a tool invocation via chat reactions.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"tool_name":   {Type: "string", Description: "Name of the tool requesting permission"},
				"input":       {Type: "object", Description: "The tool's proposed input"},
				"tool_use_id": {Type: "string", Description: "Identifier of the pending tool call"},
			},
			Required: []string{"tool_name"},
		},
	}, a.handle)
}

func (a *Approver) handle(ctx context.Context, threadID string, args json.RawMessage) (*ToolCallResult, error) {
	var req approvalArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, fmt.Errorf("parsing approval request: %w", err)
	}

	channelID, ok := a.resolve(threadID)
	if !ok {
		return deny("No chat thread is associated with this session"), nil
	}

	post, err := a.client.CreatePost(ctx, &chat.Post{
		ChannelID: channelID,
		RootID:    threadID,
		Message:   renderPrompt(req),
	})
	if err != nil || post == nil || post.ID == "" {
		log.ErrorErr(log.CatMCP, "posting permission prompt", err, "thread", threadID)
		return deny("Failed to post permission prompt"), nil
	}

	for _, emoji := range []string{approveEmoji, denyEmoji} {
		if err := a.client.AddReaction(ctx, post.ID, emoji); err != nil {
			log.Warn(log.CatMCP, "adding permission reaction", "post", post.ID, "error", err)
		}
	}

	decision := make(chan bool, 1)
	a.mu.Lock()
	a.pending[post.ID] = decision
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, post.ID)
		a.mu.Unlock()
		if err := a.client.DeletePost(context.WithoutCancel(ctx), post.ID); err != nil {
			log.Warn(log.CatMCP, "deleting permission prompt", "post", post.ID, "error", err)
		}
	}()

	select {
	case approved := <-decision:
		if approved {
			return allow(req), nil
		}
		return deny("User denied the request"), nil
	case <-time.After(a.timeout):
		return deny("Permission prompt timed out"), nil
	case <-ctx.Done():
		return deny("Permission prompt cancelled"), nil
	}
}

// HandleReaction resolves a pending prompt. Returns true when the post
// belonged to this approver.
func (a *Approver) HandleReaction(postID, emojiName string) bool {
	var approved bool
	switch emojiName {
	case approveEmoji:
		approved = true
	case denyEmoji:
		approved = false
	default:
		return false
	}

	a.mu.Lock()
	decision, ok := a.pending[postID]
	if ok {
		delete(a.pending, postID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}

	decision <- approved
	return true
}

func renderPrompt(req approvalArgs) string {
	body := fmt.Sprintf("🔒 The assistant wants to run `%s`.", req.ToolName)
	if len(req.Input) > 0 && string(req.Input) != "{}" && string(req.Input) != "null" {
		body += fmt.Sprintf("\n```json\n%s\n```", req.Input)
	}
	return body + "\nReact ✅ to allow or ❌ to deny."
}

func allow(req approvalArgs) *ToolCallResult {
	data, _ := json.Marshal(approvalDecision{Behavior: "allow", UpdatedInput: req.Input})
	return TextResult(string(data))
}

func deny(message string) *ToolCallResult {
	data, _ := json.Marshal(approvalDecision{Behavior: "deny", Message: message})
	return TextResult(string(data))
}
