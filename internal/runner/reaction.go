package runner

import (
	"context"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/log"
)

// onReaction is the WebSocket reaction callback. Reactions are offered
// to the question mediator, the permission approver, and the terminal
// monitor in that order; the first taker wins.
func (r *Runner) onReaction(reaction *chat.Reaction) {
	if reaction.UserID == r.botID && r.botID != "" {
		return
	}

	ctx := context.Background()
	if !r.senderAllowed(ctx, reaction.UserID, "") {
		log.Debug(log.CatRunner, "dropping reaction from disallowed user", "user", reaction.UserID)
		return
	}

	if res := r.mediator.HandleReaction(ctx, reaction.PostID, reaction.EmojiName); res != nil {
		if res.AnswerText != "" {
			r.deliverAnswer(res.ToolUseID, res.AnswerText)
		}
		return
	}

	if r.approver.HandleReaction(reaction.PostID, reaction.EmojiName) {
		return
	}

	r.monitor.HandleReaction(reaction.PostID, reaction.EmojiName)
}

// deliverAnswer routes a composed question answer back into the session
// that asked, using the tool-use id captured when the question was
// posted.
func (r *Runner) deliverAnswer(toolUseID, answer string) {
	r.mu.Lock()
	threadID, ok := r.questionThreads[toolUseID]
	if ok {
		delete(r.questionThreads, toolUseID)
	}
	r.mu.Unlock()
	if !ok {
		log.Warn(log.CatRunner, "answer for unknown tool call", "tool_use_id", toolUseID)
		return
	}

	sess, ok := r.registry.Get(threadID)
	if !ok {
		log.Warn(log.CatRunner, "answer for thread without a session", "thread", threadID)
		return
	}
	if !sess.SendTurn(answer) {
		log.Warn(log.CatRunner, "delivering answer failed", "thread", threadID)
	}
}
