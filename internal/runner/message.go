package runner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/command"
	"github.com/earlbot/earl/internal/history"
	"github.com/earlbot/earl/internal/log"
	"github.com/earlbot/earl/internal/session"
	"github.com/earlbot/earl/internal/stream"
	"github.com/earlbot/earl/internal/tracing"
)

// Analysis follow-up: long analytical replies that diagnose a problem
// but stop short of fixes get one automatic nudge per thread.
const analysisMinLength = 300

const analysisPrompt = "Please add a `## Suggested Fixes` section with concrete, actionable fixes for the issues identified above."

var (
	analysisHeading = regexp.MustCompile(`(?im)^##\s.*(root cause|what went wrong)`)
	fixesHeading    = regexp.MustCompile(`(?im)^##\s*(suggested fixes|recommended fix)`)
)

// onPosted is the WebSocket message callback.
func (r *Runner) onPosted(post *chat.Post, senderName string) {
	if post.UserID == r.botID && r.botID != "" {
		return
	}
	if r.cfg.WorkingDirFor(post.ChannelID) == "" {
		return
	}

	ctx := context.Background()
	if !r.senderAllowed(ctx, post.UserID, senderName) {
		log.Debug(log.CatRunner, "dropping message from disallowed user", "user", post.UserID)
		return
	}

	threadID := post.ThreadID()
	if cmd := command.Parse(post.Message); cmd != nil {
		res := r.executor.Execute(ctx, cmd, threadID, post.ChannelID)
		if res != nil && res.Passthrough != "" {
			r.dispatch(threadID, post.ChannelID, res.Passthrough)
		}
		return
	}

	r.dispatch(threadID, post.ChannelID, post.Message)
}

// senderAllowed applies the allow-list. The user lookup only happens
// when a non-empty list forces it; an empty list admits everyone
// without a lookup.
func (r *Runner) senderAllowed(ctx context.Context, userID, senderName string) bool {
	if len(r.cfg.AllowedUsers) == 0 {
		return true
	}

	name := strings.TrimPrefix(senderName, "@")
	if name == "" {
		var err error
		name, err = r.username(ctx, userID)
		if err != nil {
			log.Warn(log.CatRunner, "user lookup failed, dropping message", "user", userID, "error", err)
			return false
		}
	}
	return r.cfg.UserAllowed(name)
}

// dispatch routes one user turn into the thread's queue: the claimer
// runs it, everyone else lines up behind.
func (r *Runner) dispatch(threadID, channelID, text string) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if !r.queue.TryClaim(threadID) {
		r.queue.EnqueueBehind(threadID, queuedMessage{channelID: channelID, text: text})
		return
	}

	r.wg.Add(1)
	go r.worker(threadID, channelID, text)
}

// worker drains one thread's queue, holding the claim across backlog
// items. An aborted turn has already released the claim.
func (r *Runner) worker(threadID, channelID, text string) {
	defer r.wg.Done()
	for {
		if r.runTurn(threadID, channelID, text) {
			return
		}
		msg, ok := r.queue.PopNext(threadID)
		if !ok {
			return
		}
		channelID, text = msg.channelID, msg.text
	}
}

// runTurn executes one assistant turn end to end. Returns true when the
// turn was aborted (!stop, !kill, idle reaper) and the worker must not
// touch the queue again.
func (r *Runner) runTurn(threadID, channelID, text string) (aborted bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.mu.Lock()
	turn := &activeTurn{cancel: cancel}
	r.turns[threadID] = turn
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.turns[threadID] == turn {
			delete(r.turns, threadID)
		}
		r.mu.Unlock()

		if p := recover(); p != nil {
			log.Error(log.CatRunner, "turn panicked", "thread", threadID, "panic", fmt.Sprint(p))
			r.queue.Release(threadID)
			aborted = true
		}
	}()

	resp := stream.New(ctx, r.client, channelID, threadID, r.cfg.Debounce)
	resp.StartTyping()

	_, hadLive := r.registry.Get(threadID)
	workingDir := r.resolveWorkingDir(threadID, channelID)

	sess, err := r.registry.GetOrCreate(threadID, channelID, workingDir)
	if err != nil {
		log.ErrorErr(log.CatRunner, "starting session", err, "thread", threadID)
		resp.Finalize()
		r.post(ctx, channelID, threadID, "Could not start the assistant session. Check the logs.")
		return false
	}

	turnText := text
	if !hadLive {
		if preamble := r.transcriptPreamble(ctx, threadID, text); preamble != "" {
			turnText = preamble
		}
	}

	_, span := r.tracer.StartTurn(ctx, threadID, channelID)

	done := make(chan struct{})
	var closeOnce sync.Once
	var replyMu sync.Mutex
	var replyParts []string

	sess.SetCallbacks(session.Callbacks{
		OnText: func(chunk string) {
			replyMu.Lock()
			replyParts = append(replyParts, chunk)
			replyMu.Unlock()
			resp.OnText(chunk)
		},
		OnToolUse: func(tu session.ToolUse) {
			resp.OnToolUse(tu)
			if res := r.mediator.HandleToolUse(ctx, threadID, channelID, tu); res != nil {
				if res.AnswerText != "" {
					sess.SendTurn(res.AnswerText)
					return
				}
				r.mu.Lock()
				r.questionThreads[res.ToolUseID] = threadID
				r.mu.Unlock()
			}
		},
		OnToolResult: resp.OnToolResult,
		OnSystem: func(ev session.SystemEvent) {
			log.Debug(log.CatRunner, "system event", "thread", threadID, "subtype", ev.Subtype)
		},
		OnComplete: func() {
			closeOnce.Do(func() { close(done) })
		},
	})

	if !sess.SendTurn(turnText) {
		resp.Finalize()
		tracing.EndTurn(span, errors.New("turn rejected"), 0, 0)
		r.post(ctx, channelID, threadID, "The assistant did not accept the message. Try again.")
		return false
	}

	select {
	case <-done:
	case <-sess.Done():
		log.Warn(log.CatRunner, "session exited mid-turn", "thread", threadID, "error", sess.ExitErr())
	case <-ctx.Done():
		aborted = true
	}

	resp.Finalize()

	snap := sess.Stats().Snapshot()
	tracing.EndTurn(span, nil, snap.TotalCostUSD, snap.TurnOutputTokens)

	if aborted {
		return true
	}

	r.registry.RecordTurn(threadID)
	r.registry.Touch(threadID)

	replyMu.Lock()
	reply := strings.Join(replyParts, "\n\n")
	replyMu.Unlock()

	if r.archive != nil {
		if err := r.archive.Record(ctx, history.Turn{
			ThreadID:  threadID,
			ChannelID: channelID,
			UserText:  text,
			ReplyText: reply,
			CostUSD:   snap.TotalCostUSD,
		}); err != nil {
			log.ErrorErr(log.CatHistory, "archiving turn", err, "thread", threadID)
		}
	}

	if r.shouldNudgeForFixes(threadID, reply) {
		r.queue.EnqueueBehind(threadID, queuedMessage{channelID: channelID, text: analysisPrompt})
	}
	return false
}

// resolveWorkingDir applies the per-thread !cwd override, then the
// channel map.
func (r *Runner) resolveWorkingDir(threadID, channelID string) string {
	if dir, ok := r.executor.WorkingDirFor(threadID); ok {
		return dir
	}
	return r.cfg.WorkingDirFor(channelID)
}

// transcriptPreamble renders prior thread history for a freshly spawned
// session so it can pick up mid-conversation. Returns empty when the
// thread has no history beyond the current message.
func (r *Runner) transcriptPreamble(ctx context.Context, threadID, current string) string {
	posts, err := r.client.GetThread(ctx, threadID)
	if err != nil {
		log.Warn(log.CatRunner, "fetching thread history", "thread", threadID, "error", err)
		return ""
	}

	var b strings.Builder
	prior := 0
	skippedCurrent := false
	for _, p := range posts {
		if p.Message == "" {
			continue
		}
		// The triggering message is part of the thread by now; keep it
		// out of the transcript.
		if !skippedCurrent && p.UserID != r.botID && p.Message == current {
			skippedCurrent = true
			continue
		}
		speaker := "User"
		if p.UserID == r.botID {
			speaker = "EARL"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, p.Message)
		prior++
	}
	if prior == 0 {
		return ""
	}

	b.WriteString("\nUser's latest message: ")
	b.WriteString(current)
	return b.String()
}

// shouldNudgeForFixes applies the analysis heuristic, at most once per
// thread.
func (r *Runner) shouldNudgeForFixes(threadID, reply string) bool {
	if len(reply) < analysisMinLength {
		return false
	}
	if !analysisHeading.MatchString(reply) || fixesHeading.MatchString(reply) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.analysisSent[threadID] {
		return false
	}
	r.analysisSent[threadID] = true
	return true
}
