// Package command implements the bang-command surface: messages starting
// with "!" are parsed and executed against the running bot instead of
// being forwarded to the assistant.
package command

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/heartbeat"
	"github.com/earlbot/earl/internal/history"
	"github.com/earlbot/earl/internal/log"
	"github.com/earlbot/earl/internal/session"
	"github.com/earlbot/earl/internal/tmux"
)

const helpText = `**Earl commands**
| Command | Effect |
|---|---|
| !help | Show this message |
| !status | Stats for this thread's session |
| !sessions | List all known sessions |
| !stop | Pause this thread's session (resumable) |
| !kill | Kill this thread's session and forget it |
| !cwd [path] | Show or set this thread's working directory |
| !history [n] | Show the last n archived turns (default 10) |
| !heartbeats | Show heartbeat schedules and state |
| !escape <text> | Send text to the assistant verbatim |
| !restart | Restart the bot |
| !update | Update dependencies and restart |`

// Command is one parsed bang command.
type Command struct {
	Name string
	Args []string
	// Rest is everything after the command name, whitespace preserved.
	Rest string
}

// Parse returns the command in a message, or nil when the message is not
// a bang command.
func Parse(message string) *Command {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "!") || len(trimmed) < 2 {
		return nil
	}
	body := trimmed[1:]
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return nil
	}

	name := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(body, fields[0]))
	return &Command{Name: name, Args: fields[1:], Rest: rest}
}

// Result tells the orchestrator what to do after a command ran. A
// Passthrough value is forwarded to the assistant as if the user sent it.
type Result struct {
	Passthrough string
}

// Hooks are orchestrator callbacks the executor triggers.
type Hooks struct {
	// AbortStream cancels the thread's active streaming response and
	// releases its queue claim.
	AbortStream func(threadID string)
	// RequestRestart begins shutdown followed by exec-replace. update
	// additionally refreshes dependencies first.
	RequestRestart func(threadID, channelID string, update bool)
}

// TerminalLister exposes the monitored terminal sessions for !sessions.
type TerminalLister interface {
	Sessions() []tmux.SessionInfo
}

// Executor runs bang commands. Archive, Heartbeats, and Terminals may be
// nil; the matching commands report unavailability or omit the section.
type Executor struct {
	client     chat.Client
	registry   *session.Registry
	archive    *history.Archive
	heartbeats *heartbeat.Scheduler
	terminals  TerminalLister
	hooks      Hooks

	mu          sync.Mutex
	workingDirs map[string]string
}

// NewExecutor creates an executor.
func NewExecutor(client chat.Client, registry *session.Registry, archive *history.Archive, heartbeats *heartbeat.Scheduler, terminals TerminalLister, hooks Hooks) *Executor {
	return &Executor{
		client:      client,
		registry:    registry,
		archive:     archive,
		heartbeats:  heartbeats,
		terminals:   terminals,
		hooks:       hooks,
		workingDirs: make(map[string]string),
	}
}

// WorkingDirFor returns the thread's !cwd override, if set.
func (e *Executor) WorkingDirFor(threadID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dir, ok := e.workingDirs[threadID]
	return dir, ok
}

// Execute runs one command. Unknown commands are silently ignored.
func (e *Executor) Execute(ctx context.Context, cmd *Command, threadID, channelID string) *Result {
	switch cmd.Name {
	case "help":
		e.post(ctx, channelID, threadID, helpText)

	case "status":
		e.post(ctx, channelID, threadID, e.statusText(threadID))

	case "sessions":
		e.post(ctx, channelID, threadID, e.sessionsText())

	case "stop":
		e.abort(threadID)
		e.registry.Stop(threadID, false)
		e.post(ctx, channelID, threadID, "Session paused. The next message resumes it.")

	case "kill":
		e.abort(threadID)
		e.registry.Stop(threadID, true)
		e.post(ctx, channelID, threadID, "Session killed.")

	case "cwd":
		e.post(ctx, channelID, threadID, e.cwdText(threadID, cmd.Args))

	case "history":
		e.post(ctx, channelID, threadID, e.historyText(ctx, threadID, cmd.Args))

	case "heartbeats":
		e.post(ctx, channelID, threadID, e.heartbeatsText())

	case "escape":
		if cmd.Rest == "" {
			return nil
		}
		return &Result{Passthrough: cmd.Rest}

	case "restart":
		e.post(ctx, channelID, threadID, "Restarting…")
		e.requestRestart(threadID, channelID, false)

	case "update":
		e.post(ctx, channelID, threadID, "Updating and restarting…")
		e.requestRestart(threadID, channelID, true)

	default:
		log.Debug(log.CatCommand, "ignoring unknown command", "name", cmd.Name)
	}
	return nil
}

func (e *Executor) abort(threadID string) {
	if e.hooks.AbortStream != nil {
		e.hooks.AbortStream(threadID)
	}
}

func (e *Executor) requestRestart(threadID, channelID string, update bool) {
	if e.hooks.RequestRestart != nil {
		e.hooks.RequestRestart(threadID, channelID, update)
	}
}

func (e *Executor) post(ctx context.Context, channelID, threadID, message string) {
	if _, err := e.client.CreatePost(ctx, &chat.Post{
		ChannelID: channelID,
		RootID:    threadID,
		Message:   message,
	}); err != nil {
		log.ErrorErr(log.CatCommand, "posting command output", err, "thread", threadID)
	}
}

func (e *Executor) statusText(threadID string) string {
	sess, ok := e.registry.Get(threadID)
	if !ok {
		if ps, found := e.registry.Record(threadID); found {
			return fmt.Sprintf("No live session. Persisted: %d messages, $%.4f total, paused=%v.",
				ps.MessageCount, ps.TotalCost, ps.IsPaused)
		}
		return "No session for this thread."
	}

	snap := sess.Stats().Snapshot()
	var b strings.Builder
	b.WriteString("**Session status**\n")
	if snap.Model != "" {
		fmt.Fprintf(&b, "- Model: `%s`\n", snap.Model)
	}
	fmt.Fprintf(&b, "- Turns: %d\n", snap.TurnCount)
	fmt.Fprintf(&b, "- Last turn tokens: %d in / %d out\n", snap.TurnInputTokens, snap.TurnOutputTokens)
	if pct := snap.ContextPercent(); pct > 0 {
		fmt.Fprintf(&b, "- Context: %.1f%% of %d\n", pct, snap.ContextWindow)
	}
	if tps := snap.TokensPerSecond(); tps > 0 {
		fmt.Fprintf(&b, "- Output rate: %.1f tok/s\n", tps)
	}
	fmt.Fprintf(&b, "- Total cost: $%.4f", snap.TotalCostUSD)
	return b.String()
}

func (e *Executor) sessionsText() string {
	records := e.registry.Records()
	terminals := e.terminalSessions()
	if len(records) == 0 && len(terminals) == 0 {
		return "No sessions."
	}

	live := make(map[string]bool)
	for _, id := range e.registry.LiveThreads() {
		live[id] = true
	}

	var b strings.Builder
	if len(records) > 0 {
		b.WriteString("| Thread | State | Messages | Cost |\n|---|---|---|---|\n")
		for _, ps := range records {
			state := "persisted"
			switch {
			case live[ps.ThreadID]:
				state = "live"
			case ps.IsPaused:
				state = "paused"
			}
			fmt.Fprintf(&b, "| %s | %s | %d | $%.4f |\n", ps.ThreadID, state, ps.MessageCount, ps.TotalCost)
		}
	}

	if len(terminals) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("**Terminal sessions**\n| Name | Dir | Prompt | Since |\n|---|---|---|---|\n")
		for _, info := range terminals {
			since := "-"
			if !info.CreatedAt.IsZero() {
				since = info.CreatedAt.Format(time.DateTime)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				info.Name, info.WorkingDir, truncate(info.Prompt, 80), since)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Executor) terminalSessions() []tmux.SessionInfo {
	if e.terminals == nil {
		return nil
	}
	infos := e.terminals.Sessions()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (e *Executor) cwdText(threadID string, args []string) string {
	if len(args) == 0 {
		if dir, ok := e.WorkingDirFor(threadID); ok {
			return fmt.Sprintf("Working directory override: `%s`", dir)
		}
		return "No working directory override for this thread."
	}

	dir := args[0]
	e.mu.Lock()
	e.workingDirs[threadID] = dir
	e.mu.Unlock()
	return fmt.Sprintf("Working directory set to `%s` for new sessions in this thread.", dir)
}

func (e *Executor) historyText(ctx context.Context, threadID string, args []string) string {
	if e.archive == nil {
		return "History is not available."
	}

	limit := 10
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			limit = n
		}
	}

	turns, err := e.archive.Recent(ctx, threadID, limit)
	if err != nil {
		log.ErrorErr(log.CatCommand, "reading history", err, "thread", threadID)
		return "Could not read history."
	}
	if len(turns) == 0 {
		return "No archived turns for this thread."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Last %d turns**\n", len(turns))
	for _, turn := range turns {
		fmt.Fprintf(&b, "\n`%s` **User:** %s\n**EARL:** %s\n",
			turn.CreatedAt.Format(time.DateTime), truncate(turn.UserText, 200), truncate(turn.ReplyText, 200))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Executor) heartbeatsText() string {
	if e.heartbeats == nil {
		return "Heartbeats are not configured."
	}
	statuses := e.heartbeats.Statuses()
	if len(statuses) == 0 {
		return "No heartbeat definitions."
	}

	var b strings.Builder
	b.WriteString("| Name | Description | Schedule | State | Runs | Next |\n|---|---|---|---|---|---|\n")
	for _, st := range statuses {
		state := "idle"
		switch {
		case !st.Enabled:
			state = "disabled"
		case st.Running:
			state = "running"
		case st.LastError != "":
			state = "error: " + st.LastError
		}
		next := "-"
		if st.Enabled && !st.NextRunAt.IsZero() {
			next = st.NextRunAt.Format(time.DateTime)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %s |\n",
			st.Name, st.Description, st.Schedule, state, st.RunCount, next)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
