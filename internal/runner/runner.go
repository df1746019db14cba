// Package runner wires the bot together: it owns the chat callbacks,
// routes messages through the command surface or the per-thread queue,
// runs assistant turns, and manages startup and shutdown of every
// background component.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/command"
	"github.com/earlbot/earl/internal/config"
	"github.com/earlbot/earl/internal/heartbeat"
	"github.com/earlbot/earl/internal/history"
	"github.com/earlbot/earl/internal/log"
	"github.com/earlbot/earl/internal/mcp"
	"github.com/earlbot/earl/internal/question"
	"github.com/earlbot/earl/internal/queue"
	"github.com/earlbot/earl/internal/session"
	"github.com/earlbot/earl/internal/store"
	"github.com/earlbot/earl/internal/tmux"
	"github.com/earlbot/earl/internal/tracing"
)

const (
	userCacheTTL   = 5 * time.Minute
	userCacheSweep = 10 * time.Minute

	idleCheckInterval = 5 * time.Minute
)

// queuedMessage is one user turn waiting behind the thread's in-flight
// work.
type queuedMessage struct {
	channelID string
	text      string
}

type activeTurn struct {
	cancel context.CancelFunc
}

// Runner is the orchestrator. Construct with New, then call Run; Run
// blocks until the context is cancelled or a shutdown is requested.
type Runner struct {
	cfg    *config.Config
	client chat.Client
	socket *chat.Socket

	registry   *session.Registry
	queue      *queue.Queue[queuedMessage]
	mediator   *question.Mediator
	approver   *mcp.Approver
	mcpServer  *mcp.Server
	mcpPort    int
	executor   *command.Executor
	archive    *history.Archive
	heartbeats *heartbeat.Scheduler
	monitor    *tmux.Monitor
	tracer     *tracing.Provider

	users *cache.Cache
	botID string

	mu              sync.Mutex
	turns           map[string]*activeTurn
	questionThreads map[string]string
	analysisSent    map[string]bool
	shuttingDown    bool
	pendingRestart  bool
	pendingUpdate   bool

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New assembles a runner from config. The MCP permission server is
// started here so the session spec builder knows its port.
func New(cfg *config.Config, client chat.Client) (*Runner, error) {
	r := &Runner{
		cfg:             cfg,
		client:          client,
		queue:           queue.New[queuedMessage](),
		mediator:        question.New(client),
		users:           cache.New(userCacheTTL, userCacheSweep),
		turns:           make(map[string]*activeTurn),
		questionThreads: make(map[string]string),
		analysisSent:    make(map[string]bool),
		shutdownCh:      make(chan struct{}),
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.TraceEnabled,
		Exporter:     cfg.TraceExporter,
		Root:         cfg.Root,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, err
	}
	r.tracer = tracer

	r.mcpServer = mcp.NewServer("earl", "1.0.0")
	r.approver = mcp.NewApprover(client, r.channelFor, mcp.DefaultApprovalTimeout)
	r.approver.Register(r.mcpServer)
	port, err := r.mcpServer.Start()
	if err != nil {
		return nil, err
	}
	r.mcpPort = port

	st := store.New(cfg.SessionsFile())
	r.registry = session.NewRegistry(st, r.buildSpec)

	archive, err := history.Open(cfg.HistoryFile())
	if err != nil {
		log.ErrorErr(log.CatHistory, "opening turn archive, !history disabled", err)
	} else {
		r.archive = archive
	}

	r.heartbeats = heartbeat.NewScheduler(client, r.buildSpec, cfg.Debounce)
	r.monitor = tmux.NewMonitor(client, tmux.CLI{}, cfg.TmuxSessionsFile(), cfg.TmuxPollInterval)

	r.executor = command.NewExecutor(client, r.registry, r.archive, r.heartbeats, r.monitor, command.Hooks{
		AbortStream:    r.abortStream,
		RequestRestart: r.requestRestart,
	})

	r.socket = chat.NewSocket(cfg.WebSocketURL, cfg.BotToken, r.onPosted, r.onReaction)
	return r, nil
}

// buildSpec is the registry's SpecBuilder: it writes the per-session MCP
// config and assembles CLI launch arguments from bot config.
func (r *Runner) buildSpec(threadID, channelID, workingDir, sessionID, resumeID string) session.LaunchSpec {
	spec := session.LaunchSpec{
		SessionID:  sessionID,
		ResumeID:   resumeID,
		Model:      r.cfg.Model,
		WorkingDir: workingDir,
		ClaudeHome: r.cfg.ClaudeHome,
	}
	if r.cfg.SkipPermissions {
		spec.SkipPermissions = true
	} else {
		spec.PermissionTool = mcp.PermissionToolName
	}

	id := sessionID
	if id == "" {
		id = resumeID
	}
	path, err := mcp.WriteSessionConfig(r.cfg.MCPDir(), id, threadID, r.mcpPort, r.cfg.MCPServersFile())
	if err != nil {
		log.ErrorErr(log.CatMCP, "writing session mcp config", err, "thread", threadID)
	} else {
		spec.MCPConfigPath = path
	}
	return spec
}

// channelFor resolves a thread to its channel for permission prompts.
func (r *Runner) channelFor(threadID string) (string, bool) {
	if s, ok := r.registry.Get(threadID); ok {
		return s.ChannelID, true
	}
	if ps, ok := r.registry.Record(threadID); ok && ps.ChannelID != "" {
		return ps.ChannelID, true
	}
	return "", false
}

// Run starts every component and blocks until the context is cancelled
// or a shutdown is requested via signal, !restart, or !update.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if me, err := r.client.GetMe(ctx); err == nil {
		r.botID = me.ID
	} else if r.cfg.BotID != "" {
		r.botID = r.cfg.BotID
	} else {
		log.Warn(log.CatRunner, "cannot resolve bot identity, echo suppression degraded", "error", err)
	}

	r.postRestartNotice(ctx)

	if defs, err := heartbeat.LoadDefinitions(r.cfg.HeartbeatsFile()); err != nil {
		log.Warn(log.CatHeartbeat, "loading heartbeat definitions", "error", err)
	} else {
		r.heartbeats.SetDefinitions(defs)
	}
	r.heartbeats.Start(ctx)
	if err := r.heartbeats.WatchFile(ctx, r.cfg.HeartbeatsFile()); err != nil {
		log.Warn(log.CatHeartbeat, "watching heartbeat definitions", "error", err)
	}

	r.monitor.Start(ctx)
	r.sweepStaleConfigs()
	r.registry.ResumeAll()
	r.startIdleReaper(ctx)
	r.socket.Start(ctx)

	log.Info(log.CatRunner, "runner started",
		"channels", len(r.cfg.Channels), "mcp_port", r.mcpPort)

	select {
	case <-ctx.Done():
	case <-r.shutdownCh:
	}

	cancel()
	r.shutdown()
	return nil
}

// Shutdown requests a graceful stop. Safe to call from signal handlers;
// the first call wins.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return
	}
	r.shuttingDown = true
	close(r.shutdownCh)
}

// RestartRequested reports whether !restart or !update asked for an
// exec-replace after Run returns.
func (r *Runner) RestartRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingRestart
}

// UpdateRequested reports whether dependencies should be refreshed
// before the exec-replace.
func (r *Runner) UpdateRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingUpdate
}

func (r *Runner) requestRestart(threadID, channelID string, update bool) {
	r.mu.Lock()
	r.pendingRestart = true
	if update {
		r.pendingUpdate = true
	}
	r.mu.Unlock()

	r.writeRestartContext(threadID, channelID, update)
	r.Shutdown()
}

// shutdown tears down every component. Sessions are paused, not
// forgotten, so the next start resumes them.
func (r *Runner) shutdown() {
	log.Info(log.CatRunner, "shutting down")

	r.socket.Stop()
	r.heartbeats.Stop()
	r.monitor.Stop()
	r.registry.PauseAll()
	r.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.mcpServer.Stop(shutdownCtx)

	mcp.CleanupConfigs(r.cfg.MCPDir(), nil)

	if r.archive != nil {
		if err := r.archive.Close(); err != nil {
			log.ErrorErr(log.CatHistory, "closing turn archive", err)
		}
	}
	if err := r.tracer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatTrace, "flushing traces", err)
	}
}

// sweepStaleConfigs prunes MCP config files a crash may have left
// behind, keeping those of persisted sessions that are about to be
// resumed. Runs before ResumeAll so resumed sessions rewrite theirs.
func (r *Runner) sweepStaleConfigs() {
	var active []string
	for _, ps := range r.registry.Records() {
		if ps.ClaudeSessionID != "" {
			active = append(active, ps.ClaudeSessionID)
		}
	}
	mcp.CleanupConfigs(r.cfg.MCPDir(), active)
}

// startIdleReaper pauses sessions whose last activity is older than the
// configured idle timeout. Records without a timestamp are skipped.
func (r *Runner) startIdleReaper(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(idleCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reapIdle(ctx, time.Now())
			}
		}
	}()
}

func (r *Runner) reapIdle(ctx context.Context, now time.Time) {
	for _, ps := range r.registry.Records() {
		if ps.IsPaused || ps.LastActivityAt == nil {
			continue
		}
		if now.Sub(*ps.LastActivityAt) < r.cfg.IdleTimeout {
			continue
		}
		log.Info(log.CatRunner, "pausing idle session",
			"thread", ps.ThreadID, "idle_since", ps.LastActivityAt.Format(time.RFC3339))
		r.abortStream(ps.ThreadID)
		r.registry.Stop(ps.ThreadID, false)
		r.post(ctx, ps.ChannelID, ps.ThreadID, "Session paused after inactivity. The next message resumes it.")
	}
}

// abortStream cancels the thread's in-flight turn and drops everything
// queued behind it.
func (r *Runner) abortStream(threadID string) {
	r.mu.Lock()
	turn := r.turns[threadID]
	delete(r.turns, threadID)
	r.mu.Unlock()

	if turn != nil {
		turn.cancel()
	}
	r.queue.Release(threadID)
	r.mediator.DropThread(threadID)
}

func (r *Runner) post(ctx context.Context, channelID, threadID, message string) {
	if _, err := r.client.CreatePost(ctx, &chat.Post{
		ChannelID: channelID,
		RootID:    threadID,
		Message:   message,
	}); err != nil {
		log.ErrorErr(log.CatRunner, "posting notice", err, "thread", threadID)
	}
}

// username resolves a user id through a TTL cache; only the allow-list
// path needs it, so misses are rare.
func (r *Runner) username(ctx context.Context, userID string) (string, error) {
	if v, ok := r.users.Get(userID); ok {
		return v.(string), nil
	}
	u, err := r.client.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	r.users.Set(userID, u.Username, cache.DefaultExpiration)
	return u.Username, nil
}
