package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/log"
	"github.com/earlbot/earl/internal/session"
	"github.com/earlbot/earl/internal/stream"
)

const defaultTick = 15 * time.Second

// Status is the externally visible state of one definition.
type Status struct {
	Name            string
	Description     string
	Schedule        string
	Enabled         bool
	Running         bool
	LastRunAt       time.Time
	LastCompletedAt time.Time
	NextRunAt       time.Time
	RunCount        int
	LastError       string
}

type state struct {
	def             Definition
	running         bool
	lastRunAt       time.Time
	lastCompletedAt time.Time
	nextRunAt       time.Time
	runCount        int
	lastError       string
	claudeSessionID string
}

// Scheduler owns the tick loop and per-definition workers. A definition
// that is still running never re-dispatches, even when due.
type Scheduler struct {
	client   chat.Client
	build    session.SpecBuilder
	debounce time.Duration
	tick     time.Duration

	mu     sync.Mutex
	states map[string]*state

	// work runs one heartbeat to completion; replaced in tests.
	work func(ctx context.Context, st *state) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler posting through the given client and
// spawning sessions with the given builder.
func NewScheduler(client chat.Client, build session.SpecBuilder, debounce time.Duration) *Scheduler {
	s := &Scheduler{
		client:   client,
		build:    build,
		debounce: debounce,
		tick:     defaultTick,
		states:   make(map[string]*state),
	}
	s.work = s.runSession
	return s
}

// SetDefinitions replaces the definition set. Existing state (counters,
// stored session ids) is preserved for definitions that keep their name.
func (s *Scheduler) SetDefinitions(defs []Definition) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*state, len(defs))
	for _, def := range defs {
		if prev, ok := s.states[def.Name]; ok {
			prev.def = def
			if !prev.running {
				prev.nextRunAt = def.nextRun(now)
			}
			next[def.Name] = prev
			continue
		}
		next[def.Name] = &state{def: def, nextRunAt: def.nextRun(now)}
	}
	s.states = next
	log.Info(log.CatHeartbeat, "definitions loaded", "count", len(defs))
}

// Start launches the tick loop. Stop cancels it and waits for in-flight
// workers.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatchDue(ctx, time.Now())
			}
		}
	}()
}

// Stop halts the tick loop and waits for running heartbeats to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// dispatchDue starts a worker for every due, idle definition.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.states {
		if !st.def.Enabled || st.running || st.nextRunAt.IsZero() || now.Before(st.nextRunAt) {
			continue
		}
		st.running = true
		st.lastRunAt = now

		s.wg.Add(1)
		go func(st *state) {
			defer s.wg.Done()
			log.Info(log.CatHeartbeat, "dispatching", "name", st.def.Name)
			err := s.work(ctx, st)
			s.finish(st, err)
		}(st)
	}
}

// finish closes out a run and schedules the next one.
func (s *Scheduler) finish(st *state, err error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st.running = false
	st.lastCompletedAt = now
	st.runCount++
	st.nextRunAt = st.def.nextRun(now)
	if err != nil {
		st.lastError = err.Error()
		log.ErrorErr(log.CatHeartbeat, "run failed", err, "name", st.def.Name)
	} else {
		st.lastError = ""
		log.Info(log.CatHeartbeat, "run completed", "name", st.def.Name, "runs", st.runCount)
	}
}

// runSession is the real worker: header post, session, one streamed turn.
func (s *Scheduler) runSession(ctx context.Context, st *state) error {
	def := st.def

	header, err := s.client.CreatePost(ctx, &chat.Post{
		ChannelID: def.ChannelID,
		Message:   fmt.Sprintf("💓 Heartbeat **%s** running", def.Name),
	})
	if err != nil || header == nil || header.ID == "" {
		return fmt.Errorf("posting heartbeat header: %w", err)
	}
	threadID := header.ID

	resumeID := ""
	sessionID := ""
	if def.Persistent && st.claudeSessionID != "" {
		resumeID = st.claudeSessionID
	} else {
		sessionID = uuid.NewString()
	}

	spec := s.build(threadID, def.ChannelID, def.WorkingDir, sessionID, resumeID)
	if def.Permission != PermissionInteractive {
		spec.SkipPermissions = true
		spec.PermissionTool = ""
	}

	sess, err := session.Spawn(threadID, def.ChannelID, spec)
	if err != nil {
		if resumeID != "" {
			// Stored session id went stale; retry fresh.
			spec = s.build(threadID, def.ChannelID, def.WorkingDir, uuid.NewString(), "")
			if def.Permission != PermissionInteractive {
				spec.SkipPermissions = true
				spec.PermissionTool = ""
			}
			sess, err = session.Spawn(threadID, def.ChannelID, spec)
		}
		if err != nil {
			return fmt.Errorf("spawning heartbeat session: %w", err)
		}
	}

	resp := stream.New(ctx, s.client, def.ChannelID, threadID, s.debounce)
	done := make(chan struct{})
	var once sync.Once

	sess.SetCallbacks(session.Callbacks{
		OnText:       resp.OnText,
		OnToolUse:    resp.OnToolUse,
		OnToolResult: resp.OnToolResult,
		OnComplete:   func() { once.Do(func() { close(done) }) },
	})

	if !sess.SendTurn(def.Prompt) {
		sess.Kill()
		resp.Finalize()
		return fmt.Errorf("sending heartbeat prompt")
	}

	var runErr error
	select {
	case <-done:
	case <-time.After(def.Timeout):
		runErr = fmt.Errorf("timed out after %s", def.Timeout)
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	resp.Finalize()

	if def.Persistent && runErr == nil {
		s.mu.Lock()
		st.claudeSessionID = sess.ClaudeSessionID()
		s.mu.Unlock()
	}
	sess.Kill()
	return runErr
}

// Statuses reports every definition's state, sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, Status{
			Name:            st.def.Name,
			Description:     st.def.Description,
			Schedule:        st.def.Schedule(),
			Enabled:         st.def.Enabled,
			Running:         st.running,
			LastRunAt:       st.lastRunAt,
			LastCompletedAt: st.lastCompletedAt,
			NextRunAt:       st.nextRunAt,
			RunCount:        st.runCount,
			LastError:       st.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
