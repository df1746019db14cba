package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/earlbot/earl/internal/log"
	"github.com/earlbot/earl/internal/store"
)

// SpecBuilder produces the launch arguments for a thread's process.
// sessionID is set for fresh sessions, resumeID for continuations; the
// two are mutually exclusive.
type SpecBuilder func(threadID, channelID, workingDir, sessionID, resumeID string) LaunchSpec

// Registry maps thread ids to live sessions and keeps the durable store
// in sync with them. All operations are safe for concurrent use.
type Registry struct {
	store *store.Store
	build SpecBuilder

	mu   sync.Mutex
	live map[string]*Session
}

// NewRegistry creates a registry over the given store.
func NewRegistry(st *store.Store, build SpecBuilder) *Registry {
	return &Registry{
		store: st,
		build: build,
		live:  make(map[string]*Session),
	}
}

// Get returns the live session for a thread, if any.
func (r *Registry) Get(threadID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[threadID]
	if ok && !s.Alive() {
		delete(r.live, threadID)
		return nil, false
	}
	return s, ok
}

// GetOrCreate returns the thread's live session, resuming a persisted one
// or spawning a fresh one as needed. A failed resume falls back to a
// fresh session so a stale CLI session id never wedges the thread.
func (r *Registry) GetOrCreate(threadID, channelID, workingDir string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.live[threadID]; ok {
		if s.Alive() {
			return s, nil
		}
		delete(r.live, threadID)
	}

	persisted, hasRecord := r.store.Get(threadID)

	var s *Session
	var err error
	if hasRecord && persisted.ClaudeSessionID != "" {
		spec := r.build(threadID, channelID, workingDir, "", persisted.ClaudeSessionID)
		s, err = Spawn(threadID, channelID, spec)
		if err != nil {
			log.Warn(log.CatSession, "resume failed, starting fresh",
				"thread", threadID, "claude_session", persisted.ClaudeSessionID, "error", err)
			s = nil
		}
	}
	if s == nil {
		fresh := uuid.NewString()
		spec := r.build(threadID, channelID, workingDir, fresh, "")
		s, err = Spawn(threadID, channelID, spec)
		if err != nil {
			return nil, err
		}
	}

	r.live[threadID] = s
	r.reapOnExit(threadID, s)

	now := time.Now()
	if err := r.store.Update(threadID, func(ps *store.PersistedSession) {
		if ps.StartedAt.IsZero() {
			ps.StartedAt = now
		}
		ps.ChannelID = channelID
		ps.WorkingDir = workingDir
		ps.ClaudeSessionID = s.ClaudeSessionID()
		ps.IsPaused = false
		ps.LastActivityAt = &now
	}); err != nil {
		log.ErrorErr(log.CatSession, "persisting session", err, "thread", threadID)
	}

	return s, nil
}

// reapOnExit drops the live entry once the process dies, unless a newer
// session has already replaced it.
func (r *Registry) reapOnExit(threadID string, s *Session) {
	go func() {
		<-s.Done()
		r.mu.Lock()
		if r.live[threadID] == s {
			delete(r.live, threadID)
		}
		r.mu.Unlock()
	}()
}

// ResumeAll respawns every persisted, unpaused session. Failures are
// logged and leave the record intact for a later lazy resume.
func (r *Registry) ResumeAll() {
	for _, ps := range r.store.List() {
		if ps.IsPaused || ps.ClaudeSessionID == "" {
			continue
		}
		if _, err := r.GetOrCreate(ps.ThreadID, ps.ChannelID, ps.WorkingDir); err != nil {
			log.ErrorErr(log.CatSession, "resuming session", err, "thread", ps.ThreadID)
		}
	}
}

// Touch stamps a thread's last activity in the store.
func (r *Registry) Touch(threadID string) {
	if err := r.store.Touch(threadID, time.Now()); err != nil {
		log.ErrorErr(log.CatSession, "touching session", err, "thread", threadID)
	}
}

// RecordTurn folds a completed turn into the thread's durable record.
func (r *Registry) RecordTurn(threadID string) {
	s, ok := r.Get(threadID)
	if !ok {
		return
	}
	snap := s.Stats().Snapshot()
	now := time.Now()

	if err := r.store.Update(threadID, func(ps *store.PersistedSession) {
		ps.MessageCount++
		ps.LastActivityAt = &now
		ps.ClaudeSessionID = s.ClaudeSessionID()
		if snap.TotalCostUSD > 0 {
			ps.TotalCost = snap.TotalCostUSD
		}
		if snap.LifetimeInputTokens > 0 {
			ps.TotalInputTokens = snap.LifetimeInputTokens
		}
		if snap.LifetimeOutputTokens > 0 {
			ps.TotalOutputTokens = snap.LifetimeOutputTokens
		}
	}); err != nil {
		log.ErrorErr(log.CatSession, "recording turn", err, "thread", threadID)
	}
}

// Stop kills a thread's session. When forget is true the durable record
// is deleted too; otherwise the record stays paused for a later resume.
func (r *Registry) Stop(threadID string, forget bool) {
	r.mu.Lock()
	s := r.live[threadID]
	delete(r.live, threadID)
	r.mu.Unlock()

	if s != nil {
		s.Kill()
	}

	if forget {
		if err := r.store.Delete(threadID); err != nil {
			log.ErrorErr(log.CatSession, "deleting session record", err, "thread", threadID)
		}
		return
	}
	if err := r.store.Update(threadID, func(ps *store.PersistedSession) {
		ps.IsPaused = true
		if s != nil {
			ps.ClaudeSessionID = s.ClaudeSessionID()
		}
	}); err != nil {
		log.ErrorErr(log.CatSession, "pausing session record", err, "thread", threadID)
	}
}

// PauseAll kills every live session and marks its record paused. Used at
// shutdown so sessions can be resumed on the next start.
func (r *Registry) PauseAll() {
	r.mu.Lock()
	live := make(map[string]*Session, len(r.live))
	for id, s := range r.live {
		live[id] = s
	}
	r.live = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for threadID, s := range live {
		wg.Add(1)
		go func(threadID string, s *Session) {
			defer wg.Done()
			claudeID := s.ClaudeSessionID()
			s.Kill()
			if err := r.store.Update(threadID, func(ps *store.PersistedSession) {
				ps.IsPaused = true
				ps.ClaudeSessionID = claudeID
			}); err != nil {
				log.ErrorErr(log.CatSession, "pausing session record", err, "thread", threadID)
			}
		}(threadID, s)
	}
	wg.Wait()
}

// LiveThreads returns the ids of threads with a running session.
func (r *Registry) LiveThreads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.live))
	for id, s := range r.live {
		if s.Alive() {
			out = append(out, id)
		}
	}
	return out
}

// Records returns every persisted session record.
func (r *Registry) Records() []store.PersistedSession {
	return r.store.List()
}

// Record returns the persisted record for one thread.
func (r *Registry) Record(threadID string) (store.PersistedSession, bool) {
	return r.store.Get(threadID)
}
