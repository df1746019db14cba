// Package store provides the durable session snapshot backing the registry.
// Sessions are kept as a single JSON document written atomically: a sibling
// temp file (mode 0600) is renamed over the target so readers never observe
// a partial write.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/earlbot/earl/internal/log"
)

// PersistedSession is the durable record for one thread's session.
type PersistedSession struct {
	ClaudeSessionID string `json:"claude_session_id"`
	ThreadID        string `json:"thread_id"`
	ChannelID       string `json:"channel_id"`
	WorkingDir      string `json:"working_dir"`

	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`

	IsPaused     bool `json:"is_paused"`
	MessageCount int  `json:"message_count"`

	TotalCost         float64 `json:"total_cost"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
}

// Store is a thread-id keyed session snapshot file. Unknown keys in the
// on-disk document are dropped on the next write (lossy rewrite).
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a store backed by the given file path. The file need not exist.
func New(path string) *Store {
	return &Store{path: path}
}

// document is the on-disk shape.
type document struct {
	Sessions map[string]PersistedSession `json:"sessions"`
}

// load reads the document, tolerating a missing file and malformed JSON.
// Callers must hold s.mu.
func (s *Store) load() document {
	doc := document{Sessions: make(map[string]PersistedSession)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatStore, "reading sessions file", "path", s.path, "error", err)
		}
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn(log.CatStore, "malformed sessions file, starting empty", "path", s.path, "error", err)
		return document{Sessions: make(map[string]PersistedSession)}
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]PersistedSession)
	}
	return doc
}

// write persists the document atomically. Callers must hold s.mu.
func (s *Store) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling sessions: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Get returns the record for a thread, or false when absent.
func (s *Store) Get(threadID string) (PersistedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.load().Sessions[threadID]
	return ps, ok
}

// List returns all records sorted by thread id.
func (s *Store) List() []PersistedSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	out := make([]PersistedSession, 0, len(doc.Sessions))
	for _, ps := range doc.Sessions {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

// Save upserts the record for a thread.
func (s *Store) Save(ps PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	doc.Sessions[ps.ThreadID] = ps
	return s.write(doc)
}

// Delete removes the record for a thread. Missing records are a no-op.
func (s *Store) Delete(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	if _, ok := doc.Sessions[threadID]; !ok {
		return nil
	}
	delete(doc.Sessions, threadID)
	return s.write(doc)
}

// Update applies fn to the record for a thread (creating it when absent)
// and persists the result in one read-modify-write under the store lock.
func (s *Store) Update(threadID string, fn func(*PersistedSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	ps := doc.Sessions[threadID]
	ps.ThreadID = threadID
	fn(&ps)
	doc.Sessions[threadID] = ps
	return s.write(doc)
}

// Touch stamps the record's last-activity time.
func (s *Store) Touch(threadID string, now time.Time) error {
	return s.Update(threadID, func(ps *PersistedSession) {
		ps.LastActivityAt = &now
	})
}
