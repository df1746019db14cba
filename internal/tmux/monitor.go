package tmux

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/log"
)

// DefaultPollInterval is how often panes are captured when no override
// is configured.
const DefaultPollInterval = 45 * time.Second

// SessionInfo binds one multiplexer session to a chat thread.
type SessionInfo struct {
	Name       string    `json:"name"`
	ThreadID   string    `json:"thread_id"`
	ChannelID  string    `json:"channel_id"`
	WorkingDir string    `json:"working_dir,omitempty"`
	Prompt     string    `json:"prompt,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type pendingKind int

const (
	pendingQuestion pendingKind = iota
	pendingPermission
)

type pendingEntry struct {
	session     string
	kind        pendingKind
	optionCount int
}

var questionEmojis = []string{"one", "two", "three", "four"}

var questionEmojiIndex = map[string]int{
	"one":   0,
	"two":   1,
	"three": 2,
	"four":  3,
}

// Monitor polls registered sessions and posts state-change alerts.
type Monitor struct {
	client         chat.Client
	mux            Multiplexer
	path           string
	interval       time.Duration
	stallThreshold int

	mu          sync.Mutex
	sessions    map[string]SessionInfo
	lastState   map[string]State
	lastHash    map[string]uint64
	stallStreak map[string]int
	pending     map[string]pendingEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor persisting its registry at path. Interval
// zero or below falls back to the default; tests may poll directly.
func NewMonitor(client chat.Client, mux Multiplexer, path string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	m := &Monitor{
		client:         client,
		mux:            mux,
		path:           path,
		interval:       interval,
		stallThreshold: DefaultStallThreshold,
		sessions:       make(map[string]SessionInfo),
		lastState:      make(map[string]State),
		lastHash:       make(map[string]uint64),
		stallStreak:    make(map[string]int),
		pending:        make(map[string]pendingEntry),
	}
	m.load()
	return m
}

// Register adds a session and persists the registry. A zero CreatedAt
// is stamped with the registration time.
func (m *Monitor) Register(info SessionInfo) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[info.Name] = info
	return m.saveLocked()
}

// Unregister removes a session, its pending interactions, and its state.
func (m *Monitor) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(name)
	return m.saveLocked()
}

// Sessions lists the registered sessions.
func (m *Monitor) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, info := range m.sessions {
		out = append(out, info)
	}
	return out
}

// dropLocked removes all traces of a session. Callers must hold m.mu.
func (m *Monitor) dropLocked(name string) {
	delete(m.sessions, name)
	delete(m.lastState, name)
	delete(m.lastHash, name)
	delete(m.stallStreak, name)
	for postID, entry := range m.pending {
		if entry.session == name {
			delete(m.pending, postID)
		}
	}
}

func (m *Monitor) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatTmux, "reading tmux registry", "path", m.path, "error", err)
		}
		return
	}
	var infos []SessionInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		log.Warn(log.CatTmux, "malformed tmux registry, starting empty", "path", m.path, "error", err)
		return
	}
	for _, info := range infos {
		m.sessions[info.Name] = info
	}
}

// saveLocked persists the registry atomically. Callers must hold m.mu.
func (m *Monitor) saveLocked() error {
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, info := range m.sessions {
		infos = append(infos, info)
	}
	data, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling tmux registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp registry: %w", err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0600); err == nil {
		_, err = tmp.Write(data)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing tmux registry: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming tmux registry: %w", err)
	}
	return nil
}

// Start launches the poll loop. Stop cancels and joins it.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	}()
}

// Stop halts the poll loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Poll runs one monitoring pass over every registered session. Errors
// are logged per session and never abort the pass.
func (m *Monitor) Poll(ctx context.Context) {
	for _, info := range m.Sessions() {
		m.pollOne(ctx, info)
	}
}

func (m *Monitor) pollOne(ctx context.Context, info SessionInfo) {
	if !m.mux.HasSession(info.Name) {
		m.post(ctx, info, fmt.Sprintf(":tombstone: tmux session `%s` no longer exists.", info.Name))
		m.mu.Lock()
		m.dropLocked(info.Name)
		if err := m.saveLocked(); err != nil {
			log.ErrorErr(log.CatTmux, "persisting tmux registry", err)
		}
		m.mu.Unlock()
		return
	}

	capture, err := m.mux.CapturePane(info.Name)
	if err != nil {
		log.Warn(log.CatTmux, "capturing pane", "session", info.Name, "error", err)
		return
	}

	m.mu.Lock()
	hash := hashCapture(capture)
	if m.lastHash[info.Name] == hash && m.stallStreak[info.Name] > 0 {
		m.stallStreak[info.Name]++
	} else {
		m.stallStreak[info.Name] = 1
	}
	m.lastHash[info.Name] = hash
	stalled := m.stallStreak[info.Name] >= m.stallThreshold

	state := classify(capture, stalled)
	previous, seen := m.lastState[info.Name]
	m.lastState[info.Name] = state

	hasPending := false
	for _, entry := range m.pending {
		if entry.session == info.Name {
			hasPending = true
			break
		}
	}
	m.mu.Unlock()

	if seen && previous == state {
		return
	}

	switch state {
	case StateCompleted:
		m.post(ctx, info, fmt.Sprintf("✅ `%s` finished.", info.Name))
	case StateErrored:
		m.post(ctx, info, fmt.Sprintf("❌ `%s` hit an error:\n```\n%s\n```", info.Name, tailText(capture, 10)))
	case StateStalled:
		m.post(ctx, info, fmt.Sprintf("⏳ `%s` looks stalled (no output change).", info.Name))
	case StateQuestion:
		if !hasPending {
			m.postQuestion(ctx, info, capture)
		}
	case StatePermission:
		if !hasPending {
			m.postPermission(ctx, info)
		}
	case StateRunning:
		// No alert.
	}
}

func (m *Monitor) post(ctx context.Context, info SessionInfo, message string) {
	if _, err := m.client.CreatePost(ctx, &chat.Post{
		ChannelID: info.ChannelID,
		RootID:    info.ThreadID,
		Message:   message,
	}); err != nil {
		log.ErrorErr(log.CatTmux, "posting alert", err, "session", info.Name)
	}
}

func (m *Monitor) postQuestion(ctx context.Context, info SessionInfo, capture string) {
	q := parseQuestion(capture)
	if q == nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "❓ `%s` is asking:\n%s", info.Name, q.Text)
	for i, opt := range q.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}

	post, err := m.client.CreatePost(ctx, &chat.Post{
		ChannelID: info.ChannelID,
		RootID:    info.ThreadID,
		Message:   b.String(),
	})
	if err != nil || post == nil || post.ID == "" {
		log.ErrorErr(log.CatTmux, "posting question", err, "session", info.Name)
		return
	}

	m.mu.Lock()
	m.pending[post.ID] = pendingEntry{session: info.Name, kind: pendingQuestion, optionCount: len(q.Options)}
	m.mu.Unlock()

	for i := range q.Options {
		if err := m.client.AddReaction(ctx, post.ID, questionEmojis[i]); err != nil {
			log.Warn(log.CatTmux, "adding reaction", "post", post.ID, "error", err)
		}
	}
}

func (m *Monitor) postPermission(ctx context.Context, info SessionInfo) {
	post, err := m.client.CreatePost(ctx, &chat.Post{
		ChannelID: info.ChannelID,
		RootID:    info.ThreadID,
		Message:   fmt.Sprintf("🔒 `%s` is asking for permission. React ✅ to allow or ❌ to deny.", info.Name),
	})
	if err != nil || post == nil || post.ID == "" {
		log.ErrorErr(log.CatTmux, "posting permission prompt", err, "session", info.Name)
		return
	}

	m.mu.Lock()
	m.pending[post.ID] = pendingEntry{session: info.Name, kind: pendingPermission}
	m.mu.Unlock()

	for _, emoji := range []string{"white_check_mark", "x"} {
		if err := m.client.AddReaction(ctx, post.ID, emoji); err != nil {
			log.Warn(log.CatTmux, "adding reaction", "post", post.ID, "error", err)
		}
	}
}

// HandleReaction answers a pending pane prompt. Questions send the
// 1-based option digit, permissions send y or n. The pending entry is
// kept when keystroke delivery fails so the user can retry.
func (m *Monitor) HandleReaction(postID, emojiName string) bool {
	m.mu.Lock()
	entry, ok := m.pending[postID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	var keys string
	switch entry.kind {
	case pendingQuestion:
		index, ok := questionEmojiIndex[emojiName]
		if !ok || index >= entry.optionCount {
			return false
		}
		keys = strconv.Itoa(index + 1)
	case pendingPermission:
		switch emojiName {
		case "white_check_mark":
			keys = "y"
		case "x":
			keys = "n"
		default:
			return false
		}
	}

	if err := m.mux.SendKeys(entry.session, keys); err != nil {
		log.ErrorErr(log.CatTmux, "sending keystrokes", err, "session", entry.session)
		return false
	}

	m.mu.Lock()
	delete(m.pending, postID)
	m.mu.Unlock()
	return true
}

func hashCapture(capture string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(capture))
	return h.Sum64()
}

func tailText(capture string, n int) string {
	lines := strings.Split(capture, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
