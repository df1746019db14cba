package tmux

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earlbot/earl/internal/chat/chattest"
)

type fakeMux struct {
	mu       sync.Mutex
	captures map[string]string
	missing  map[string]bool
	sent     []string
	sendErr  error
}

func newFakeMux() *fakeMux {
	return &fakeMux{captures: make(map[string]string), missing: make(map[string]bool)}
}

func (f *fakeMux) HasSession(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.missing[name]
}

func (f *fakeMux) CapturePane(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[name], nil
}

func (f *fakeMux) SendKeys(name, keys string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fmt.Sprintf("%s:%s", name, keys))
	return nil
}

func (f *fakeMux) setCapture(name, capture string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[name] = capture
}

var _ Multiplexer = (*fakeMux)(nil)

func newTestMonitor(t *testing.T) (*Monitor, *chattest.Fake, *fakeMux) {
	t.Helper()
	fake := chattest.NewFake()
	mux := newFakeMux()
	m := NewMonitor(fake, mux, filepath.Join(t.TempDir(), "tmux_sessions.json"), 0)
	return m, fake, mux
}

func register(t *testing.T, m *Monitor, name string) SessionInfo {
	t.Helper()
	info := SessionInfo{Name: name, ThreadID: "thread-" + name, ChannelID: "channel-1"}
	require.NoError(t, m.Register(info))
	return info
}

func TestRegistryPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmux_sessions.json")
	m := NewMonitor(chattest.NewFake(), newFakeMux(), path, 0)
	require.NoError(t, m.Register(SessionInfo{
		Name:       "build",
		ThreadID:   "t1",
		ChannelID:  "c1",
		WorkingDir: "/srv/build",
		Prompt:     "run the release build",
	}))

	reloaded := NewMonitor(chattest.NewFake(), newFakeMux(), path, 0)
	sessions := reloaded.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "build", sessions[0].Name)
	assert.Equal(t, "t1", sessions[0].ThreadID)
	assert.Equal(t, "/srv/build", sessions[0].WorkingDir)
	assert.Equal(t, "run the release build", sessions[0].Prompt)
	assert.False(t, sessions[0].CreatedAt.IsZero(), "registration time is stamped and persisted")
}

func TestRegisterKeepsExplicitCreatedAt(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	created := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	require.NoError(t, m.Register(SessionInfo{Name: "build", ThreadID: "t1", ChannelID: "c1", CreatedAt: created}))

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].CreatedAt.Equal(created))
}

func TestCompletionAlertPostedOnceOnStateChange(t *testing.T) {
	m, fake, mux := newTestMonitor(t)
	register(t, m, "build")

	mux.setCapture("build", "compiling\n")
	m.Poll(context.Background())
	assert.Empty(t, fake.CallsTo("CreatePost"), "running posts nothing")

	mux.setCapture("build", "done\nuser@host$ ")
	m.Poll(context.Background())
	m.Poll(context.Background())

	posts := fake.CallsTo("CreatePost")
	require.Len(t, posts, 1, "unchanged state must not re-alert")
	assert.Contains(t, posts[0].Body, "✅")
	assert.Equal(t, "thread-build", posts[0].Extra)
}

func TestErrorAlertIncludesTail(t *testing.T) {
	m, fake, mux := newTestMonitor(t)
	register(t, m, "deploy")

	capture := ""
	for i := 1; i <= 12; i++ {
		capture += fmt.Sprintf("line %d\n", i)
	}
	capture += "Error: deploy failed"
	mux.setCapture("deploy", capture)
	m.Poll(context.Background())

	post := fake.LastPost()
	require.NotNil(t, post)
	assert.Contains(t, post.Message, "❌")
	assert.Contains(t, post.Message, "Error: deploy failed")
	assert.NotContains(t, post.Message, "line 1\n", "only the tail is quoted")
	assert.Contains(t, post.Message, "line 12")
}

func TestStallRequiresExactThreshold(t *testing.T) {
	m, fake, mux := newTestMonitor(t)
	register(t, m, "job")
	mux.setCapture("job", "working\n")

	for i := 0; i < DefaultStallThreshold-1; i++ {
		m.Poll(context.Background())
	}
	assert.Empty(t, fake.CallsTo("CreatePost"), "below threshold stays running")

	m.Poll(context.Background())
	posts := fake.CallsTo("CreatePost")
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].Body, "⏳")
}

func TestDifferingCaptureResetsStallCounter(t *testing.T) {
	m, fake, mux := newTestMonitor(t)
	register(t, m, "job")

	mux.setCapture("job", "working\n")
	for i := 0; i < DefaultStallThreshold-1; i++ {
		m.Poll(context.Background())
	}
	mux.setCapture("job", "working harder\n")
	m.Poll(context.Background())
	for i := 0; i < DefaultStallThreshold-2; i++ {
		m.Poll(context.Background())
	}
	assert.Empty(t, fake.CallsTo("CreatePost"), "counter restarts after a change")

	m.Poll(context.Background())
	assert.Len(t, fake.CallsTo("CreatePost"), 1)
}

func TestDeadSessionTombstone(t *testing.T) {
	m, fake, mux := newTestMonitor(t)
	register(t, m, "gone")
	mux.missing["gone"] = true

	m.Poll(context.Background())

	post := fake.LastPost()
	require.NotNil(t, post)
	assert.Contains(t, post.Message, ":tombstone:")
	assert.Contains(t, post.Message, "gone")
	assert.Empty(t, m.Sessions(), "dead session is unregistered")

	m.Poll(context.Background())
	assert.Len(t, fake.CallsTo("CreatePost"), 1, "tombstone posts once")
}

func TestQuestionFlow(t *testing.T) {
	m, fake, mux := newTestMonitor(t)
	register(t, m, "cli")
	mux.setCapture("cli", "Which branch should I merge?\n 1. main\n 2. develop\n")

	m.Poll(context.Background())

	post := fake.LastPost()
	require.NotNil(t, post)
	assert.Contains(t, post.Message, "Which branch should I merge?")
	assert.Contains(t, post.Message, "1. main")
	assert.Equal(t, []string{"one", "two"}, fake.Reactions[post.ID])

	// An emoji beyond the option count is ignored.
	assert.False(t, m.HandleReaction(post.ID, "three"))
	assert.Empty(t, mux.sent)

	assert.True(t, m.HandleReaction(post.ID, "two"))
	assert.Equal(t, []string{"cli:2"}, mux.sent)

	assert.False(t, m.HandleReaction(post.ID, "two"), "answered prompt is cleared")
}

func TestPermissionFlow(t *testing.T) {
	m, fake, mux := newTestMonitor(t)
	register(t, m, "cli")
	mux.setCapture("cli", "Do you want to edit main.go?\nAllow\nDeny\n")

	m.Poll(context.Background())

	post := fake.LastPost()
	require.NotNil(t, post)
	assert.Contains(t, post.Message, "🔒")
	assert.Equal(t, []string{"white_check_mark", "x"}, fake.Reactions[post.ID])

	assert.True(t, m.HandleReaction(post.ID, "x"))
	assert.Equal(t, []string{"cli:n"}, mux.sent)
}

func TestPendingPromptNotReposted(t *testing.T) {
	m, fake, mux := newTestMonitor(t)
	register(t, m, "cli")
	mux.setCapture("cli", "Do you want to continue?\nAllow\nDeny\n")

	m.Poll(context.Background())
	// Pane flickers through running and back to the same prompt.
	mux.setCapture("cli", "redrawing\n")
	m.Poll(context.Background())
	mux.setCapture("cli", "Do you want to continue?\nAllow\nDeny\n")
	m.Poll(context.Background())

	assert.Len(t, fake.CallsTo("CreatePost"), 1, "unanswered prompt is not reposted")
}

func TestSendFailureKeepsPending(t *testing.T) {
	m, fake, mux := newTestMonitor(t)
	register(t, m, "cli")
	mux.setCapture("cli", "Do you want to continue?\nAllow\nDeny\n")
	m.Poll(context.Background())

	post := fake.LastPost()
	require.NotNil(t, post)

	mux.sendErr = errors.New("no server running")
	assert.False(t, m.HandleReaction(post.ID, "white_check_mark"))

	mux.sendErr = nil
	assert.True(t, m.HandleReaction(post.ID, "white_check_mark"), "retry succeeds after transient failure")
}

func TestHandleReactionIgnoresForeignPosts(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	assert.False(t, m.HandleReaction("unrelated-post", "one"))
}
