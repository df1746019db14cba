package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/chat/chattest"
	"github.com/earlbot/earl/internal/config"
	"github.com/earlbot/earl/internal/store"
)

var ctx = context.Background()

func newTestRunner(t *testing.T) (*Runner, *chattest.Fake, *config.Config) {
	t.Helper()

	root := t.TempDir()
	cfg := &config.Config{
		MattermostURL:    "http://localhost:8065",
		WebSocketURL:     "ws://localhost:8065/api/v4/websocket",
		BotToken:         "token",
		Channels:         []config.ChannelConfig{{ID: "channel-1", WorkingDir: t.TempDir()}},
		Debounce:         10 * time.Millisecond,
		IdleTimeout:      time.Hour,
		TmuxPollInterval: time.Hour,
		Root:             root,
		ClaudeHome:       root + "/claude-home",
	}
	require.NoError(t, cfg.EnsureRoot())

	fake := chattest.NewFake()
	r, err := New(cfg, fake)
	require.NoError(t, err)
	r.botID = "bot-id"
	t.Cleanup(func() { r.mcpServer.Stop(ctx) })
	return r, fake, cfg
}

func TestSenderAllowedEmptyListSkipsLookup(t *testing.T) {
	r, fake, _ := newTestRunner(t)

	assert.True(t, r.senderAllowed(ctx, "user-1", ""))
	assert.Empty(t, fake.CallsTo("GetUser"), "empty allow-list needs no lookup")
}

func TestSenderAllowedUsesSenderName(t *testing.T) {
	r, fake, cfg := newTestRunner(t)
	cfg.AllowedUsers = []string{"alice"}

	assert.True(t, r.senderAllowed(ctx, "user-1", "@alice"))
	assert.False(t, r.senderAllowed(ctx, "user-2", "@mallory"))
	assert.Empty(t, fake.CallsTo("GetUser"), "sender name avoids the lookup")
}

func TestSenderAllowedLookupIsCached(t *testing.T) {
	r, fake, cfg := newTestRunner(t)
	cfg.AllowedUsers = []string{"alice"}
	fake.Users["user-1"] = &chat.User{ID: "user-1", Username: "alice"}

	assert.True(t, r.senderAllowed(ctx, "user-1", ""))
	assert.True(t, r.senderAllowed(ctx, "user-1", ""))
	assert.Len(t, fake.CallsTo("GetUser"), 1, "second check hits the cache")
}

func TestSenderAllowedLookupFailureDrops(t *testing.T) {
	r, _, cfg := newTestRunner(t)
	cfg.AllowedUsers = []string{"alice"}

	assert.False(t, r.senderAllowed(ctx, "user-unknown", ""))
}

func TestOnPostedIgnoresOwnPosts(t *testing.T) {
	r, fake, _ := newTestRunner(t)

	r.onPosted(&chat.Post{ID: "p1", ChannelID: "channel-1", UserID: "bot-id", Message: "!help"}, "earl")
	assert.Empty(t, fake.Calls)
}

func TestOnPostedIgnoresUnknownChannels(t *testing.T) {
	r, fake, _ := newTestRunner(t)

	r.onPosted(&chat.Post{ID: "p1", ChannelID: "elsewhere", UserID: "user-1", Message: "!help"}, "alice")
	assert.Empty(t, fake.Calls)
}

func TestOnPostedCommandPath(t *testing.T) {
	r, fake, _ := newTestRunner(t)

	r.onPosted(&chat.Post{ID: "p1", ChannelID: "channel-1", UserID: "user-1", Message: "!help"}, "alice")

	post := fake.LastPost()
	require.NotNil(t, post)
	assert.Contains(t, post.Message, "Earl commands")
	assert.False(t, r.queue.Busy("p1"), "commands bypass the queue")
}

func TestDispatchDroppedWhileShuttingDown(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.Shutdown()

	r.dispatch("thread-1", "channel-1", "hello")
	assert.False(t, r.queue.Busy("thread-1"))
}

func TestShouldNudgeForFixes(t *testing.T) {
	r, _, _ := newTestRunner(t)
	long := strings.Repeat("x", analysisMinLength)

	cases := []struct {
		name  string
		reply string
		want  bool
	}{
		{"short analysis", "## Root Cause\nbrief", false},
		{"no heading", long, false},
		{"root cause", "## Root Cause Analysis\n" + long, true},
		{"what went wrong lowercase", "## what went wrong\n" + long, true},
		{"already has fixes", "## Root Cause\n" + long + "\n## Suggested Fixes\n- do it", false},
		{"already has recommended fix", "## Root Cause\n" + long + "\n## Recommended Fix\n- do it", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			thread := "thread-" + tc.name
			assert.Equal(t, tc.want, r.shouldNudgeForFixes(thread, tc.reply))
		})
	}
}

func TestNudgeFiresOncePerThread(t *testing.T) {
	r, _, _ := newTestRunner(t)
	reply := "## Root Cause\n" + strings.Repeat("x", analysisMinLength)

	assert.True(t, r.shouldNudgeForFixes("thread-1", reply))
	assert.False(t, r.shouldNudgeForFixes("thread-1", reply))
	assert.True(t, r.shouldNudgeForFixes("thread-2", reply))
}

func TestTranscriptPreamble(t *testing.T) {
	r, fake, _ := newTestRunner(t)

	root, err := fake.CreatePost(ctx, &chat.Post{ChannelID: "channel-1", UserID: "user-1", Message: "how do I deploy?"})
	require.NoError(t, err)
	_, err = fake.CreatePost(ctx, &chat.Post{ChannelID: "channel-1", RootID: root.ID, UserID: "user-1", Message: "what is broken?"})
	require.NoError(t, err)

	got := r.transcriptPreamble(ctx, root.ID, "what is broken?")
	assert.Contains(t, got, "User: how do I deploy?")
	assert.True(t, strings.HasSuffix(got, "User's latest message: what is broken?"))
	assert.Equal(t, 1, strings.Count(got, "what is broken?"), "current message appears only as the latest line")
}

func TestTranscriptPreambleLabelsBotPosts(t *testing.T) {
	r, fake, _ := newTestRunner(t)

	root, err := fake.CreatePost(ctx, &chat.Post{ChannelID: "channel-1", UserID: "bot-id", Message: "Deployed."})
	require.NoError(t, err)

	got := r.transcriptPreamble(ctx, root.ID, "thanks, now what?")
	assert.Contains(t, got, "EARL: Deployed.")
}

func TestTranscriptPreambleEmptyWithoutHistory(t *testing.T) {
	r, _, _ := newTestRunner(t)
	assert.Empty(t, r.transcriptPreamble(ctx, "no-such-thread", "hello"))
}

func TestDeliverAnswerUnknownToolUse(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.deliverAnswer("tool-use-unknown", "The user answered:\nQ: A")
}

func TestReactionWithNoPendingWorkIsSilent(t *testing.T) {
	r, fake, _ := newTestRunner(t)

	r.onReaction(&chat.Reaction{UserID: "user-1", PostID: "post-9", EmojiName: "one"})
	assert.Empty(t, fake.CallsTo("CreatePost"))
}

func TestReapIdlePausesStaleSessions(t *testing.T) {
	r, fake, cfg := newTestRunner(t)

	st := store.New(cfg.SessionsFile())
	stale := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-time.Minute)
	require.NoError(t, st.Save(store.PersistedSession{
		ThreadID: "thread-stale", ChannelID: "channel-1", LastActivityAt: &stale,
	}))
	require.NoError(t, st.Save(store.PersistedSession{
		ThreadID: "thread-fresh", ChannelID: "channel-1", LastActivityAt: &recent,
	}))
	require.NoError(t, st.Save(store.PersistedSession{
		ThreadID: "thread-untimed", ChannelID: "channel-1",
	}))

	r.reapIdle(ctx, time.Now())

	ps, ok := r.registry.Record("thread-stale")
	require.True(t, ok)
	assert.True(t, ps.IsPaused)

	ps, ok = r.registry.Record("thread-fresh")
	require.True(t, ok)
	assert.False(t, ps.IsPaused)

	ps, ok = r.registry.Record("thread-untimed")
	require.True(t, ok)
	assert.False(t, ps.IsPaused, "missing timestamps are skipped")

	posts := fake.CallsTo("CreatePost")
	require.Len(t, posts, 1)
	assert.Contains(t, posts[0].Body, "inactivity")
}

func TestSweepStaleConfigsKeepsResumableSessions(t *testing.T) {
	r, _, cfg := newTestRunner(t)

	st := store.New(cfg.SessionsFile())
	require.NoError(t, st.Save(store.PersistedSession{
		ThreadID:        "thread-1",
		ChannelID:       "channel-1",
		ClaudeSessionID: "sess-keep",
	}))

	keep := filepath.Join(cfg.MCPDir(), "earl-mcp-sess-keep.json")
	stale := filepath.Join(cfg.MCPDir(), "earl-mcp-sess-stale.json")
	require.NoError(t, os.WriteFile(keep, []byte("{}"), 0600))
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0600))

	r.sweepStaleConfigs()

	_, err := os.Stat(keep)
	assert.NoError(t, err, "configs of persisted sessions survive the startup sweep")
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "orphaned configs are pruned")
}

func TestSweepStaleConfigsWithNoSessionsRemovesAll(t *testing.T) {
	r, _, cfg := newTestRunner(t)

	stale := filepath.Join(cfg.MCPDir(), "earl-mcp-sess-old.json")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0600))

	r.sweepStaleConfigs()

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestRestartContextRoundTrip(t *testing.T) {
	r, fake, cfg := newTestRunner(t)

	r.writeRestartContext("thread-1", "channel-1", true)
	_, err := os.Stat(cfg.RestartContextFile())
	require.NoError(t, err)

	r.postRestartNotice(ctx)

	post := fake.LastPost()
	require.NotNil(t, post)
	assert.Contains(t, post.Message, "update")
	assert.Equal(t, "thread-1", post.RootID)

	_, err = os.Stat(cfg.RestartContextFile())
	assert.True(t, os.IsNotExist(err), "notice is posted once")
}

func TestRestartNoticeWithoutContextIsSilent(t *testing.T) {
	r, fake, _ := newTestRunner(t)
	r.postRestartNotice(ctx)
	assert.Empty(t, fake.CallsTo("CreatePost"))
}

func TestRequestRestartSetsFlags(t *testing.T) {
	r, _, cfg := newTestRunner(t)

	r.requestRestart("thread-1", "channel-1", true)

	assert.True(t, r.RestartRequested())
	assert.True(t, r.UpdateRequested())
	select {
	case <-r.shutdownCh:
	default:
		t.Fatal("restart must trigger shutdown")
	}

	_, err := os.Stat(cfg.RestartContextFile())
	assert.NoError(t, err)

	r.Shutdown()
}
