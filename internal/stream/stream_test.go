package stream

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earlbot/earl/internal/chat/chattest"
	"github.com/earlbot/earl/internal/session"
)

func newResponse(fake *chattest.Fake, debounce time.Duration) *Response {
	return New(context.Background(), fake, "channel-1", "thread-1", debounce)
}

func toolUse(name, input string) session.ToolUse {
	return session.ToolUse{ID: "tu_1", Name: name, Input: json.RawMessage(input)}
}

func TestTextOnlyTurn(t *testing.T) {
	fake := chattest.NewFake()
	r := newResponse(fake, 50*time.Millisecond)

	r.OnText("Hi there.")
	r.Finalize()

	creates := fake.CallsTo("CreatePost")
	require.Len(t, creates, 1)
	assert.Equal(t, "Hi there.", creates[0].Body)
	assert.Equal(t, "thread-1", creates[0].Extra)

	updates := fake.CallsTo("UpdatePost")
	require.NotEmpty(t, updates)
	assert.Equal(t, "Hi there.", updates[len(updates)-1].Body)
}

func TestDebounceCollapsesRapidEdits(t *testing.T) {
	fake := chattest.NewFake()
	r := newResponse(fake, 150*time.Millisecond)

	r.OnText("first")
	r.OnText(" second")
	r.OnText(" third")

	time.Sleep(300 * time.Millisecond)

	require.Len(t, fake.CallsTo("CreatePost"), 1)
	updates := fake.CallsTo("UpdatePost")
	require.Len(t, updates, 1, "rapid chunks must collapse into one edit")
	assert.Equal(t, "first\n\n second\n\n third", updates[0].Body)
}

func TestToolUseThenTextFinalize(t *testing.T) {
	fake := chattest.NewFake()
	r := newResponse(fake, time.Millisecond)

	r.OnText("Checking.")
	r.OnToolUse(toolUse("Bash", `{"command":"ls"}`))
	time.Sleep(10 * time.Millisecond)
	r.OnText("Done.")
	r.Finalize()

	creates := fake.CallsTo("CreatePost")
	require.Len(t, creates, 2, "streamed post plus the final prose post")
	assert.Equal(t, "Done.", creates[1].Body)

	streamed := fake.Posts[creates[0].PostID]
	require.NotNil(t, streamed)
	assert.Contains(t, streamed.Message, "Checking.")
	assert.Contains(t, streamed.Message, "🔧 `Bash`")
	assert.Contains(t, streamed.Message, "```\nls\n```")
	assert.NotContains(t, streamed.Message, "Done.")
}

func TestToolOnlyTurnKeepsStreamedPost(t *testing.T) {
	fake := chattest.NewFake()
	r := newResponse(fake, time.Millisecond)

	r.OnToolUse(toolUse("Read", `{"file_path":"/tmp/a.go"}`))
	r.Finalize()

	require.Len(t, fake.CallsTo("CreatePost"), 1)
	assert.Contains(t, fake.LastPost().Message, "📖 `Read` /tmp/a.go")
}

func TestAskUserQuestionIsSkipped(t *testing.T) {
	fake := chattest.NewFake()
	r := newResponse(fake, time.Millisecond)

	r.OnToolUse(toolUse("AskUserQuestion", `{"questions":[]}`))
	r.Finalize()

	assert.Empty(t, fake.CallsTo("CreatePost"))
}

func TestCreateFailureNeverRetries(t *testing.T) {
	fake := chattest.NewFake()
	fake.CreateErr = errors.New("boom")
	r := newResponse(fake, time.Millisecond)

	r.OnText("one")
	r.OnText("two")
	r.OnToolUse(toolUse("Bash", `{"command":"ls"}`))
	r.Finalize()

	assert.Len(t, fake.CallsTo("CreatePost"), 1, "a failed create must not be retried within a turn")
	assert.Empty(t, fake.CallsTo("UpdatePost"))
}

func TestEmptyTurnPostsNothing(t *testing.T) {
	fake := chattest.NewFake()
	r := newResponse(fake, time.Millisecond)
	r.Finalize()
	assert.Empty(t, fake.Calls)
}

func TestFinalizeUploadsImagePaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(path, []byte("fake png"), 0600))

	fake := chattest.NewFake()
	r := newResponse(fake, time.Millisecond)

	r.OnText("Took a screenshot.")
	r.OnToolResult(session.ToolResult{Texts: []string{path}})
	r.Finalize()

	uploads := fake.CallsTo("UploadFile")
	require.Len(t, uploads, 1)
	assert.Equal(t, "shot.png", uploads[0].Body)

	creates := fake.CallsTo("CreatePost")
	require.Len(t, creates, 2)
	filePost := fake.Posts[creates[1].PostID]
	require.NotNil(t, filePost)
	assert.Len(t, filePost.FileIDs, 1)
}

func TestFinalizeSkipsPostWhenAllUploadsFail(t *testing.T) {
	fake := chattest.NewFake()
	fake.UploadErr = errors.New("storage down")
	r := newResponse(fake, time.Millisecond)

	r.OnText("done")
	r.OnToolResult(session.ToolResult{Images: []session.ImageRef{{MediaType: "image/png", Data: "aGVsbG8="}}})
	r.Finalize()

	assert.Len(t, fake.CallsTo("CreatePost"), 1, "no file post when every upload failed")
}

func TestTypingStopsOnError(t *testing.T) {
	fake := chattest.NewFake()
	fake.TypingErr = errors.New("transport")
	r := newResponse(fake, time.Millisecond)

	r.StartTyping()
	time.Sleep(20 * time.Millisecond)
	r.StopTyping()

	assert.Len(t, fake.CallsTo("SendTyping"), 1, "typing task must stop after the first error")
}
