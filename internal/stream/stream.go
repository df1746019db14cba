// Package stream composes the assistant's reply for one turn into chat
// posts: text and tool segments accumulate into a streamed post edited
// under a debounce, and finalize splits the final prose into its own post.
package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/log"
	"github.com/earlbot/earl/internal/session"
)

// DefaultDebounce limits how often the streamed post is edited.
const DefaultDebounce = 300 * time.Millisecond

const typingInterval = 3 * time.Second

const (
	kindText = iota
	kindTool
)

type segment struct {
	kind int
	text string
}

// Response accumulates one turn's reply. A Response is short-lived:
// created when a turn starts, released by Finalize. Safe for concurrent
// use, though events normally arrive from a single reader goroutine.
type Response struct {
	client    chat.Client
	channelID string
	threadID  string
	debounce  time.Duration

	ctx context.Context

	mu           sync.Mutex
	replyPostID  string
	createFailed bool
	segments     []segment
	imageRefs    []session.ImageRef
	imagePaths   []string
	lastEditAt   time.Time
	timer        *time.Timer
	timerPending bool

	typingCancel context.CancelFunc
	typingDone   chan struct{}
}

// New creates a response for one turn in the given thread.
func New(ctx context.Context, client chat.Client, channelID, threadID string, debounce time.Duration) *Response {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Response{
		client:    client,
		channelID: channelID,
		threadID:  threadID,
		debounce:  debounce,
		ctx:       ctx,
	}
}

// fullText joins all segments. Callers must hold r.mu.
func (r *Response) fullText() string {
	parts := make([]string, 0, len(r.segments))
	for _, seg := range r.segments {
		parts = append(parts, seg.text)
	}
	return strings.Join(parts, "\n\n")
}

// StartTyping emits periodic typing indicators until StopTyping,
// Finalize, or a transport error. Errors end the task silently.
func (r *Response) StartTyping() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.typingCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})
	r.typingCancel = cancel
	r.typingDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()

		if err := r.client.SendTyping(ctx, r.channelID, r.threadID); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.client.SendTyping(ctx, r.channelID, r.threadID); err != nil {
					return
				}
			}
		}
	}()
}

// StopTyping halts the typing task and waits for it to exit. Idempotent.
func (r *Response) StopTyping() {
	r.mu.Lock()
	cancel := r.typingCancel
	done := r.typingDone
	r.typingCancel = nil
	r.typingDone = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// OnText appends an assistant text chunk and creates or edits the
// streamed post, debouncing edits.
func (r *Response) OnText(chunk string) {
	r.StopTyping()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.segments = append(r.segments, segment{kind: kindText, text: chunk})

	switch {
	case r.replyPostID == "" && !r.createFailed:
		r.createLocked()
	case r.replyPostID != "" && time.Since(r.lastEditAt) >= r.debounce:
		r.editLocked(r.fullText())
	case r.replyPostID != "" && !r.timerPending:
		r.timerPending = true
		r.timer = time.AfterFunc(r.debounce, r.flushTimer)
	}
}

// OnToolUse appends a formatted tool segment and updates the post
// immediately. AskUserQuestion is mediated elsewhere and skipped here.
func (r *Response) OnToolUse(tu session.ToolUse) {
	if tu.Name == "AskUserQuestion" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.segments = append(r.segments, segment{kind: kindTool, text: formatToolUse(tu)})

	switch {
	case r.replyPostID == "" && !r.createFailed:
		r.createLocked()
	case r.replyPostID != "":
		r.editLocked(r.fullText())
	}
}

// OnToolResult stashes image references for end-of-turn upload.
func (r *Response) OnToolResult(tr session.ToolResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.imageRefs = append(r.imageRefs, tr.Images...)
	r.imagePaths = append(r.imagePaths, tr.Texts...)
}

// createLocked creates the streamed post. A response whose first create
// fails never retries for the rest of the turn. Callers must hold r.mu.
func (r *Response) createLocked() {
	post, err := r.client.CreatePost(r.ctx, &chat.Post{
		ChannelID: r.channelID,
		RootID:    r.threadID,
		Message:   r.fullText(),
	})
	if err != nil || post == nil || post.ID == "" {
		r.createFailed = true
		log.ErrorErr(log.CatStream, "creating streamed post", err, "thread", r.threadID)
		return
	}
	r.replyPostID = post.ID
	r.lastEditAt = time.Now()
}

// editLocked edits the streamed post with the given body. Callers must
// hold r.mu.
func (r *Response) editLocked(body string) {
	if err := r.client.UpdatePost(r.ctx, r.replyPostID, body); err != nil {
		log.Warn(log.CatStream, "editing streamed post", "thread", r.threadID, "error", err)
	}
	r.lastEditAt = time.Now()
}

// flushTimer is the debounce timer body: one edit with the current text.
func (r *Response) flushTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.timerPending {
		return
	}
	r.timerPending = false
	if r.replyPostID != "" {
		r.editLocked(r.fullText())
	}
}

// Finalize settles the streamed post and releases every owned resource.
// For a pure-text reply the streamed post simply gets the final text.
// Mixed replies keep tool noise in the streamed post and move the final
// prose into a fresh post, then attached images are uploaded.
func (r *Response) Finalize() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timerPending = false
	}
	r.mu.Unlock()

	r.StopTyping()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.segments) == 0 && r.replyPostID == "" {
		r.uploadImagesLocked()
		return
	}

	if len(r.segments) == 1 && r.segments[0].kind == kindText {
		if r.replyPostID != "" {
			r.editLocked(r.segments[0].text)
		}
		r.uploadImagesLocked()
		return
	}

	// Mixed content: pull the final prose out of the streamed post.
	lastText := -1
	for i := len(r.segments) - 1; i >= 0; i-- {
		if r.segments[i].kind == kindText {
			lastText = i
			break
		}
	}
	if lastText == -1 {
		if r.replyPostID != "" {
			r.editLocked(r.fullText())
		}
		r.uploadImagesLocked()
		return
	}

	final := r.segments[lastText].text
	r.segments = append(r.segments[:lastText], r.segments[lastText+1:]...)

	if r.replyPostID != "" && len(r.segments) > 0 {
		r.editLocked(r.fullText())
	}

	if _, err := r.client.CreatePost(r.ctx, &chat.Post{
		ChannelID: r.channelID,
		RootID:    r.threadID,
		Message:   final,
	}); err != nil {
		log.ErrorErr(log.CatStream, "posting final text", err, "thread", r.threadID)
	}

	r.uploadImagesLocked()
}

// uploadImagesLocked uploads attached images and posts them in one
// message. Skipped silently when every upload fails. Callers must hold
// r.mu.
func (r *Response) uploadImagesLocked() {
	if len(r.imageRefs) == 0 && len(r.imagePaths) == 0 {
		return
	}

	var fileIDs []string
	for i, ref := range r.imageRefs {
		data, err := base64.StdEncoding.DecodeString(ref.Data)
		if err != nil {
			log.Warn(log.CatStream, "decoding inline image", "thread", r.threadID, "error", err)
			continue
		}
		name := fmt.Sprintf("image-%d%s", i+1, extensionFor(ref.MediaType))
		id, err := r.client.UploadFile(r.ctx, r.channelID, name, data)
		if err != nil {
			log.Warn(log.CatStream, "uploading inline image", "thread", r.threadID, "error", err)
			continue
		}
		fileIDs = append(fileIDs, id)
	}
	for _, path := range r.imagePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn(log.CatStream, "reading image file", "thread", r.threadID, "path", path, "error", err)
			continue
		}
		id, err := r.client.UploadFile(r.ctx, r.channelID, filepath.Base(path), data)
		if err != nil {
			log.Warn(log.CatStream, "uploading image file", "thread", r.threadID, "path", path, "error", err)
			continue
		}
		fileIDs = append(fileIDs, id)
	}
	r.imageRefs = nil
	r.imagePaths = nil

	if len(fileIDs) == 0 {
		return
	}
	if _, err := r.client.CreatePost(r.ctx, &chat.Post{
		ChannelID: r.channelID,
		RootID:    r.threadID,
		FileIDs:   fileIDs,
	}); err != nil {
		log.ErrorErr(log.CatStream, "posting images", err, "thread", r.threadID)
	}
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
