// Package question mediates AskUserQuestion tool calls: each question is
// posted to the thread with numbered emoji reactions, answers are
// collected one reaction at a time, and the composed answer text goes
// back to the session.
package question

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/log"
	"github.com/earlbot/earl/internal/session"
)

// ToolName is the tool this mediator intercepts.
const ToolName = "AskUserQuestion"

const maxOptions = 4

var numberEmojis = []string{"one", "two", "three", "four"}

var emojiIndex = map[string]int{
	"one":   0,
	"two":   1,
	"three": 2,
	"four":  3,
}

// Option is one selectable answer.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one question with its ordered options.
type Question struct {
	Text    string   `json:"question"`
	Options []Option `json:"options"`
}

type toolInput struct {
	Questions []Question `json:"questions"`
}

// Result correlates a finished (or failed) interaction back to the tool
// call that started it. AnswerText is empty while questions remain.
type Result struct {
	ToolUseID  string
	AnswerText string
}

type answer struct {
	question string
	label    string
}

type interaction struct {
	toolUseID string
	threadID  string
	channelID string
	current   Question
	remaining []Question
	answers   []answer
}

// Mediator tracks pending question posts by post id.
type Mediator struct {
	client chat.Client

	mu      sync.Mutex
	pending map[string]*interaction
}

// New creates a mediator posting through the given client.
func New(client chat.Client) *Mediator {
	return &Mediator{
		client:  client,
		pending: make(map[string]*interaction),
	}
}

// HandleToolUse intercepts an AskUserQuestion call. Returns nil for other
// tools or empty question lists. A failed question post returns an error
// answer so the caller can complete the tool call.
func (m *Mediator) HandleToolUse(ctx context.Context, threadID, channelID string, tu session.ToolUse) *Result {
	if tu.Name != ToolName {
		return nil
	}
	var input toolInput
	if err := json.Unmarshal(tu.Input, &input); err != nil || len(input.Questions) == 0 {
		return nil
	}

	inter := &interaction{
		toolUseID: tu.ID,
		threadID:  threadID,
		channelID: channelID,
		current:   input.Questions[0],
		remaining: input.Questions[1:],
	}
	if err := m.post(ctx, inter); err != nil {
		log.ErrorErr(log.CatQuestion, "posting question", err, "thread", threadID)
		return &Result{ToolUseID: tu.ID, AnswerText: "Failed to post question"}
	}
	return &Result{ToolUseID: tu.ID}
}

// post creates the question post, records the pending interaction, and
// adds one numbered reaction per option.
func (m *Mediator) post(ctx context.Context, inter *interaction) error {
	post, err := m.client.CreatePost(ctx, &chat.Post{
		ChannelID: inter.channelID,
		RootID:    inter.threadID,
		Message:   renderQuestion(inter.current),
	})
	if err != nil {
		return err
	}
	if post == nil || post.ID == "" {
		return fmt.Errorf("platform returned no post id")
	}

	m.mu.Lock()
	m.pending[post.ID] = inter
	m.mu.Unlock()

	count := len(inter.current.Options)
	if count > maxOptions {
		count = maxOptions
	}
	for i := 0; i < count; i++ {
		if err := m.client.AddReaction(ctx, post.ID, numberEmojis[i]); err != nil {
			log.Warn(log.CatQuestion, "adding option reaction", "post", post.ID, "emoji", numberEmojis[i], "error", err)
		}
	}
	return nil
}

func renderQuestion(q Question) string {
	var b strings.Builder
	b.WriteString(q.Text)
	count := len(q.Options)
	if count > maxOptions {
		count = maxOptions
	}
	for i := 0; i < count; i++ {
		opt := q.Options[i]
		b.WriteString(fmt.Sprintf("\n%d. **%s**", i+1, opt.Label))
		if opt.Description != "" {
			b.WriteString(" — " + opt.Description)
		}
	}
	return b.String()
}

// HandleReaction advances the interaction pending on a post. Unknown
// posts, unknown emojis, and out-of-range indices return nil. The final
// reaction of a sequence yields the composed answer.
func (m *Mediator) HandleReaction(ctx context.Context, postID, emojiName string) *Result {
	index, ok := emojiIndex[emojiName]
	if !ok {
		return nil
	}

	m.mu.Lock()
	inter, ok := m.pending[postID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if index >= len(inter.current.Options) {
		m.mu.Unlock()
		return nil
	}
	delete(m.pending, postID)
	m.mu.Unlock()

	inter.answers = append(inter.answers, answer{
		question: inter.current.Text,
		label:    inter.current.Options[index].Label,
	})

	if err := m.client.DeletePost(ctx, postID); err != nil {
		log.Warn(log.CatQuestion, "deleting question post", "post", postID, "error", err)
	}

	if len(inter.remaining) > 0 {
		inter.current = inter.remaining[0]
		inter.remaining = inter.remaining[1:]
		if err := m.post(ctx, inter); err != nil {
			log.ErrorErr(log.CatQuestion, "posting next question", err, "thread", inter.threadID)
			return &Result{ToolUseID: inter.toolUseID, AnswerText: "Failed to post question"}
		}
		return nil
	}

	return &Result{ToolUseID: inter.toolUseID, AnswerText: composeAnswer(inter.answers)}
}

// DropThread discards pending interactions for a thread, for !stop/!kill.
func (m *Mediator) DropThread(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for postID, inter := range m.pending {
		if inter.threadID == threadID {
			delete(m.pending, postID)
		}
	}
}

func composeAnswer(answers []answer) string {
	var b strings.Builder
	b.WriteString("The user answered:")
	for _, a := range answers {
		b.WriteString(fmt.Sprintf("\n%s: %s", a.question, a.label))
	}
	return b.String()
}
