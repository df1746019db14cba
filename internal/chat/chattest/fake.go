// Package chattest provides an in-memory chat.Client for tests.
package chattest

import (
	"context"
	"fmt"
	"sync"

	"github.com/earlbot/earl/internal/chat"
)

// Call records one method invocation on the fake.
type Call struct {
	Method string
	PostID string
	Body   string
	Extra  string
}

// Fake is an in-memory chat.Client. Every mutation is recorded in order;
// error fields make individual methods fail on demand.
type Fake struct {
	mu     sync.Mutex
	nextID int

	Calls     []Call
	Posts     map[string]*chat.Post
	Reactions map[string][]string
	Users     map[string]*chat.User
	Me        chat.User

	CreateErr   error
	UpdateErr   error
	DeleteErr   error
	ReactionErr error
	TypingErr   error
	UploadErr   error
	UserErr     error
}

// NewFake returns an empty fake with a default bot identity.
func NewFake() *Fake {
	return &Fake{
		Posts:     make(map[string]*chat.Post),
		Reactions: make(map[string][]string),
		Users:     make(map[string]*chat.User),
		Me:        chat.User{ID: "bot-id", Username: "earl", IsBot: true},
	}
}

func (f *Fake) record(c Call) {
	f.Calls = append(f.Calls, c)
}

// CallsTo returns the recorded calls for one method.
func (f *Fake) CallsTo(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) CreatePost(_ context.Context, post *chat.Post) (*chat.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		f.record(Call{Method: "CreatePost", Body: post.Message})
		return nil, f.CreateErr
	}
	f.nextID++
	created := *post
	created.ID = fmt.Sprintf("post-%d", f.nextID)
	f.Posts[created.ID] = &created
	f.record(Call{Method: "CreatePost", PostID: created.ID, Body: post.Message, Extra: post.RootID})
	return &created, nil
}

func (f *Fake) UpdatePost(_ context.Context, postID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "UpdatePost", PostID: postID, Body: message})
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	if post, ok := f.Posts[postID]; ok {
		post.Message = message
	}
	return nil
}

func (f *Fake) DeletePost(_ context.Context, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "DeletePost", PostID: postID})
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	delete(f.Posts, postID)
	return nil
}

func (f *Fake) AddReaction(_ context.Context, postID, emojiName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "AddReaction", PostID: postID, Extra: emojiName})
	if f.ReactionErr != nil {
		return f.ReactionErr
	}
	f.Reactions[postID] = append(f.Reactions[postID], emojiName)
	return nil
}

func (f *Fake) SendTyping(_ context.Context, channelID, rootID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "SendTyping", PostID: rootID, Extra: channelID})
	return f.TypingErr
}

func (f *Fake) GetThread(_ context.Context, rootID string) ([]chat.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var posts []chat.Post
	for _, p := range f.Posts {
		if p.ID == rootID || p.RootID == rootID {
			posts = append(posts, *p)
		}
	}
	return posts, nil
}

func (f *Fake) GetUser(_ context.Context, userID string) (*chat.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "GetUser", Extra: userID})
	if f.UserErr != nil {
		return nil, f.UserErr
	}
	if u, ok := f.Users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %s not found", userID)
}

func (f *Fake) GetMe(context.Context) (*chat.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	me := f.Me
	return &me, nil
}

func (f *Fake) UploadFile(_ context.Context, channelID, filename string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(Call{Method: "UploadFile", Body: filename, Extra: channelID})
	if f.UploadErr != nil {
		return "", f.UploadErr
	}
	f.nextID++
	return fmt.Sprintf("file-%d", f.nextID), nil
}

// LastPost returns the most recently created post, or nil.
func (f *Fake) LastPost() *chat.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *chat.Post
	var lastID int
	for _, p := range f.Posts {
		var n int
		if _, err := fmt.Sscanf(p.ID, "post-%d", &n); err == nil && n > lastID {
			lastID = n
			last = p
		}
	}
	return last
}

var _ chat.Client = (*Fake)(nil)
