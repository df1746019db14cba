// Package chat provides the narrow Mattermost contract Earl depends on:
// a REST client for posts, reactions and files, and a WebSocket listener
// for incoming messages and reactions.
package chat

import "context"

// Post is a chat message. RootID links a reply to its thread; a post with
// an empty RootID starts a thread identified by its own ID.
type Post struct {
	ID        string   `json:"id,omitempty"`
	ChannelID string   `json:"channel_id"`
	RootID    string   `json:"root_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Message   string   `json:"message"`
	FileIDs   []string `json:"file_ids,omitempty"`
	CreateAt  int64    `json:"create_at,omitempty"`
}

// ThreadID returns the id of the thread this post belongs to.
func (p *Post) ThreadID() string {
	if p.RootID != "" {
		return p.RootID
	}
	return p.ID
}

// User is a chat platform user.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

// Reaction is an emoji reaction on a post.
type Reaction struct {
	UserID    string `json:"user_id"`
	PostID    string `json:"post_id"`
	EmojiName string `json:"emoji_name"`
}

// Client is the REST surface of the chat platform. Implementations must be
// safe for concurrent use. All methods may block on network I/O.
type Client interface {
	// CreatePost posts a message and returns the created post (with ID set).
	CreatePost(ctx context.Context, post *Post) (*Post, error)

	// UpdatePost replaces the message body of an existing post.
	UpdatePost(ctx context.Context, postID, message string) error

	// DeletePost removes a post.
	DeletePost(ctx context.Context, postID string) error

	// AddReaction adds an emoji reaction on behalf of the bot.
	AddReaction(ctx context.Context, postID, emojiName string) error

	// SendTyping emits a typing indicator in a channel/thread.
	SendTyping(ctx context.Context, channelID, rootID string) error

	// GetThread returns the posts of a thread in creation order.
	GetThread(ctx context.Context, rootID string) ([]Post, error)

	// GetUser looks up a user by id.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetMe returns the authenticated bot user.
	GetMe(ctx context.Context) (*User, error)

	// UploadFile uploads file data to a channel and returns the file id.
	UploadFile(ctx context.Context, channelID, filename string, data []byte) (string, error)
}
