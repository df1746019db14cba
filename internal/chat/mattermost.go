package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/earlbot/earl/internal/log"
)

const restTimeout = 30 * time.Second

// Mattermost is the REST implementation of Client against the Mattermost
// v4 API. The platform ships no standalone Go SDK module, so Earl speaks
// the handful of endpoints it needs directly.
type Mattermost struct {
	baseURL string
	token   string
	http    *http.Client

	meMu sync.Mutex
	me   *User
}

// NewMattermost creates a REST client for the given base URL and token.
func NewMattermost(baseURL, token string) *Mattermost {
	return &Mattermost{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: restTimeout},
	}
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mattermost: status %d: %s", e.StatusCode, e.Message)
}

// do issues a JSON request and decodes the response into out (when non-nil).
func (m *Mattermost) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+"/api/v4"+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		log.Debug(log.CatChat, "request failed", "method", method, "path", path, "status", resp.StatusCode)
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// CreatePost posts a message and returns the created post.
func (m *Mattermost) CreatePost(ctx context.Context, post *Post) (*Post, error) {
	var created Post
	if err := m.do(ctx, http.MethodPost, "/posts", post, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdatePost patches the message body of an existing post.
func (m *Mattermost) UpdatePost(ctx context.Context, postID, message string) error {
	patch := map[string]string{"message": message}
	return m.do(ctx, http.MethodPut, "/posts/"+postID+"/patch", patch, nil)
}

// DeletePost removes a post.
func (m *Mattermost) DeletePost(ctx context.Context, postID string) error {
	return m.do(ctx, http.MethodDelete, "/posts/"+postID, nil, nil)
}

// AddReaction adds an emoji reaction as the bot user.
func (m *Mattermost) AddReaction(ctx context.Context, postID, emojiName string) error {
	me, err := m.GetMe(ctx)
	if err != nil {
		return err
	}
	reaction := Reaction{UserID: me.ID, PostID: postID, EmojiName: emojiName}
	return m.do(ctx, http.MethodPost, "/reactions", reaction, nil)
}

// SendTyping emits a typing indicator.
func (m *Mattermost) SendTyping(ctx context.Context, channelID, rootID string) error {
	body := map[string]string{"channel_id": channelID, "parent_id": rootID}
	return m.do(ctx, http.MethodPost, "/users/me/typing", body, nil)
}

// postList mirrors the Mattermost thread response shape.
type postList struct {
	Order []string        `json:"order"`
	Posts map[string]Post `json:"posts"`
}

// GetThread returns the posts of a thread in creation order.
func (m *Mattermost) GetThread(ctx context.Context, rootID string) ([]Post, error) {
	var list postList
	if err := m.do(ctx, http.MethodGet, "/posts/"+rootID+"/thread", nil, &list); err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(list.Posts))
	for _, p := range list.Posts {
		posts = append(posts, p)
	}
	// The order field is newest-first and may omit posts; sort by CreateAt.
	sort.Slice(posts, func(i, j int) bool { return posts[i].CreateAt < posts[j].CreateAt })
	return posts, nil
}

// GetUser looks up a user by id.
func (m *Mattermost) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := m.do(ctx, http.MethodGet, "/users/"+userID, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetMe returns the authenticated bot user. Successful lookups are
// cached; failures are not, so a transient error at startup does not
// poison later calls.
func (m *Mattermost) GetMe(ctx context.Context) (*User, error) {
	m.meMu.Lock()
	defer m.meMu.Unlock()
	if m.me != nil {
		return m.me, nil
	}

	var user User
	if err := m.do(ctx, http.MethodGet, "/users/me", nil, &user); err != nil {
		return nil, err
	}
	m.me = &user
	return m.me, nil
}

// UploadFile uploads file data to a channel and returns the file id.
func (m *Mattermost) UploadFile(ctx context.Context, channelID, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("channel_id", channelID); err != nil {
		return "", fmt.Errorf("writing channel field: %w", err)
	}
	part, err := writer.CreateFormFile("files", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/v4/files", &buf)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return "", apiErr
	}

	var result struct {
		FileInfos []struct {
			ID string `json:"id"`
		} `json:"file_infos"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	if len(result.FileInfos) == 0 {
		return "", fmt.Errorf("upload response contained no file infos")
	}
	return result.FileInfos[0].ID, nil
}

// Ensure Mattermost implements Client at compile time.
var _ Client = (*Mattermost)(nil)
