package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedRequest captures one request for later assertions.
type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   []byte
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Mattermost, *[]recordedRequest) {
	t.Helper()

	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Body:   body,
		})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	return NewMattermost(srv.URL, "test-token"), &requests
}

func TestCreatePostSendsBearerTokenAndDecodesResult(t *testing.T) {
	client, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Post{ID: "post-1", ChannelID: "chan-1", Message: "hi"})
	})

	created, err := client.CreatePost(context.Background(), &Post{ChannelID: "chan-1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "post-1", created.ID)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/v4/posts", req.Path)
	assert.Equal(t, "Bearer test-token", req.Auth)

	var sent Post
	require.NoError(t, json.Unmarshal(req.Body, &sent))
	assert.Equal(t, "hi", sent.Message)
}

func TestUpdatePostPatchesMessage(t *testing.T) {
	client, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.UpdatePost(context.Background(), "post-1", "edited"))

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/api/v4/posts/post-1/patch", req.Path)
	assert.JSONEq(t, `{"message":"edited"}`, string(req.Body))
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "no access"})
	})

	_, err := client.CreatePost(context.Background(), &Post{ChannelID: "c", Message: "m"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "no access", apiErr.Message)
}

func TestGetThreadSortsByCreateAt(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(postList{
			Order: []string{"p3", "p2", "p1"},
			Posts: map[string]Post{
				"p2": {ID: "p2", CreateAt: 200},
				"p1": {ID: "p1", CreateAt: 100},
				"p3": {ID: "p3", CreateAt: 300},
			},
		})
	})

	posts, err := client.GetThread(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, "p1", posts[0].ID)
	assert.Equal(t, "p2", posts[1].ID)
	assert.Equal(t, "p3", posts[2].ID)
}

func TestGetMeIsCached(t *testing.T) {
	calls := 0
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(User{ID: "bot-1", Username: "earl", IsBot: true})
	})

	for i := 0; i < 3; i++ {
		me, err := client.GetMe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "bot-1", me.ID)
	}
	assert.Equal(t, 1, calls)
}

func TestGetMeRetriesAfterTransientFailure(t *testing.T) {
	calls := 0
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(User{ID: "bot-1"})
	})

	_, err := client.GetMe(context.Background())
	require.Error(t, err)

	me, err := client.GetMe(context.Background())
	require.NoError(t, err, "a failed lookup must not be cached")
	assert.Equal(t, "bot-1", me.ID)

	// The success is cached.
	_, err = client.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestAddReactionUsesBotIdentity(t *testing.T) {
	client, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v4/users/me" {
			_ = json.NewEncoder(w).Encode(User{ID: "bot-1"})
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.AddReaction(context.Background(), "post-1", "white_check_mark"))

	last := (*requests)[len(*requests)-1]
	assert.Equal(t, "/api/v4/reactions", last.Path)

	var sent Reaction
	require.NoError(t, json.Unmarshal(last.Body, &sent))
	assert.Equal(t, Reaction{UserID: "bot-1", PostID: "post-1", EmojiName: "white_check_mark"}, sent)
}

func TestUploadFileReturnsFirstFileID(t *testing.T) {
	client, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"file_infos": []map[string]string{{"id": "file-1"}},
		})
	})

	id, err := client.UploadFile(context.Background(), "chan-1", "shot.png", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "file-1", id)

	req := (*requests)[0]
	assert.Equal(t, "/api/v4/files", req.Path)
	assert.Contains(t, string(req.Body), "shot.png")
}

func TestUploadFileEmptyResponseFails(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"file_infos": []any{}})
	})

	_, err := client.UploadFile(context.Background(), "chan-1", "shot.png", []byte{1})
	require.Error(t, err)
}

func TestThreadIDFallsBackToPostID(t *testing.T) {
	root := Post{ID: "p1"}
	reply := Post{ID: "p2", RootID: "p1"}
	assert.Equal(t, "p1", root.ThreadID())
	assert.Equal(t, "p1", reply.ThreadID())
}
