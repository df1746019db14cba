package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/earlbot/earl/internal/log"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
	pingInterval  = 30 * time.Second

	// A connection that stayed up this long counts as healthy; the next
	// reconnect starts over at the base delay.
	healthyConnDuration = time.Minute
)

// PostedHandler receives every new post seen on the WebSocket, along with
// the sender display name carried by the event.
type PostedHandler func(post *Post, senderName string)

// ReactionHandler receives every new reaction seen on the WebSocket.
type ReactionHandler func(reaction *Reaction)

// Socket maintains the Mattermost WebSocket connection. It authenticates
// with the bot token, dispatches posted/reaction_added events, and
// reconnects with exponential backoff when the connection drops.
type Socket struct {
	url   string
	token string

	onPosted   PostedHandler
	onReaction ReactionHandler

	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
	wg   sync.WaitGroup
}

// NewSocket creates a WebSocket listener. Handlers may be nil.
func NewSocket(url, token string, onPosted PostedHandler, onReaction ReactionHandler) *Socket {
	return &Socket{
		url:        url,
		token:      token,
		onPosted:   onPosted,
		onReaction: onReaction,
		dialer:     websocket.DefaultDialer,
	}
}

// wsEvent mirrors the Mattermost WebSocket event envelope. The data map
// carries JSON-encoded strings for structured payloads.
type wsEvent struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Start runs the connect/read/reconnect loop until ctx is cancelled.
func (s *Socket) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var backoff time.Duration
		for {
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			err := s.runOnce(ctx)
			if ctx.Err() != nil {
				return
			}
			backoff = nextRetryDelay(backoff, time.Since(start))
			log.Warn(log.CatChat, "websocket disconnected", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
}

// Stop waits for the read loop to exit. Cancel the Start context first.
func (s *Socket) Stop() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// runOnce dials, authenticates, and reads events until the connection drops.
func (s *Socket) runOnce(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() { _ = conn.Close() }()

	// Authentication challenge must be the first frame.
	auth := map[string]any{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": s.token},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}
	log.Info(log.CatChat, "websocket connected", "url", s.url)

	// Keepalive pings; the goroutine exits with the connection.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx, conn)

	for {
		var event wsEvent
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		s.dispatch(&event)
	}
}

// nextRetryDelay doubles the reconnect delay up to the cap. A connection
// that survived past healthyConnDuration resets the progression.
func nextRetryDelay(prev, connectedFor time.Duration) time.Duration {
	if connectedFor >= healthyConnDuration {
		return reconnectBase
	}
	next := prev * 2
	if next < reconnectBase {
		return reconnectBase
	}
	if next > reconnectMax {
		return reconnectMax
	}
	return next
}

func (s *Socket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// dispatch routes a single event to the registered handlers. Handler
// panics are not guarded here; handlers must not panic.
func (s *Socket) dispatch(event *wsEvent) {
	switch event.Event {
	case "posted":
		if s.onPosted == nil {
			return
		}
		raw, ok := event.Data["post"].(string)
		if !ok {
			return
		}
		var post Post
		if err := json.Unmarshal([]byte(raw), &post); err != nil {
			log.Debug(log.CatChat, "malformed posted event", "error", err)
			return
		}
		sender, _ := event.Data["sender_name"].(string)
		s.onPosted(&post, sender)

	case "reaction_added":
		if s.onReaction == nil {
			return
		}
		raw, ok := event.Data["reaction"].(string)
		if !ok {
			return
		}
		var reaction Reaction
		if err := json.Unmarshal([]byte(raw), &reaction); err != nil {
			log.Debug(log.CatChat, "malformed reaction event", "error", err)
			return
		}
		s.onReaction(&reaction)
	}
}
