// Package history archives completed turns in a SQLite database so past
// conversations survive session churn and can be replayed with !history.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id   TEXT NOT NULL,
	channel_id  TEXT NOT NULL,
	user_text   TEXT NOT NULL,
	reply_text  TEXT NOT NULL,
	cost_usd    REAL NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_thread ON turns(thread_id, created_at);
`

// Turn is one archived user/assistant exchange.
type Turn struct {
	ID        int64
	ThreadID  string
	ChannelID string
	UserText  string
	ReplyText string
	CostUSD   float64
	CreatedAt time.Time
}

// Archive is the SQLite-backed turn log.
type Archive struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying history schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record appends one turn. CreatedAt defaults to now when zero.
func (a *Archive) Record(ctx context.Context, turn Turn) error {
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO turns (thread_id, channel_id, user_text, reply_text, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ThreadID, turn.ChannelID, turn.UserText, turn.ReplyText, turn.CostUSD, createdAt,
	)
	if err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	return nil
}

// Recent returns the newest turns for a thread, oldest first.
func (a *Archive) Recent(ctx context.Context, threadID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, thread_id, channel_id, user_text, reply_text, cost_usd, created_at
		 FROM (
			SELECT * FROM turns WHERE thread_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.ChannelID, &t.UserText, &t.ReplyText, &t.CostUSD, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return turns, nil
}

// ThreadCost sums the archived cost for a thread.
func (a *Archive) ThreadCost(ctx context.Context, threadID string) (float64, error) {
	var cost float64
	err := a.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM turns WHERE thread_id = ?`, threadID,
	).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("summing thread cost: %w", err)
	}
	return cost, nil
}
