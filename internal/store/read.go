package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/streamtable/internal/remote"
)

// Entry is one traced message.
type Entry struct {
	Seq          int64
	ConnectionID string
	Direction    Direction
	Message      remote.Message
	At           time.Time
}

// ConnectionSummary describes one traced connection.
type ConnectionSummary struct {
	ID        string
	FirstSeen time.Time
	LastSeen  time.Time
	Sent      int
	Received  int
}

// ReadConnection returns the trace of connID ordered by seq. A
// non-empty msgType keeps only messages of that type.
//
// Returns an empty slice (not nil) if nothing was recorded.
func (s *Store) ReadConnection(ctx context.Context, connID string, msgType remote.MessageType) ([]Entry, error) {
	query := `
		SELECT seq, connection_id, direction, body, at
		FROM messages
		WHERE connection_id = ?`
	args := []any{connID}
	if msgType != "" {
		query += ` AND type = ?`
		args = append(args, string(msgType))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e    Entry
		dir  string
		body string
		at   int64
	)
	if err := rows.Scan(&e.Seq, &e.ConnectionID, &dir, &body, &at); err != nil {
		return Entry{}, fmt.Errorf("scan message: %w", err)
	}
	msg, err := remote.Decode([]byte(body))
	if err != nil {
		return Entry{}, fmt.Errorf("message %d: %w", e.Seq, err)
	}
	e.Direction = Direction(dir)
	e.Message = msg
	e.At = time.UnixMilli(at)
	return e, nil
}

// Connections lists every traced connection, most recently seen first.
func (s *Store) Connections(ctx context.Context) ([]ConnectionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.first_seen, c.last_seen,
			COUNT(CASE WHEN m.direction = 'sent' THEN 1 END),
			COUNT(CASE WHEN m.direction = 'received' THEN 1 END)
		FROM connections c
		LEFT JOIN messages m ON m.connection_id = c.id
		GROUP BY c.id
		ORDER BY c.last_seen DESC, c.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	out := []ConnectionSummary{}
	for rows.Next() {
		var (
			c           ConnectionSummary
			first, last int64
		)
		if err := rows.Scan(&c.ID, &first, &last, &c.Sent, &c.Received); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		c.FirstSeen = time.UnixMilli(first)
		c.LastSeen = time.UnixMilli(last)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return out, nil
}
