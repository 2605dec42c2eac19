package store

import (
	"context"
	"fmt"

	"github.com/roach88/streamtable/internal/remote"
)

// Direction says which way a traced message travelled.
type Direction string

const (
	DirSent     Direction = "sent"
	DirReceived Direction = "received"
)

// WriteMessage appends m to the trace of connection connID. The
// connection row is created on first use and its last_seen updated on
// every write.
func (s *Store) WriteMessage(ctx context.Context, connID string, dir Direction, m remote.Message) error {
	body, err := remote.Encode(m)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	at := s.clock.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO connections (id, first_seen, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen
	`, connID, at, at)
	if err != nil {
		return fmt.Errorf("write connection: %w", err)
	}

	seq := s.seq + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (seq, connection_id, direction, type, stream_id, body, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, seq, connID, string(dir), string(m.Type), m.StreamID, string(body), at)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	s.seq = seq
	return nil
}

// Tracer returns a remote.Tracer that records into s. Write failures are
// logged and otherwise ignored so tracing never disturbs a connection.
func (s *Store) Tracer() remote.Tracer {
	return tracer{s}
}

type tracer struct {
	s *Store
}

func (t tracer) Sent(connID string, m remote.Message) {
	t.write(connID, DirSent, m)
}

func (t tracer) Received(connID string, m remote.Message) {
	t.write(connID, DirReceived, m)
}

func (t tracer) write(connID string, dir Direction, m remote.Message) {
	if err := t.s.WriteMessage(context.Background(), connID, dir, m); err != nil {
		t.s.logger.Warn("trace write failed", "connection", connID, "message", m.String(), "error", err)
	}
}
