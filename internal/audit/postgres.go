package audit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresSink appends decisions to the access_events table.
type PostgresSink struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// NewPostgresSink establishes a connection to the database and ensures the schema is initialized.
func NewPostgresSink(ctx context.Context, connString string) (*PostgresSink, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &PostgresSink{conn: conn}, nil
}

// initSchema creates the events table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS access_events (
			id BIGSERIAL PRIMARY KEY,
			username TEXT,
			granted BOOLEAN NOT NULL,
			distance DOUBLE PRECISION,
			box_top INT NOT NULL,
			box_right INT NOT NULL,
			box_bottom INT NOT NULL,
			box_left INT NOT NULL,
			artifact_path TEXT,
			decided_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS access_events_decided_at_idx ON access_events (decided_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *PostgresSink) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

func (s *PostgresSink) RecordEvent(ctx context.Context, e Event) error {
	var name, artifact *string
	if e.Name != "" {
		name = &e.Name
	}
	if e.ArtifactPath != "" {
		artifact = &e.ArtifactPath
	}
	// +Inf (empty gallery) has no useful SQL representation.
	var distance *float64
	if !math.IsInf(e.Distance, 0) && !math.IsNaN(e.Distance) {
		distance = &e.Distance
	}
	decidedAt := e.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO access_events (username, granted, distance, box_top, box_right, box_bottom, box_left, artifact_path, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, name, e.Granted, distance, e.Box.Top, e.Box.Right, e.Box.Bottom, e.Box.Left, artifact, decidedAt)
	return err
}

// Recent returns up to limit events, newest first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT COALESCE(username, ''), granted, COALESCE(distance, 'Infinity'::float8),
		       box_top, box_right, box_bottom, box_left, COALESCE(artifact_path, ''), decided_at
		FROM access_events
		ORDER BY decided_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Name, &e.Granted, &e.Distance,
			&e.Box.Top, &e.Box.Right, &e.Box.Bottom, &e.Box.Left, &e.ArtifactPath, &e.DecidedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Reset drops the events table. The next NewPostgresSink recreates it.
func (s *PostgresSink) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS access_events CASCADE;`)
	return err
}
