package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a stream record does not exist.
var ErrNotFound = errors.New("stream record not found")

// StreamRecord is the audit row of one stream session.
type StreamRecord struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Prompt         string        `json:"prompt"`
	Status         string        `json:"status"`
	StepCount      int           `json:"step_count"`
	Transcript     *string       `json:"transcript,omitempty"`
	Error          *string       `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Steps          []*StepRecord `json:"steps,omitempty"`
}

// StreamStore provides operations on the streams table.
type StreamStore struct {
	db *sql.DB
}

// NewStreamStore creates a new StreamStore.
func NewStreamStore(db *sql.DB) *StreamStore {
	return &StreamStore{db: db}
}

// Create inserts a stream in the streaming state. Creating an existing id is a no-op.
func (s *StreamStore) Create(ctx context.Context, id, conversationID, prompt string, startedAt time.Time) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO streams (id, conversation_id, prompt, status, started_at, updated_at)
		 VALUES (?, ?, ?, 'streaming', ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, conversationID, prompt, startedAt.UTC().Format(time.RFC3339Nano), now,
	)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

// Finish records the terminal state of a stream.
func (s *StreamStore) Finish(ctx context.Context, id, status string, stepCount int, transcript string, errMsg *string, completedAt time.Time) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET status = ?, step_count = ?, transcript = ?, error = COALESCE(?, error),
		 completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		status, stepCount, transcript, errMsg, completedAt.UTC().Format(time.RFC3339Nano), now, id,
	)
	if err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update stream %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetByID retrieves a stream record by id.
func (s *StreamStore) GetByID(ctx context.Context, id string) (*StreamRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, prompt, status, step_count, transcript, error, started_at, completed_at, updated_at
		 FROM streams WHERE id = ?`, id)
	r, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListByConversation returns the most recent streams of a conversation, newest first.
func (s *StreamStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*StreamRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, prompt, status, step_count, transcript, error, started_at, completed_at, updated_at
		 FROM streams WHERE conversation_id = ? ORDER BY started_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list streams by conversation: %w", err)
	}
	defer rows.Close()

	var out []*StreamRecord
	for rows.Next() {
		r, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanStream(s scanner) (*StreamRecord, error) {
	var r StreamRecord
	var transcript, errMsg sql.NullString
	var startedAt, updatedAt string
	var completedAt *string

	err := s.Scan(&r.ID, &r.ConversationID, &r.Prompt, &r.Status, &r.StepCount,
		&transcript, &errMsg, &startedAt, &completedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan stream: %w", err)
	}

	if transcript.Valid {
		v := transcript.String
		r.Transcript = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		r.Error = &v
	}
	if t := parseTime(&startedAt); t != nil {
		r.StartedAt = *t
	}
	if t := parseTime(&updatedAt); t != nil {
		r.UpdatedAt = *t
	}
	r.CompletedAt = parseTime(completedAt)
	return &r, nil
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC().Format(time.RFC3339Nano)
	return &v
}
