package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

// StepRecord is the audit row of one ledger step.
type StepRecord struct {
	StreamID    string     `json:"stream_id"`
	Key         string     `json:"key"`
	Position    int        `json:"position"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Content     string     `json:"content"`
	Description string     `json:"description"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// StepStore provides operations on the stream_steps table.
type StepStore struct {
	db *sql.DB
}

// NewStepStore creates a new StepStore.
func NewStepStore(db *sql.DB) *StepStore {
	return &StepStore{db: db}
}

// Save upserts the given steps of a stream in one transaction.
func (s *StepStore) Save(ctx context.Context, streamID string, steps []stream.Step, positions []int) error {
	if len(steps) != len(positions) {
		return fmt.Errorf("save steps: %d steps but %d positions", len(steps), len(positions))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, step := range steps {
		started := step.StartedAt
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stream_steps (stream_id, step_key, position, title, status, content, description, started_at, ended_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(stream_id, step_key) DO UPDATE SET
			   status = excluded.status, content = excluded.content, description = excluded.description,
			   ended_at = excluded.ended_at, updated_at = excluded.updated_at`,
			streamID, step.Key, positions[i], step.Title, string(step.Status), step.Content, step.Description,
			formatTime(&started), formatTime(step.EndedAt), now,
		)
		if err != nil {
			return fmt.Errorf("upsert step %s: %w", step.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit steps: %w", err)
	}
	return nil
}

// SaveAll upserts a full ledger snapshot.
func (s *StepStore) SaveAll(ctx context.Context, streamID string, steps []stream.Step) error {
	positions := make([]int, len(steps))
	for i := range positions {
		positions[i] = i
	}
	return s.Save(ctx, streamID, steps, positions)
}

// GetByStreamID retrieves the steps of a stream in ledger order.
func (s *StepStore) GetByStreamID(ctx context.Context, streamID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, step_key, position, title, status, content, description, started_at, ended_at
		 FROM stream_steps WHERE stream_id = ? ORDER BY position ASC`, streamID)
	if err != nil {
		return nil, fmt.Errorf("get steps by stream: %w", err)
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanStep(s scanner) (*StepRecord, error) {
	var step StepRecord
	var content, description sql.NullString
	var startedAt, endedAt *string

	err := s.Scan(&step.StreamID, &step.Key, &step.Position, &step.Title, &step.Status,
		&content, &description, &startedAt, &endedAt)
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}
	step.Content = content.String
	step.Description = description.String
	step.StartedAt = parseTime(startedAt)
	step.EndedAt = parseTime(endedAt)
	return &step, nil
}
