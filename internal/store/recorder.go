package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

// Recorder writes stream outcomes to the audit tables. It is never read back
// to rebuild a ledger.
type Recorder struct {
	streams *StreamStore
	steps   *StepStore
}

// NewRecorder creates a Recorder over db.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{streams: NewStreamStore(db), steps: NewStepStore(db)}
}

// StreamStarted records a new session and the prompt that opened it.
func (r *Recorder) StreamStarted(ctx context.Context, s *stream.Session, prompt string) error {
	return r.streams.Create(ctx, s.ID, s.ConversationID, prompt, s.CreatedAt)
}

// StreamFinished records the final state and ledger of a session.
func (r *Recorder) StreamFinished(ctx context.Context, s *stream.Session) error {
	steps := s.Snapshot()
	var errMsg *string
	if err := s.Err(); err != nil {
		v := err.Error()
		errMsg = &v
	}
	if err := r.streams.Finish(ctx, s.ID, string(s.State()), len(steps), s.Transcript(), errMsg, s.EndedAt()); err != nil {
		return err
	}
	return r.steps.SaveAll(ctx, s.ID, steps)
}

// StepResolved records a confirmed or rejected tool step.
func (r *Recorder) StepResolved(ctx context.Context, s *stream.Session, step stream.Step) error {
	idx := s.Ledger().IndexOf(step.Key)
	if idx < 0 {
		return fmt.Errorf("record step %s: %w", step.Key, stream.ErrStepNotFound)
	}
	return r.steps.Save(ctx, s.ID, []stream.Step{step}, []int{idx})
}

// Lookup returns a stream record with its steps.
func (r *Recorder) Lookup(ctx context.Context, id string) (*StreamRecord, error) {
	rec, err := r.streams.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get stream: %w", err)
	}
	steps, err := r.steps.GetByStreamID(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Steps = steps
	return rec, nil
}

// History returns recent stream records of a conversation.
func (r *Recorder) History(ctx context.Context, conversationID string, limit int) ([]*StreamRecord, error) {
	return r.streams.ListByConversation(ctx, conversationID, limit)
}
