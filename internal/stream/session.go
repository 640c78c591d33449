package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/thoughtchain/internal/metrics"
)

// SessionState represents the lifecycle state of a stream session.
type SessionState string

const (
	SessionStreaming SessionState = "streaming"
	SessionDone      SessionState = "done"
	SessionAborted   SessionState = "aborted"
	SessionFailed    SessionState = "failed"
)

var (
	ErrAborted          = errors.New("stream aborted")
	ErrStreamActive     = errors.New("stream is still active")
	ErrStreamIncomplete = errors.New("stream did not complete")
	ErrStepNotFound     = errors.New("step not found")
	ErrStepNotPending   = errors.New("step is not awaiting confirmation")
	ErrNotToolStep      = errors.New("step is not a tool call")
)

// Session is one request/response exchange. It owns its cancellation handle,
// its ledger and all parse state; nothing is shared with other sessions.
type Session struct {
	ID             string
	ConversationID string
	CreatedAt      time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ledger atomic.Pointer[Ledger]

	mu          sync.Mutex
	state       SessionState
	err         error
	endedAt     time.Time
	accumulated string
	activeIndex int
	startedAt   time.Time
	transcript  strings.Builder
	fields      map[int]*Fields
	executing   map[int]bool
}

// Context returns the session context; it is cancelled by Cancel.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Ledger returns the current ledger value. It never changes after return.
func (s *Session) Ledger() Ledger {
	if l := s.ledger.Load(); l != nil {
		return *l
	}
	return Ledger{}
}

// Snapshot returns a copy of the current steps.
func (s *Session) Snapshot() []Step {
	return s.Ledger().Snapshot()
}

// State returns the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the transport error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// EndedAt returns when the session left the streaming state.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// Transcript returns every token received so far, markers excluded.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.String()
}

// Fields returns the tag fields extracted for the step with key.
func (s *Session) Fields(key string) (*Fields, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.Ledger().IndexOf(key)
	f, ok := s.fields[idx]
	return f, ok
}

// Cancel stops the stream. It is safe to call any number of times and from any
// goroutine. Once the session has finished, Cancel leaves it untouched.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.finishLocked(SessionAborted, ErrAborted, time.Now())
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) setLedger(l Ledger) {
	s.ledger.Store(&l)
}

// finishLocked moves a streaming session to state. Callers hold s.mu.
func (s *Session) finishLocked(state SessionState, err error, now time.Time) bool {
	if s.state != SessionStreaming {
		return false
	}
	s.state = state
	s.err = err
	s.endedAt = now
	close(s.done)

	metrics.StreamsActive.Dec()
	metrics.StreamsTotal.WithLabelValues(string(state)).Inc()
	metrics.StreamDuration.Observe(now.Sub(s.CreatedAt).Seconds())
	return true
}
