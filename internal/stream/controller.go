package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/thoughtchain/internal/metrics"
)

// Executor runs a confirmed tool call described by its extracted fields.
type Executor interface {
	Execute(ctx context.Context, fields *Fields) (string, error)
}

// Options configures a Controller.
type Options struct {
	Decoder     Decoder
	ReservedTag string
	Labels      Labels
	// UpdateDelay pauses after each applied event to pace UI updates.
	UpdateDelay time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Controller sequences decoded events into session ledgers. It holds no
// per-stream state: everything lives on the Session passed to each call.
type Controller struct {
	decoder     Decoder
	reservedTag string
	labels      Labels
	updateDelay time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewController creates a Controller, filling unset options with defaults.
func NewController(opts Options) *Controller {
	if opts.Decoder == (Decoder{}) {
		opts.Decoder = NewDecoder("", "", "")
	}
	if opts.ReservedTag == "" {
		opts.ReservedTag = DefaultReservedTag
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		decoder:     opts.Decoder,
		reservedTag: opts.ReservedTag,
		labels:      opts.Labels.WithDefaults(),
		updateDelay: opts.UpdateDelay,
		now:         opts.Now,
		logger:      opts.Logger,
	}
}

// Labels returns the labels the controller writes.
func (c *Controller) Labels() Labels {
	return c.labels
}

// NewSession starts a session with a pending reasoning step. Cancelling ctx
// has the same effect as Session.Cancel.
func (c *Controller) NewSession(ctx context.Context, conversationID string) *Session {
	now := c.now()
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		CreatedAt:      now,
		ctx:            sctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		state:          SessionStreaming,
		startedAt:      now,
		fields:         map[int]*Fields{},
		executing:      map[int]bool{},
	}
	s.setLedger(NewLedger(c.labels.ReasoningTitle, c.labels.Thinking, now))
	metrics.StreamsActive.Inc()
	return s
}

// Run consumes r until the terminal signal, the end of the transport, an error,
// or cancellation. It returns nil when the stream completed.
func (c *Controller) Run(s *Session, r PayloadReader) error {
	defer s.cancel()
	defer r.Close()

	for {
		if s.ctx.Err() != nil {
			s.Cancel()
			return ErrAborted
		}

		payload, err := r.Next()
		if errors.Is(err, io.EOF) {
			// Some servers close the body without sending the sentinel.
			c.Apply(s, Event{Terminal: true})
			return nil
		}
		if err != nil {
			if s.ctx.Err() != nil {
				s.Cancel()
				return ErrAborted
			}
			c.Fail(s, err)
			return fmt.Errorf("consume stream: %w", err)
		}

		ev := c.decoder.Decode(payload)
		metrics.Chunks.WithLabelValues(ev.Kind()).Inc()
		if ev.Empty() {
			continue
		}
		c.Apply(s, ev)

		switch s.State() {
		case SessionDone:
			return nil
		case SessionAborted:
			return ErrAborted
		}
		c.pause(s.ctx)
	}
}

// Apply mutates the session for one event. Within an event the order is:
// open marker, token, close marker, terminal signal. Events arriving after the
// session left the streaming state are ignored.
func (c *Controller) Apply(s *Session, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionStreaming {
		return
	}
	if ev.Malformed {
		c.logger.Debug("skipping malformed chunk", "session_id", s.ID)
		return
	}

	now := c.now()
	if ev.OpensReasoning {
		c.openReasoning(s, now)
	}
	if ev.HasText {
		c.appendText(s, ev.Text, now)
	}
	if ev.ClosesReasoning {
		c.closeReasoning(s, now)
	}
	if ev.Terminal {
		c.terminate(s, now)
	}
}

func (c *Controller) openReasoning(s *Session, now time.Time) {
	if s.activeIndex > 0 {
		c.logger.Warn("ignoring reasoning marker after tool steps", "session_id", s.ID, "steps", s.Ledger().Len())
		return
	}
	s.accumulated = ""
	s.activeIndex = 0
	s.startedAt = now
	s.setLedger(s.Ledger().Update(0, func(st *Step) {
		st.Content = ""
		st.Description = c.labels.Thinking
		st.StartedAt = now
	}))
}

func (c *Controller) appendText(s *Session, text string, now time.Time) {
	s.accumulated += text
	s.transcript.WriteString(text)
	if s.activeIndex != 0 {
		return
	}
	content := s.accumulated
	desc := formatElapsed(c.labels.ThinkingElapsed, now.Sub(s.startedAt))
	s.setLedger(s.Ledger().Update(0, func(st *Step) {
		st.Content = content
		st.Description = desc
	}))
}

func (c *Controller) closeReasoning(s *Session, now time.Time) {
	if s.activeIndex != 0 {
		c.logger.Warn("ignoring close marker outside reasoning", "session_id", s.ID)
		return
	}
	content := s.accumulated
	desc := formatElapsed(c.labels.ThoughtFor, now.Sub(s.startedAt))
	l := s.Ledger().Update(0, func(st *Step) {
		st.Status = StepStatusSuccess
		st.Description = desc
		st.Content = content
		st.EndedAt = &now
	})
	l = l.Append(Step{
		Key:       l.NextKey(),
		Title:     c.labels.ToolTitle,
		Status:    StepStatusPending,
		StartedAt: now,
	})
	s.setLedger(l)
	s.activeIndex++
	s.accumulated = ""
}

// terminate runs the tag extractor once over the active step's text.
func (c *Controller) terminate(s *Session, now time.Time) {
	idx := s.activeIndex
	fields := ExtractTags(s.accumulated, c.reservedTag)
	s.fields[idx] = fields
	desc := FormatTags(fields)
	content := s.accumulated

	l := s.Ledger().Update(idx, func(st *Step) {
		st.Description = desc
	})
	if idx == 0 {
		// No close marker arrived; the reasoning step would otherwise never end.
		l = l.Update(0, func(st *Step) {
			st.Status = StepStatusSuccess
			st.Content = content
			st.EndedAt = &now
		})
	}
	s.setLedger(l)
	s.finishLocked(SessionDone, nil, now)
}

// Fail marks a streaming session as failed by a transport error. The ledger
// keeps its last state.
func (c *Controller) Fail(s *Session, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishLocked(SessionFailed, err, c.now()) {
		c.logger.Error("stream failed", "session_id", s.ID, "error", err)
	}
}

func (c *Controller) pause(ctx context.Context) {
	if c.updateDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.updateDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Confirm executes the tool call of a pending step and records the outcome.
// A failing tool is recorded on the step, not returned.
func (c *Controller) Confirm(ctx context.Context, s *Session, key string, exec Executor) (Step, error) {
	s.mu.Lock()
	idx, err := c.claimToolStep(s, key, true)
	if err != nil {
		s.mu.Unlock()
		return Step{}, err
	}
	s.executing[idx] = true
	fields := s.fields[idx]
	if fields == nil {
		fields = ExtractTags("", c.reservedTag)
	}
	s.setLedger(s.Ledger().Update(idx, func(st *Step) {
		st.Content = c.labels.Executing
	}))
	s.mu.Unlock()

	var output string
	var execErr error
	if exec != nil {
		output, execErr = exec.Execute(ctx, fields)
	} else {
		c.pause(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executing, idx)
	now := c.now()

	outcome := "success"
	if execErr != nil {
		outcome = "error"
		c.logger.Warn("tool execution failed", "session_id", s.ID, "step", key, "error", execErr)
	}
	metrics.ToolExecutions.WithLabelValues(outcome).Inc()

	s.setLedger(s.Ledger().Update(idx, func(st *Step) {
		st.EndedAt = &now
		if execErr != nil {
			st.Status = StepStatusError
			st.Content = c.labels.ExecutionFailed + ": " + execErr.Error()
			return
		}
		st.Status = StepStatusSuccess
		st.Content = c.labels.Executed
		if output != "" {
			st.Content += "\n" + output
		}
	}))
	step, _ := s.Ledger().At(idx)
	return step, nil
}

// Reject marks a pending tool step as refused by the user.
func (c *Controller) Reject(s *Session, key string) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := c.claimToolStep(s, key, false)
	if err != nil {
		return Step{}, err
	}
	now := c.now()
	s.setLedger(s.Ledger().Update(idx, func(st *Step) {
		st.Status = StepStatusError
		st.Content = c.labels.Rejected
		st.EndedAt = &now
	}))
	metrics.ToolRejections.Inc()
	step, _ := s.Ledger().At(idx)
	return step, nil
}

// claimToolStep checks that key names a pending tool step that a user may act
// on. Callers hold s.mu.
func (c *Controller) claimToolStep(s *Session, key string, requireDone bool) (int, error) {
	if s.state == SessionStreaming {
		return -1, ErrStreamActive
	}
	if requireDone && s.state != SessionDone {
		return -1, ErrStreamIncomplete
	}
	l := s.Ledger()
	idx := l.IndexOf(key)
	if idx < 0 {
		return -1, ErrStepNotFound
	}
	if idx == 0 {
		return -1, ErrNotToolStep
	}
	step, _ := l.At(idx)
	if step.Status != StepStatusPending || s.executing[idx] {
		return -1, ErrStepNotPending
	}
	return idx, nil
}
