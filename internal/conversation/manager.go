package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

const (
	// DefaultLabel names a conversation until its first message arrives.
	DefaultLabel = "New session"
	defaultGroup = "Today"
	labelRunes   = 20
)

var (
	ErrNotFound     = errors.New("conversation not found")
	ErrAlreadyNew   = errors.New("it is now a new conversation")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoStream     = errors.New("conversation has no stream")
	ErrClosed       = errors.New("conversation manager is closed")
)

// Recorder receives stream outcomes for auditing.
type Recorder interface {
	StreamStarted(ctx context.Context, s *stream.Session, prompt string) error
	StreamFinished(ctx context.Context, s *stream.Session) error
	StepResolved(ctx context.Context, s *stream.Session, step stream.Step) error
}

// Options configures a Manager.
type Options struct {
	Controller *stream.Controller
	Source     stream.Source
	Executor   stream.Executor
	Recorder   Recorder
	// SwitchSettle is waited after cancelling a stream before the active
	// conversation changes.
	SwitchSettle time.Duration
	Logger       *slog.Logger
}

// Manager owns the conversation list and at most one stream per conversation.
type Manager struct {
	controller   *stream.Controller
	source       stream.Source
	executor     stream.Executor
	recorder     Recorder
	switchSettle time.Duration
	logger       *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.Mutex
	conversations map[string]*conversation
	activeID      string
	seq           uint64
	closed        bool
}

// NewManager creates a Manager with no conversations.
func NewManager(opts Options) *Manager {
	if opts.Controller == nil {
		opts.Controller = stream.NewController(stream.Options{Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		controller:    opts.Controller,
		source:        opts.Source,
		executor:      opts.Executor,
		recorder:      opts.Recorder,
		switchSettle:  opts.SwitchSettle,
		logger:        opts.Logger,
		baseCtx:       ctx,
		stop:          stop,
		conversations: map[string]*conversation{},
	}
}

// Create starts a new conversation and makes it active. The stream of the
// previously active conversation is cancelled first.
func (m *Manager) Create(ctx context.Context) (View, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return View{}, ErrClosed
	}
	if active := m.conversations[m.activeID]; active != nil && len(active.messages) == 0 {
		m.mu.Unlock()
		return View{}, ErrAlreadyNew
	}
	settle := m.cancelActiveLocked()
	m.mu.Unlock()

	if err := m.settle(ctx, settle); err != nil {
		return View{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return View{}, ErrClosed
	}
	m.seq++
	c := &conversation{
		id:        uuid.New().String(),
		seq:       m.seq,
		label:     DefaultLabel,
		group:     defaultGroup,
		createdAt: time.Now().UTC(),
		expanded:  map[string]bool{stream.ReasoningKey: true},
	}
	m.conversations[c.id] = c
	m.activeID = c.id
	m.logger.Info("conversation created", "conversation_id", c.id)
	return m.viewLocked(c), nil
}

// Activate switches the active conversation, cancelling the stream of the one
// being left.
func (m *Manager) Activate(ctx context.Context, id string) (View, error) {
	m.mu.Lock()
	target, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return View{}, ErrNotFound
	}
	if id == m.activeID {
		v := m.viewLocked(target)
		m.mu.Unlock()
		return v, nil
	}
	settle := m.cancelActiveLocked()
	m.mu.Unlock()

	if err := m.settle(ctx, settle); err != nil {
		return View{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok = m.conversations[id]
	if !ok {
		return View{}, ErrNotFound
	}
	m.activeID = id
	m.logger.Info("conversation activated", "conversation_id", id)
	return m.viewLocked(target), nil
}

// cancelActiveLocked cancels the active conversation's stream and reports
// whether the caller must wait for in-flight chunks to settle.
func (m *Manager) cancelActiveLocked() bool {
	active := m.conversations[m.activeID]
	if active == nil || active.session == nil {
		return false
	}
	active.session.Cancel()
	return true
}

func (m *Manager) settle(ctx context.Context, needed bool) error {
	if !needed || m.switchSettle <= 0 {
		return nil
	}
	timer := time.NewTimer(m.switchSettle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit appends a user message and starts streaming the reply. Any stream
// still running in the conversation is cancelled; the new stream never shares
// parse state with it.
func (m *Manager) Submit(id, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Message{}, ErrClosed
	}
	c, ok := m.conversations[id]
	if !ok {
		m.mu.Unlock()
		return Message{}, ErrNotFound
	}
	if c.session != nil {
		c.session.Cancel()
	}

	if c.label == DefaultLabel {
		c.label = truncateRunes(text, labelRunes)
	}
	now := time.Now().UTC()
	history := c.history()
	history = append(history, stream.Message{Role: string(RoleUser), Content: text})
	c.messages = append(c.messages, &message{
		id:        uuid.New().String(),
		role:      RoleUser,
		content:   text,
		status:    StatusLocal,
		createdAt: now,
	})

	s := m.controller.NewSession(m.baseCtx, c.id)
	reply := &message{
		id:        uuid.New().String(),
		role:      RoleAssistant,
		status:    StatusLoading,
		session:   s,
		createdAt: now,
	}
	c.messages = append(c.messages, reply)
	c.session = s
	out := reply.snapshot(m.controller.Labels())
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("stream started", "conversation_id", id, "stream_id", s.ID)
	go m.consume(c, reply, s, history, text)
	return out, nil
}

func (m *Manager) consume(c *conversation, reply *message, s *stream.Session, history []stream.Message, prompt string) {
	defer m.wg.Done()

	if m.recorder != nil {
		if err := m.recorder.StreamStarted(m.baseCtx, s, prompt); err != nil {
			m.logger.Warn("record stream start failed", "stream_id", s.ID, "error", err)
		}
	}

	if m.source == nil {
		m.controller.Fail(s, errors.New("no completion source configured"))
	} else if r, err := m.source.Stream(s.Context(), history); err != nil {
		if s.Context().Err() != nil {
			s.Cancel()
		} else {
			m.controller.Fail(s, fmt.Errorf("open stream: %w", err))
		}
	} else if err := m.controller.Run(s, r); err != nil && !errors.Is(err, stream.ErrAborted) {
		m.logger.Warn("stream ended with error", "stream_id", s.ID, "error", err)
	}

	// The audit row is written before the reply leaves the loading status.
	if m.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.recorder.StreamFinished(ctx, s); err != nil {
			m.logger.Warn("record stream finish failed", "stream_id", s.ID, "error", err)
		}
		cancel()
	}

	m.mu.Lock()
	switch s.State() {
	case stream.SessionDone:
		reply.status = StatusSuccess
		reply.content = s.Transcript()
	case stream.SessionAborted:
		reply.status = StatusAbort
	default:
		reply.status = StatusError
	}
	m.mu.Unlock()

	m.logger.Info("stream finished", "conversation_id", c.id, "stream_id", s.ID, "state", s.State(), "steps", s.Ledger().Len())
}

// Abort cancels the conversation's running stream. Aborting a finished stream
// is a no-op.
func (m *Manager) Abort(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.session == nil {
		return ErrNoStream
	}
	c.session.Cancel()
	return nil
}

// Confirm runs the tool call of a pending step in the latest stream.
func (m *Manager) Confirm(ctx context.Context, id, key string) (stream.Step, error) {
	s, err := m.currentSession(id)
	if err != nil {
		return stream.Step{}, err
	}
	step, err := m.controller.Confirm(ctx, s, key, m.executor)
	if err != nil {
		return stream.Step{}, err
	}
	m.recordStep(ctx, s, step)
	return step, nil
}

// Reject refuses the tool call of a pending step in the latest stream.
func (m *Manager) Reject(ctx context.Context, id, key string) (stream.Step, error) {
	s, err := m.currentSession(id)
	if err != nil {
		return stream.Step{}, err
	}
	step, err := m.controller.Reject(s, key)
	if err != nil {
		return stream.Step{}, err
	}
	m.recordStep(ctx, s, step)
	return step, nil
}

func (m *Manager) recordStep(ctx context.Context, s *stream.Session, step stream.Step) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.StepResolved(ctx, s, step); err != nil {
		m.logger.Warn("record step failed", "stream_id", s.ID, "step", step.Key, "error", err)
	}
}

func (m *Manager) currentSession(id string) (*stream.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.session == nil {
		return nil, ErrNoStream
	}
	return c.session, nil
}

// SetExpanded replaces the set of expanded step keys.
func (m *Manager) SetExpanded(id string, keys []string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return View{}, ErrNotFound
	}
	c.expanded = make(map[string]bool, len(keys))
	for _, k := range keys {
		c.expanded[k] = true
	}
	return m.viewLocked(c), nil
}

// View returns the current state of a conversation.
func (m *Manager) View(id string) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return View{}, ErrNotFound
	}
	return m.viewLocked(c), nil
}

// ActiveID returns the id of the active conversation, or "".
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// List returns conversation summaries, newest first.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	convs := make([]*conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		convs = append(convs, c)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].seq > convs[j].seq })

	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		out = append(out, Summary{
			ID:        c.id,
			Label:     c.label,
			Group:     c.group,
			Active:    c.id == m.activeID,
			Messages:  len(c.messages),
			CreatedAt: c.createdAt,
		})
	}
	return out
}

// Close cancels every stream and waits for their consumers to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, c := range m.conversations {
		if c.session != nil {
			c.session.Cancel()
		}
	}
	m.mu.Unlock()
	m.stop()
	m.wg.Wait()
}

func (m *Manager) viewLocked(c *conversation) View {
	labels := m.controller.Labels()
	v := View{
		ID:       c.id,
		Label:    c.label,
		Group:    c.group,
		Active:   c.id == m.activeID,
		Expanded: c.expandedKeys(),
		Messages: make([]Message, 0, len(c.messages)),
	}
	for _, msg := range c.messages {
		v.Messages = append(v.Messages, msg.snapshot(labels))
	}
	if c.session != nil {
		v.StreamID = c.session.ID
		v.State = c.session.State()
		v.Steps = c.session.Snapshot()
	}
	return v
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
