package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunk(text string) string {
	return `{"choices":[{"delta":{"content":"` + text + `"}}]}`
}

type sliceSource struct {
	payloads []string
	err      error

	mu      sync.Mutex
	history [][]stream.Message
}

func (s *sliceSource) Stream(ctx context.Context, messages []stream.Message) (stream.PayloadReader, error) {
	s.mu.Lock()
	s.history = append(s.history, messages)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return stream.NewSliceReader(s.payloads...), nil
}

// chanSource streams whatever the test sends until the session is cancelled.
type chanSource struct {
	payloads chan string
}

func newChanSource() *chanSource {
	return &chanSource{payloads: make(chan string, 16)}
}

func (s *chanSource) Stream(ctx context.Context, _ []stream.Message) (stream.PayloadReader, error) {
	return &chanReader{ctx: ctx, ch: s.payloads}, nil
}

type chanReader struct {
	ctx context.Context
	ch  chan string
}

func (r *chanReader) Next() (string, error) {
	select {
	case <-r.ctx.Done():
		return "", r.ctx.Err()
	case p := <-r.ch:
		return p, nil
	}
}

func (r *chanReader) Close() error { return nil }

type fakeRecorder struct {
	mu       sync.Mutex
	started  []string
	finished []stream.SessionState
	resolved []stream.Step
}

func (r *fakeRecorder) StreamStarted(_ context.Context, s *stream.Session, prompt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, prompt)
	return nil
}

func (r *fakeRecorder) StreamFinished(_ context.Context, s *stream.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, s.State())
	return nil
}

func (r *fakeRecorder) StepResolved(_ context.Context, _ *stream.Session, step stream.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, step)
	return nil
}

func (r *fakeRecorder) finishedStates() []stream.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.SessionState(nil), r.finished...)
}

type executorFunc func(ctx context.Context, fields *stream.Fields) (string, error)

func (f executorFunc) Execute(ctx context.Context, fields *stream.Fields) (string, error) {
	return f(ctx, fields)
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.Controller == nil {
		opts.Controller = stream.NewController(stream.Options{Logger: opts.Logger})
	}
	m := NewManager(opts)
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitReply(t *testing.T, m *Manager, id string, status MessageStatus) View {
	t.Helper()
	var v View
	waitFor(t, "reply status "+string(status), func() bool {
		var err error
		v, err = m.View(id)
		if err != nil || len(v.Messages) == 0 {
			return false
		}
		return v.Messages[len(v.Messages)-1].Status == status
	})
	return v
}

func TestManagerSubmitStreamsReply(t *testing.T) {
	src := &sliceSource{payloads: []string{
		chunk("<think>"), chunk("Hello"), chunk(" world"), chunk("</think>"),
		chunk("<mcptool><result>ok</result></mcptool>"), "[DONE]",
	}}
	rec := &fakeRecorder{}
	m := newTestManager(t, Options{Source: src, Recorder: rec})

	created, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Label != DefaultLabel || !created.Active {
		t.Fatalf("unexpected new conversation: %+v", created)
	}
	if diff := cmp.Diff([]string{stream.ReasoningKey}, created.Expanded); diff != "" {
		t.Fatalf("expanded mismatch (-want +got):\n%s", diff)
	}

	reply, err := m.Submit(created.ID, "  please check the build status  ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if reply.Role != RoleAssistant || reply.Status != StatusLoading || reply.StreamID == "" {
		t.Fatalf("unexpected placeholder: %+v", reply)
	}

	v := waitReply(t, m, created.ID, StatusSuccess)
	if v.Label != "please check the bui" {
		t.Fatalf("label = %q", v.Label)
	}
	if len(v.Messages) != 2 || v.Messages[0].Role != RoleUser || v.Messages[0].Content != "please check the build status" {
		t.Fatalf("unexpected messages: %+v", v.Messages)
	}
	last := v.Messages[1]
	if len(last.Steps) != 2 || last.Steps[0].Content != "Hello world" {
		t.Fatalf("unexpected reply steps: %+v", last.Steps)
	}
	if last.Steps[1].Description != "{\n  \"result\": \"ok\"\n}" {
		t.Fatalf("unexpected tool description %q", last.Steps[1].Description)
	}
	if v.State != stream.SessionDone || v.StreamID != reply.StreamID {
		t.Fatalf("unexpected view stream state: %s %s", v.State, v.StreamID)
	}

	waitFor(t, "recorder finish", func() bool { return len(rec.finishedStates()) == 1 })
	src.mu.Lock()
	sent := src.history[0]
	src.mu.Unlock()
	if len(sent) != 1 || sent[0].Role != "user" {
		t.Fatalf("unexpected history sent to source: %+v", sent)
	}
}

func TestManagerLabelTruncatesRunes(t *testing.T) {
	m := newTestManager(t, Options{Source: &sliceSource{payloads: []string{"[DONE]"}}})
	c, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	text := strings.Repeat("思", 25)
	if _, err := m.Submit(c.ID, text); err != nil {
		t.Fatalf("submit: %v", err)
	}
	v := waitReply(t, m, c.ID, StatusSuccess)
	if v.Label != strings.Repeat("思", 20) {
		t.Fatalf("label = %q", v.Label)
	}

	if _, err := m.Submit(c.ID, "second question"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	v = waitReply(t, m, c.ID, StatusSuccess)
	if v.Label != strings.Repeat("思", 20) {
		t.Fatalf("label should only be set once, got %q", v.Label)
	}
}

func TestManagerAbortKeepsLedgerAndShowsFallback(t *testing.T) {
	src := newChanSource()
	rec := &fakeRecorder{}
	m := newTestManager(t, Options{Source: src, Recorder: rec})
	c, _ := m.Create(context.Background())

	if _, err := m.Submit(c.ID, "hi"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	src.payloads <- chunk("<think>")
	src.payloads <- chunk("partial")
	waitFor(t, "partial reasoning", func() bool {
		v, _ := m.View(c.ID)
		return len(v.Steps) > 0 && v.Steps[0].Content == "partial"
	})

	if err := m.Abort(c.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	v := waitReply(t, m, c.ID, StatusAbort)
	last := v.Messages[len(v.Messages)-1]
	if last.Content != "Request is aborted" {
		t.Fatalf("unexpected fallback %q", last.Content)
	}
	if len(last.Steps) != 1 || last.Steps[0].Content != "partial" || last.Steps[0].Status != stream.StepStatusPending {
		t.Fatalf("ledger should keep its last state: %+v", last.Steps)
	}
	if v.State != stream.SessionAborted {
		t.Fatalf("state = %s", v.State)
	}

	if err := m.Abort(c.ID); err != nil {
		t.Fatalf("second abort should be a no-op, got %v", err)
	}
	waitFor(t, "recorder finish", func() bool {
		states := rec.finishedStates()
		return len(states) == 1 && states[0] == stream.SessionAborted
	})
}

func TestManagerSourceFailureShowsFallback(t *testing.T) {
	m := newTestManager(t, Options{Source: &sliceSource{err: errors.New("connection refused")}})
	c, _ := m.Create(context.Background())

	if _, err := m.Submit(c.ID, "hi"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	v := waitReply(t, m, c.ID, StatusError)
	if got := v.Messages[1].Content; got != "Request failed, please try again!" {
		t.Fatalf("unexpected fallback %q", got)
	}
	if v.State != stream.SessionFailed {
		t.Fatalf("state = %s", v.State)
	}
}

func TestManagerCreateAndActivateCancelActiveStream(t *testing.T) {
	src := newChanSource()
	m := newTestManager(t, Options{Source: src, SwitchSettle: 20 * time.Millisecond})
	ctx := context.Background()

	first, _ := m.Create(ctx)
	if _, err := m.Create(ctx); !errors.Is(err, ErrAlreadyNew) {
		t.Fatalf("expected ErrAlreadyNew, got %v", err)
	}

	if _, err := m.Submit(first.ID, "long task"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	start := time.Now()
	second, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("switch did not wait for in-flight chunks to settle")
	}
	if m.ActiveID() != second.ID {
		t.Fatalf("active = %s, want %s", m.ActiveID(), second.ID)
	}
	waitReply(t, m, first.ID, StatusAbort)

	if _, err := m.Submit(second.ID, "another"); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	back, err := m.Activate(ctx, first.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !back.Active || back.ID != first.ID {
		t.Fatalf("unexpected activated view: %+v", back)
	}
	waitReply(t, m, second.ID, StatusAbort)

	if _, err := m.Activate(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list := m.List()
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("unexpected list order: %+v", list)
	}
	if !list[1].Active || list[0].Active {
		t.Fatalf("unexpected active flags: %+v", list)
	}
}

func TestManagerSwitchHonoursContext(t *testing.T) {
	src := newChanSource()
	m := newTestManager(t, Options{Source: src, SwitchSettle: time.Hour})
	c, _ := m.Create(context.Background())
	if _, err := m.Submit(c.ID, "x"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Create(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestManagerConfirmAndReject(t *testing.T) {
	src := &sliceSource{payloads: []string{
		chunk("<think>"), chunk("need it"), chunk("</think>"),
		chunk("<mcptool><tool>workspace_read</tool><path>a.txt</path></mcptool>"), "[DONE]",
	}}
	rec := &fakeRecorder{}
	var seen string
	exec := executorFunc(func(ctx context.Context, fields *stream.Fields) (string, error) {
		seen, _ = fields.Get("path")
		return "contents", nil
	})
	m := newTestManager(t, Options{Source: src, Recorder: rec, Executor: exec})
	ctx := context.Background()
	c, _ := m.Create(ctx)

	if _, err := m.Confirm(ctx, c.ID, "1"); !errors.Is(err, ErrNoStream) {
		t.Fatalf("expected ErrNoStream, got %v", err)
	}

	if _, err := m.Submit(c.ID, "read a.txt"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitReply(t, m, c.ID, StatusSuccess)

	step, err := m.Confirm(ctx, c.ID, "1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if seen != "a.txt" || step.Status != stream.StepStatusSuccess {
		t.Fatalf("unexpected confirm: seen=%q step=%+v", seen, step)
	}
	if _, err := m.Reject(ctx, c.ID, "1"); !errors.Is(err, stream.ErrStepNotPending) {
		t.Fatalf("expected ErrStepNotPending, got %v", err)
	}

	if _, err := m.Submit(c.ID, "again"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "second reply", func() bool {
		v, _ := m.View(c.ID)
		return len(v.Messages) == 4 && v.Messages[3].Status == StatusSuccess
	})
	step, err = m.Reject(ctx, c.ID, "1")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if step.Content != "Rejected by user" {
		t.Fatalf("unexpected rejected step %+v", step)
	}

	v, _ := m.View(c.ID)
	if v.Messages[1].Steps[1].Status != stream.StepStatusSuccess || v.Messages[3].Steps[1].Status != stream.StepStatusError {
		t.Fatalf("each reply should keep its own ledger: %+v / %+v", v.Messages[1].Steps[1], v.Messages[3].Steps[1])
	}

	rec.mu.Lock()
	resolved := len(rec.resolved)
	rec.mu.Unlock()
	if resolved != 2 {
		t.Fatalf("expected 2 recorded resolutions, got %d", resolved)
	}

	src.mu.Lock()
	second := src.history[1]
	src.mu.Unlock()
	if len(second) != 3 || second[1].Role != "assistant" {
		t.Fatalf("second request should carry history, got %+v", second)
	}
}

func TestManagerSetExpandedAndErrors(t *testing.T) {
	m := newTestManager(t, Options{Source: &sliceSource{payloads: []string{"[DONE]"}}})
	c, _ := m.Create(context.Background())

	v, err := m.SetExpanded(c.ID, []string{"1", "think", "1"})
	if err != nil {
		t.Fatalf("set expanded: %v", err)
	}
	if diff := cmp.Diff([]string{"1", "think"}, v.Expanded); diff != "" {
		t.Fatalf("expanded mismatch (-want +got):\n%s", diff)
	}

	if _, err := m.SetExpanded("missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Submit(c.ID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := m.Submit("missing", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.Abort(c.ID); !errors.Is(err, ErrNoStream) {
		t.Fatalf("expected ErrNoStream, got %v", err)
	}
	if _, err := m.View("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	m.Close()
	if _, err := m.Submit(c.ID, "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
