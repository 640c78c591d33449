package main

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/go-cmp/cmp"

	"github.com/mattjoyce/thoughtchain/internal/conversation"
	"github.com/mattjoyce/thoughtchain/internal/stream"
)

func streamingView() conversation.View {
	return conversation.View{
		ID:       "conv-1",
		Label:    "hello",
		StreamID: "stream-abcdef123",
		State:    stream.SessionStreaming,
		Expanded: []string{stream.ReasoningKey},
		Steps: []stream.Step{
			{Key: "think", Title: "Thinking", Status: stream.StepStatusPending, Content: "line one\nline two", Description: "Thinking... 1s elapsed"},
		},
	}
}

func TestWatchModelLogsStreamTransitions(t *testing.T) {
	m := newWatchModel(watchConfig{ConversationID: "conv-1"}, newAPIClient("http://example", "tok"))

	m.handleSnapshot(streamingView())
	if len(m.events) != 1 || !strings.Contains(m.events[0], "snapshot") {
		t.Fatalf("unexpected events after first snapshot: %v", m.events)
	}

	m.handleSnapshot(streamingView())
	if len(m.events) != 1 {
		t.Fatalf("identical snapshot should not log, got %v", m.events)
	}

	next := streamingView()
	next.State = stream.SessionDone
	next.Steps[0].Status = stream.StepStatusSuccess
	next.Steps = append(next.Steps, stream.Step{Key: "1", Title: "Tool call request", Status: stream.StepStatusPending})
	m.handleSnapshot(next)

	joined := strings.Join(m.events, "\n")
	for _, want := range []string{"state=done steps=2", "step think success", `step 1 "Tool call request" added`} {
		if !strings.Contains(joined, want) {
			t.Fatalf("events missing %q:\n%s", want, joined)
		}
	}
}

func TestWatchModelStepLinesHonourExpansion(t *testing.T) {
	m := newWatchModel(watchConfig{ConversationID: "conv-1"}, newAPIClient("http://example", "tok"))
	v := streamingView()
	v.Steps = append(v.Steps, stream.Step{Key: "1", Title: "Tool call request", Status: stream.StepStatusError, Content: "Rejected by user", Description: "{\n  \"tool\": \"x\"\n}"})
	m.handleSnapshot(v)

	lines := m.stepLines(200)
	want := []string{
		"> - ◌ Thinking · Thinking... 1s elapsed",
		"      line one",
		"      line two",
		`  + ✗ Tool call request · { "tool": "x" }`,
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Fatalf("step lines mismatch (-want +got):\n%s", diff)
	}
}

func TestWatchModelSelectionClamps(t *testing.T) {
	m := newWatchModel(watchConfig{ConversationID: "conv-1"}, newAPIClient("http://example", "tok"))
	m.handleSnapshot(streamingView())

	model, _ := m.handleKey("down")
	m = model.(watchModel)
	if m.selected != 0 {
		t.Fatalf("selection moved past the last step: %d", m.selected)
	}
	model, _ = m.handleKey("up")
	m = model.(watchModel)
	if m.selected != 0 {
		t.Fatalf("selection moved before the first step: %d", m.selected)
	}

	model, cmd := m.handleKey("enter")
	if cmd == nil {
		t.Fatalf("expected an expand command")
	}
	if _, ok := model.(watchModel); !ok {
		t.Fatalf("unexpected model type %T", model)
	}
}

func TestWatchModelKeysIgnoredWithoutView(t *testing.T) {
	m := newWatchModel(watchConfig{}, newAPIClient("http://example", "tok"))
	if _, cmd := m.handleKey("c"); cmd != nil {
		t.Fatalf("expected no command before the first snapshot")
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd == nil {
		t.Fatalf("expected quit command")
	}
}

func TestToggleKey(t *testing.T) {
	if diff := cmp.Diff([]string{"1", "think"}, toggleKey([]string{"think"}, "1")); diff != "" {
		t.Fatalf("add mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1"}, toggleKey([]string{"1", "think"}, "think")); diff != "" {
		t.Fatalf("remove mismatch (-want +got):\n%s", diff)
	}
}

func TestTrimForLogCountsRunes(t *testing.T) {
	if got := trimForLog("思考思考思考", 5); got != "思考..." {
		t.Fatalf("trimForLog = %q", got)
	}
	if got := trimForLog("short", 10); got != "short" {
		t.Fatalf("trimForLog = %q", got)
	}
}

func TestDecodeSnapshot(t *testing.T) {
	v, err := decodeSnapshot(`{"id":"conv-1","label":"hi","steps":[{"key":"think","status":"pending"}]}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.ID != "conv-1" || len(v.Steps) != 1 {
		t.Fatalf("unexpected view %+v", v)
	}
	if _, err := decodeSnapshot(`{"error":"conversation not found"}`); err == nil || err.Error() != "conversation not found" {
		t.Fatalf("expected server error, got %v", err)
	}
	if _, err := decodeSnapshot(`not json`); err == nil {
		t.Fatalf("expected decode error")
	}
}
