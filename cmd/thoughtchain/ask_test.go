package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/thoughtchain/internal/api"
	"github.com/mattjoyce/thoughtchain/internal/conversation"
	"github.com/mattjoyce/thoughtchain/internal/stream"
)

type recordedSource struct {
	payloads []string
	err      error
}

func (s *recordedSource) Stream(ctx context.Context, _ []stream.Message) (stream.PayloadReader, error) {
	if s.err != nil {
		return nil, s.err
	}
	return stream.NewSliceReader(s.payloads...), nil
}

func chunkPayload(text string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]string{"content": text}}},
	})
	return string(b)
}

func newTestAPI(t *testing.T, src stream.Source) (*apiClient, *conversation.Manager) {
	t.Helper()
	logger := discardLogger()
	manager := conversation.NewManager(conversation.Options{
		Controller: stream.NewController(stream.Options{Logger: logger}),
		Source:     src,
		Logger:     logger,
	})
	srv := api.New(api.Config{
		Token:                   "tok",
		StreamPollInterval:      10 * time.Millisecond,
		StreamHeartbeatInterval: time.Second,
	}, manager, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(manager.Close)
	return newAPIClient(ts.URL, "tok"), manager
}

func TestAskPrintsReplySteps(t *testing.T) {
	client, _ := newTestAPI(t, &recordedSource{payloads: []string{
		chunkPayload("<think>"), chunkPayload("weighing it"), chunkPayload("</think>"),
		chunkPayload("<mcptool><tool>workspace_list</tool></mcptool>"), "[DONE]",
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := ask(ctx, client, "", "what is here?", &out, false); err != nil {
		t.Fatalf("ask: %v", err)
	}

	got := out.String()
	for _, want := range []string{"✓ Thinking", "    weighing it", `◌ Tool call request · { "tool": "workspace_list" }`, "[success]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestAskReusesEmptyActiveConversation(t *testing.T) {
	client, manager := newTestAPI(t, &recordedSource{payloads: []string{"[DONE]"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	existing, err := manager.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var out bytes.Buffer
	if err := ask(ctx, client, "", "hi", &out, true); err != nil {
		t.Fatalf("ask: %v", err)
	}
	var reply conversation.Message
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Status != conversation.StatusSuccess {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if list := manager.List(); len(list) != 1 || list[0].ID != existing.ID || list[0].Messages != 2 {
		t.Fatalf("expected the empty conversation to be reused, got %+v", list)
	}
}

func TestAskReportsFailedStream(t *testing.T) {
	client, _ := newTestAPI(t, &recordedSource{err: context.DeadlineExceeded})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := ask(ctx, client, "", "hi", &out, false)
	if err == nil || err.Error() != "Request failed, please try again!" {
		t.Fatalf("expected fallback error, got %v", err)
	}
}

func TestAPIClientReportsStatus(t *testing.T) {
	client, _ := newTestAPI(t, &recordedSource{})
	err := client.do(context.Background(), http.MethodGet, "/v1/conversations/missing", nil, nil)
	if !isStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 api error, got %v", err)
	}
	if !strings.Contains(err.Error(), "conversation not found") {
		t.Fatalf("expected server message, got %v", err)
	}
}
