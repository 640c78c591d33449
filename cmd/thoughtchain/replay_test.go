package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mattjoyce/thoughtchain/internal/config"
	"github.com/mattjoyce/thoughtchain/internal/stream"
)

func sseRecording(contents ...string) string {
	var b strings.Builder
	b.WriteString(": recorded\n\n")
	for _, c := range contents {
		payload, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"delta": map[string]string{"content": c}}},
		})
		b.WriteString("data: ")
		b.Write(payload)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReplayPrintsLedger(t *testing.T) {
	rec := sseRecording("<think>", "check ", "the file", "</think>", "<mcptool><tool>workspace_read</tool><path>a.txt</path></mcptool>")
	var out bytes.Buffer
	if err := replay(context.Background(), config.StreamConfig{}, strings.NewReader(rec), &out, false, discardLogger()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"✓ Thinking · Thought for 0s",
		"    check the file",
		`◌ Tool call request · { "tool": "workspace_read", "path": "a.txt" }`,
		"state=done steps=2",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestReplayJSONUsesConfiguredMarkers(t *testing.T) {
	rec := sseRecording("<reason>", "hmm", "</reason>", "done")
	sc := config.StreamConfig{OpenMarker: "<reason>", CloseMarker: "</reason>"}
	var out bytes.Buffer
	if err := replay(context.Background(), sc, strings.NewReader(rec), &out, true, discardLogger()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	var res replayResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if res.State != stream.SessionDone || len(res.Steps) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Steps[0].Content != "hmm" || res.Transcript != "hmmdone" {
		t.Fatalf("unexpected reasoning %q / transcript %q", res.Steps[0].Content, res.Transcript)
	}
}

func TestReplayWithoutSentinelStillFinishes(t *testing.T) {
	rec := "data: " + `{"choices":[{"delta":{"content":"partial"}}]}` + "\n\n"
	var out bytes.Buffer
	if err := replay(context.Background(), config.StreamConfig{}, strings.NewReader(rec), &out, true, discardLogger()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	var res replayResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if res.State != stream.SessionDone || res.Steps[0].Status != stream.StepStatusSuccess {
		t.Fatalf("unexpected result: %+v", res)
	}
}
