package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fieldsFrom(text string) *stream.Fields {
	return stream.ExtractTags(text, stream.DefaultReservedTag)
}

func TestResolveCall(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantName string
		wantArgs map[string]any
		wantErr  error
	}{
		{
			name:     "explicit arguments",
			text:     `<mcptool><tool>workspace_read</tool><arguments>{"path":"a.txt","max_lines":5}</arguments></mcptool>`,
			wantName: "workspace_read",
			wantArgs: map[string]any{"path": "a.txt", "max_lines": float64(5)},
		},
		{
			name:     "remaining fields become arguments",
			text:     `<mcptool><name>workspace_write</name><path>n.txt</path><content>hi</content></mcptool>`,
			wantName: "workspace_write",
			wantArgs: map[string]any{"path": "n.txt", "content": "hi"},
		},
		{
			name:     "tool_name with params",
			text:     `<tool_name> workspace_list </tool_name><params> {} </params>`,
			wantName: "workspace_list",
			wantArgs: map[string]any{},
		},
		{
			name:    "missing name",
			text:    `<mcptool><path>a.txt</path></mcptool>`,
			wantErr: ErrNoToolName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, err := ResolveCall(fieldsFrom(tt.text))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if name != tt.wantName {
				t.Fatalf("name = %q, want %q", name, tt.wantName)
			}
			var got map[string]any
			if err := json.Unmarshal([]byte(args), &got); err != nil {
				t.Fatalf("arguments are not JSON: %v (%s)", err, args)
			}
			if diff := cmp.Diff(tt.wantArgs, got); diff != "" {
				t.Fatalf("arguments mismatch (-want +got):\n%s", diff)
			}
		})
	}

	if _, _, err := ResolveCall(fieldsFrom(`<tool>x</tool><arguments>not json</arguments>`)); err == nil {
		t.Fatalf("expected error for non-JSON arguments")
	}
	if _, _, err := ResolveCall(nil); !errors.Is(err, ErrNoToolName) {
		t.Fatalf("expected ErrNoToolName for nil fields, got %v", err)
	}
}

func TestRegistryExecute(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	reg, err := NewBuiltinRegistry(ctx, base, nil, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if diff := cmp.Diff([]string{"host_info", "host_interfaces", "workspace_append", "workspace_list", "workspace_read", "workspace_write"}, reg.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}

	out, err := reg.Execute(ctx, fieldsFrom(`<mcptool><tool>workspace_write</tool><path>notes/a.txt</path><content>ok</content></mcptool>`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out == "" {
		t.Fatalf("expected tool output")
	}
	data, err := os.ReadFile(filepath.Join(base, "notes", "a.txt"))
	if err != nil || string(data) != "ok" {
		t.Fatalf("file not written: %q %v", data, err)
	}

	if _, err := reg.Execute(ctx, fieldsFrom(`<tool>rm_rf</tool>`)); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if _, err := reg.Execute(ctx, fieldsFrom(`<tool>workspace_read</tool><path>missing.txt</path>`)); err == nil {
		t.Fatalf("expected error reading a missing file")
	}
}

func TestBuiltinRegistryEnabledFilter(t *testing.T) {
	ctx := context.Background()
	reg, err := NewBuiltinRegistry(ctx, t.TempDir(), []string{"workspace_read"}, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if diff := cmp.Diff([]string{"workspace_read"}, reg.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if infos := reg.Infos(); len(infos) != 1 || infos[0].Name != "workspace_read" {
		t.Fatalf("unexpected infos: %+v", infos)
	}

	if _, err := NewBuiltinRegistry(ctx, t.TempDir(), []string{"workspace_shred"}, testLogger()); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool for unknown enabled tool, got %v", err)
	}

	dup := NewRegistry(testLogger())
	tools := BuildWorkspaceTools(t.TempDir())
	if err := dup.Register(ctx, tools[0], tools[0]); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestRegistryConfirmsStreamStep(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	reg, err := NewBuiltinRegistry(ctx, base, nil, testLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	c := stream.NewController(stream.Options{Logger: testLogger()})
	s := c.NewSession(ctx, "conv")
	r := stream.NewSliceReader(
		`{"choices":[{"delta":{"content":"<think>write it</think>"}}]}`,
		`{"choices":[{"delta":{"content":"<mcptool><tool>workspace_write</tool><path>x.txt</path><content>42</content></mcptool>"}}]}`,
		"[DONE]",
	)
	if err := c.Run(s, r); err != nil {
		t.Fatalf("run: %v", err)
	}

	step, err := c.Confirm(ctx, s, "1", reg)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if step.Status != stream.StepStatusSuccess {
		t.Fatalf("unexpected step %+v", step)
	}
	if data, _ := os.ReadFile(filepath.Join(base, "x.txt")); string(data) != "42" {
		t.Fatalf("tool did not run, file = %q", data)
	}
}
