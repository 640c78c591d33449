package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrNoToolName  = errors.New("tool call names no tool")
)

var (
	nameKeys = []string{"tool", "name", "tool_name"}
	argKeys  = []string{"arguments", "args", "params", "input"}
)

// Registry runs confirmed tool calls against a fixed set of Eino tools.
type Registry struct {
	tools  map[string]tool.InvokableTool
	infos  map[string]*schema.ToolInfo
	logger *slog.Logger
}

var _ stream.Executor = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  map[string]tool.InvokableTool{},
		infos:  map[string]*schema.ToolInfo{},
		logger: logger,
	}
}

// Register adds tools under the names their Info reports.
func (r *Registry) Register(ctx context.Context, tools ...tool.InvokableTool) error {
	for _, t := range tools {
		info, err := t.Info(ctx)
		if err != nil {
			return fmt.Errorf("read tool info: %w", err)
		}
		if info.Name == "" {
			return fmt.Errorf("register tool: empty name")
		}
		if _, exists := r.tools[info.Name]; exists {
			return fmt.Errorf("register tool %q: already registered", info.Name)
		}
		r.tools[info.Name] = t
		r.infos[info.Name] = info
	}
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns tool metadata in name order.
func (r *Registry) Infos() []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(r.infos))
	for _, name := range r.Names() {
		out = append(out, r.infos[name])
	}
	return out
}

// Execute resolves the tool named by fields and runs it.
func (r *Registry) Execute(ctx context.Context, fields *stream.Fields) (string, error) {
	name, args, err := ResolveCall(fields)
	if err != nil {
		return "", err
	}
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	start := time.Now()
	out, err := t.InvokableRun(ctx, args)
	if err != nil {
		r.logger.Warn("tool call failed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return "", fmt.Errorf("run %s: %w", name, err)
	}
	r.logger.Info("tool call completed", "tool", name, "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// ResolveCall extracts the tool name and JSON arguments from extracted tag
// fields. An explicit argument field must hold a JSON object; otherwise the
// remaining fields become the arguments.
func ResolveCall(fields *stream.Fields) (string, string, error) {
	if fields == nil {
		return "", "", ErrNoToolName
	}
	nameKey, name := firstField(fields, nameKeys)
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", ErrNoToolName
	}

	if _, raw := firstField(fields, argKeys); raw != "" {
		raw = strings.TrimSpace(raw)
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return "", "", fmt.Errorf("parse %s arguments: %w", name, err)
		}
		return name, raw, nil
	}

	rest := map[string]string{}
	for pair := fields.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == nameKey || containsKey(argKeys, pair.Key) {
			continue
		}
		rest[pair.Key] = pair.Value
	}
	encoded, err := json.Marshal(rest)
	if err != nil {
		return "", "", fmt.Errorf("encode %s arguments: %w", name, err)
	}
	return name, string(encoded), nil
}

func firstField(fields *stream.Fields, keys []string) (string, string) {
	for _, k := range keys {
		if v, ok := fields.Get(k); ok {
			return k, v
		}
	}
	return "", ""
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// builtinTools returns every tool a registry can enable.
func builtinTools(baseDir string) []tool.InvokableTool {
	var out []tool.InvokableTool
	for _, t := range BuildWorkspaceTools(baseDir) {
		out = append(out, t)
	}
	for _, t := range BuildHostTools() {
		out = append(out, t)
	}
	return out
}

// NewBuiltinRegistry registers the built-in tools named in enabled, or all of
// them when enabled is empty. Workspace tools are confined to baseDir.
func NewBuiltinRegistry(ctx context.Context, baseDir string, enabled []string, logger *slog.Logger) (*Registry, error) {
	allow := map[string]bool{}
	for _, name := range enabled {
		allow[name] = true
	}

	reg := NewRegistry(logger)
	known := map[string]bool{}
	for _, t := range builtinTools(baseDir) {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		known[info.Name] = true
		if len(allow) > 0 && !allow[info.Name] {
			continue
		}
		if err := reg.Register(ctx, t); err != nil {
			return nil, err
		}
	}
	for name := range allow {
		if !known[name] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
	}
	return reg, nil
}
