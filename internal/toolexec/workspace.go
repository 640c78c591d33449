package toolexec

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const defaultReadLines = 200

// WorkspaceTool is one file operation confined to a workspace directory.
type WorkspaceTool struct {
	name    string
	desc    string
	params  map[string]*schema.ParameterInfo
	handler func(baseDir string, args json.RawMessage) (map[string]any, error)
	baseDir string
}

var _ tool.InvokableTool = (*WorkspaceTool)(nil)

// Info returns tool metadata.
func (t *WorkspaceTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        t.name,
		Desc:        t.desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(t.params),
	}, nil
}

// InvokableRun executes the file operation and returns a JSON result.
func (t *WorkspaceTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	if strings.TrimSpace(argumentsInJSON) == "" {
		argumentsInJSON = "{}"
	}
	result, err := t.handler(t.baseDir, json.RawMessage(argumentsInJSON))
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}

// sanitizePath validates and resolves a relative path within baseDir.
func sanitizePath(baseDir, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	base := filepath.Clean(baseDir)
	cleaned := filepath.Join(base, relPath)
	rel, err := filepath.Rel(base, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace directory")
	}
	return cleaned, nil
}

// BuildWorkspaceTools returns the workspace file tools confined to baseDir.
func BuildWorkspaceTools(baseDir string) []*WorkspaceTool {
	tools := []*WorkspaceTool{
		{
			name: "workspace_write",
			desc: "Create or overwrite a file in the workspace. Creates parent directories as needed.",
			params: map[string]*schema.ParameterInfo{
				"path":    {Type: schema.String, Desc: "Relative path within the workspace", Required: true},
				"content": {Type: schema.String, Desc: "File content to write"},
			},
			handler: handleWrite,
		},
		{
			name: "workspace_append",
			desc: "Append content to a file in the workspace. Creates the file if it does not exist.",
			params: map[string]*schema.ParameterInfo{
				"path":    {Type: schema.String, Desc: "Relative path within the workspace", Required: true},
				"content": {Type: schema.String, Desc: "Content to append"},
			},
			handler: handleAppend,
		},
		{
			name: "workspace_read",
			desc: "Read the contents of a file in the workspace.",
			params: map[string]*schema.ParameterInfo{
				"path":      {Type: schema.String, Desc: "Relative path within the workspace", Required: true},
				"max_lines": {Type: schema.Integer, Desc: "Maximum lines to return (default 200)"},
			},
			handler: handleRead,
		},
		{
			name: "workspace_list",
			desc: "List entries in a workspace directory.",
			params: map[string]*schema.ParameterInfo{
				"path": {Type: schema.String, Desc: "Relative directory path (default '.')"},
			},
			handler: handleList,
		},
	}
	for _, t := range tools {
		t.baseDir = baseDir
	}
	return tools
}

type pathArgs struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	MaxLines int    `json:"max_lines"`
}

func parsePathArgs(args json.RawMessage) (pathArgs, error) {
	var p pathArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return p, fmt.Errorf("parse arguments: %w", err)
	}
	return p, nil
}

func handleWrite(baseDir string, args json.RawMessage) (map[string]any, error) {
	p, err := parsePathArgs(args)
	if err != nil {
		return nil, err
	}
	abs, err := sanitizePath(baseDir, p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(abs, []byte(p.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	return map[string]any{"path": p.Path, "bytes_written": len(p.Content)}, nil
}

func handleAppend(baseDir string, args json.RawMessage) (map[string]any, error) {
	p, err := parsePathArgs(args)
	if err != nil {
		return nil, err
	}
	abs, err := sanitizePath(baseDir, p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file for append: %w", err)
	}
	defer f.Close()
	n, err := f.WriteString(p.Content)
	if err != nil {
		return nil, fmt.Errorf("append to file: %w", err)
	}
	return map[string]any{"path": p.Path, "bytes_written": n}, nil
}

func handleRead(baseDir string, args json.RawMessage) (map[string]any, error) {
	p, err := parsePathArgs(args)
	if err != nil {
		return nil, err
	}
	if p.MaxLines <= 0 {
		p.MaxLines = defaultReadLines
	}
	abs, err := sanitizePath(baseDir, p.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	truncated := false
	for scanner.Scan() {
		if len(lines) >= p.MaxLines {
			truncated = true
			break
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return map[string]any{
		"path":      p.Path,
		"content":   strings.Join(lines, "\n"),
		"lines":     len(lines),
		"truncated": truncated,
	}, nil
}

func handleList(baseDir string, args json.RawMessage) (map[string]any, error) {
	p, err := parsePathArgs(args)
	if err != nil {
		return nil, err
	}
	if p.Path == "" {
		p.Path = "."
	}
	abs, err := sanitizePath(baseDir, p.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	type entry struct {
		Name  string `json:"name"`
		Size  int64  `json:"size"`
		IsDir bool   `json:"is_dir"`
	}
	result := make([]entry, 0, len(entries))
	for _, e := range entries {
		var size int64
		if info, infoErr := e.Info(); infoErr == nil {
			size = info.Size()
		}
		result = append(result, entry{Name: e.Name(), Size: size, IsDir: e.IsDir()})
	}
	return map[string]any{"path": p.Path, "entries": result}, nil
}
