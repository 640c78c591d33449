package config

import (
	"time"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

// Config represents the complete thoughtchain configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	LLM      LLMConfig      `yaml:"llm"`
	Stream   StreamConfig   `yaml:"stream"`
	Tools    ToolsConfig    `yaml:"tools"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite audit storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen                  string        `yaml:"listen"`
	Token                   string        `yaml:"token"`
	StreamPollInterval      time.Duration `yaml:"stream_poll_interval"`
	StreamHeartbeatInterval time.Duration `yaml:"stream_heartbeat_interval"`
}

// LLMConfig defines where completions are streamed from.
type LLMConfig struct {
	// Transport is "sse" for a raw OpenAI-compatible endpoint or "eino" for a chat model.
	Transport    string        `yaml:"transport"`
	Provider     string        `yaml:"provider"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url,omitempty"`
	MaxTokens    int           `yaml:"max_tokens"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

// StreamConfig defines the marker protocol and pacing of the reconstructor.
type StreamConfig struct {
	OpenMarker   string        `yaml:"open_marker"`
	CloseMarker  string        `yaml:"close_marker"`
	DoneSentinel string        `yaml:"done_sentinel"`
	ReservedTag  string        `yaml:"reserved_tag"`
	UpdateDelay  time.Duration `yaml:"update_delay"`
	SwitchSettle time.Duration `yaml:"switch_settle"`
	Labels       stream.Labels `yaml:"labels"`
}

// ToolsConfig defines the tools a confirmed step may run.
type ToolsConfig struct {
	WorkspaceDir string   `yaml:"workspace_dir"`
	Enabled      []string `yaml:"enabled"`
}
