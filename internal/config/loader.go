package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "thoughtchain"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/thoughtchain.db"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8090"
	}
	if cfg.API.StreamPollInterval == 0 {
		cfg.API.StreamPollInterval = 700 * time.Millisecond
	}
	if cfg.API.StreamHeartbeatInterval == 0 {
		cfg.API.StreamHeartbeatInterval = 15 * time.Second
	}
	if cfg.LLM.Transport == "" {
		cfg.LLM.Transport = "sse"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 5 * time.Minute
	}
	if cfg.Stream.OpenMarker == "" {
		cfg.Stream.OpenMarker = stream.DefaultOpenMarker
	}
	if cfg.Stream.CloseMarker == "" {
		cfg.Stream.CloseMarker = stream.DefaultCloseMarker
	}
	if cfg.Stream.DoneSentinel == "" {
		cfg.Stream.DoneSentinel = stream.DefaultDoneSentinel
	}
	if cfg.Stream.ReservedTag == "" {
		cfg.Stream.ReservedTag = stream.DefaultReservedTag
	}
	if cfg.Stream.SwitchSettle == 0 {
		cfg.Stream.SwitchSettle = 100 * time.Millisecond
	}
	cfg.Stream.Labels = cfg.Stream.Labels.WithDefaults()
	if cfg.Tools.WorkspaceDir == "" {
		cfg.Tools.WorkspaceDir = "./data/workspace"
	}
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if err := checkResolved("api.token", cfg.API.Token); err != nil {
		return err
	}
	if cfg.API.StreamPollInterval <= 0 {
		return fmt.Errorf("api.stream_poll_interval must be positive")
	}
	if cfg.API.StreamHeartbeatInterval <= 0 {
		return fmt.Errorf("api.stream_heartbeat_interval must be positive")
	}

	switch cfg.LLM.Transport {
	case "sse":
		if cfg.LLM.BaseURL == "" {
			return fmt.Errorf("llm.base_url is required for the sse transport")
		}
	case "eino":
		if cfg.LLM.Provider == "" {
			return fmt.Errorf("llm.provider is required for the eino transport")
		}
	default:
		return fmt.Errorf("llm.transport must be one of: sse, eino (got %q)", cfg.LLM.Transport)
	}
	if err := checkResolved("llm.api_key", cfg.LLM.APIKey); err != nil {
		return err
	}
	if cfg.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}
	if cfg.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout must not be negative")
	}

	if cfg.Stream.OpenMarker == cfg.Stream.CloseMarker {
		return fmt.Errorf("stream.open_marker and stream.close_marker must differ")
	}
	if cfg.Stream.UpdateDelay < 0 {
		return fmt.Errorf("stream.update_delay must not be negative")
	}
	if cfg.Stream.SwitchSettle < 0 {
		return fmt.Errorf("stream.switch_settle must not be negative")
	}
	return nil
}

// checkResolved rejects values still holding an unset ${VAR} reference.
func checkResolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
