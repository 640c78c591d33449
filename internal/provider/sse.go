package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mattjoyce/thoughtchain/internal/config"
	"github.com/mattjoyce/thoughtchain/internal/stream"
)

const errorExcerptLimit = 512

// SSESource streams raw chunks from an OpenAI-compatible chat completions endpoint.
// The payloads reach the decoder untouched so markers embedded anywhere in the
// raw text are still seen.
type SSESource struct {
	baseURL      string
	apiKey       string
	model        string
	maxTokens    int
	systemPrompt string
	httpClient   *http.Client
}

// NewSSESource creates an SSESource from config.
func NewSSESource(cfg config.LLMConfig) *SSESource {
	return &SSESource{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type completionRequest struct {
	Model     string           `json:"model,omitempty"`
	Messages  []stream.Message `json:"messages"`
	Stream    bool             `json:"stream"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Stream posts messages and returns a reader over the response events.
func (s *SSESource) Stream(ctx context.Context, messages []stream.Message) (stream.PayloadReader, error) {
	body, err := json.Marshal(completionRequest{
		Model:     s.model,
		Messages:  withSystemPrompt(s.systemPrompt, messages),
		Stream:    true,
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	url := s.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post chat completions: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorExcerptLimit))
		return nil, fmt.Errorf("post chat completions: status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return stream.NewSSEReader(resp.Body), nil
}

func withSystemPrompt(prompt string, messages []stream.Message) []stream.Message {
	if strings.TrimSpace(prompt) == "" {
		return messages
	}
	out := make([]stream.Message, 0, len(messages)+1)
	out = append(out, stream.Message{Role: "system", Content: prompt})
	return append(out, messages...)
}
