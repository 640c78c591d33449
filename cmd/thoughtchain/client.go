package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mattjoyce/thoughtchain/internal/conversation"
	"github.com/mattjoyce/thoughtchain/internal/stream"
)

// apiError is a non-2xx response from the thoughtchain API.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func isStatus(err error, status int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == status
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), token: token, http: &http.Client{}}
}

func conversationPath(id string, parts ...string) string {
	p := "/v1/conversations/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// do sends body as JSON and decodes a successful response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// followEvents reads conversation snapshots until fn reports done, the server
// closes the stream, or ctx ends.
func (c *apiClient) followEvents(ctx context.Context, id string, fn func(conversation.View) (bool, error)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+conversationPath(id, "events"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("stream request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	events := stream.NewSSEReader(resp.Body)
	defer events.Close()
	for {
		data, err := events.Next()
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		v, err := decodeSnapshot(data)
		if err != nil {
			return err
		}
		done, err := fn(v)
		if err != nil || done {
			return err
		}
	}
}

// decodeSnapshot parses one event payload. The server reports stream errors
// as an object with an error field.
func decodeSnapshot(data string) (conversation.View, error) {
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return conversation.View{}, fmt.Errorf("decode event: %w", err)
	}
	if probe.Error != "" {
		return conversation.View{}, errors.New(probe.Error)
	}
	var v conversation.View
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return conversation.View{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return v, nil
}
