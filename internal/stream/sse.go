package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Message is one chat turn sent to a completion source.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PayloadReader yields raw event payloads in arrival order. Next returns io.EOF
// once the transport has no more events.
type PayloadReader interface {
	Next() (string, error)
	Close() error
}

// Source opens one streamed completion for a conversation history.
type Source interface {
	Stream(ctx context.Context, messages []Message) (PayloadReader, error)
}

// SSEReader reads server-sent events and returns each event's data lines joined
// by newlines. Comments and the event, id and retry fields are ignored.
type SSEReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	done    bool
}

// NewSSEReader wraps r. If r is an io.Closer, Close closes it.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 2*1024*1024)
	sr := &SSEReader{scanner: scanner}
	if c, ok := r.(io.Closer); ok {
		sr.closer = c
	}
	return sr
}

// Next returns the next event payload.
func (r *SSEReader) Next() (string, error) {
	if r.done {
		return "", io.EOF
	}

	var dataLines []string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			return strings.Join(dataLines, "\n"), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			part := strings.TrimPrefix(line, "data:")
			if strings.HasPrefix(part, " ") {
				part = part[1:]
			}
			dataLines = append(dataLines, part)
		}
	}
	r.done = true

	if err := r.scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}
	if len(dataLines) > 0 {
		return strings.Join(dataLines, "\n"), nil
	}
	return "", io.EOF
}

// Close closes the underlying reader if it is closable.
func (r *SSEReader) Close() error {
	r.done = true
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// SliceReader replays a fixed list of payloads.
type SliceReader struct {
	payloads []string
	pos      int
}

// NewSliceReader returns a PayloadReader over payloads.
func NewSliceReader(payloads ...string) *SliceReader {
	return &SliceReader{payloads: payloads}
}

// Next returns the next payload or io.EOF.
func (r *SliceReader) Next() (string, error) {
	if r.pos >= len(r.payloads) {
		return "", io.EOF
	}
	p := r.payloads[r.pos]
	r.pos++
	return p, nil
}

// Close is a no-op.
func (r *SliceReader) Close() error {
	return nil
}
