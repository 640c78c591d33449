package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

// EinoSource adapts an Eino chat model to the raw payload stream the decoder
// expects. Separate reasoning content is wrapped in the reasoning markers.
type EinoSource struct {
	model        model.BaseChatModel
	openMarker   string
	closeMarker  string
	doneSentinel string
}

// NewEinoSource creates an EinoSource. Empty markers fall back to the defaults.
func NewEinoSource(m model.BaseChatModel, openMarker, closeMarker, doneSentinel string) *EinoSource {
	d := stream.NewDecoder(openMarker, closeMarker, doneSentinel)
	return &EinoSource{
		model:        m,
		openMarker:   d.OpenMarker,
		closeMarker:  d.CloseMarker,
		doneSentinel: d.DoneSentinel,
	}
}

// Stream starts a streamed generation.
func (s *EinoSource) Stream(ctx context.Context, messages []stream.Message) (stream.PayloadReader, error) {
	input := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		input = append(input, &schema.Message{Role: schema.RoleType(m.Role), Content: m.Content})
	}

	sr, err := s.model.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("start model stream: %w", err)
	}
	return &einoReader{source: s, sr: sr}, nil
}

type einoReader struct {
	source    *EinoSource
	sr        *schema.StreamReader[*schema.Message]
	pending   []string
	reasoning bool
	finished  bool
}

func (r *einoReader) Next() (string, error) {
	for len(r.pending) == 0 {
		if r.finished {
			return "", io.EOF
		}
		if err := r.fill(); err != nil {
			return "", err
		}
	}
	p := r.pending[0]
	r.pending = r.pending[1:]
	return p, nil
}

func (r *einoReader) fill() error {
	msg, err := r.sr.Recv()
	if errors.Is(err, io.EOF) {
		if r.reasoning {
			r.pending = append(r.pending, encodeDelta(r.source.closeMarker))
			r.reasoning = false
		}
		r.pending = append(r.pending, r.source.doneSentinel)
		r.finished = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("receive model chunk: %w", err)
	}
	if msg == nil {
		return nil
	}

	if msg.ReasoningContent != "" {
		if !r.reasoning {
			r.pending = append(r.pending, encodeDelta(r.source.openMarker))
			r.reasoning = true
		}
		r.pending = append(r.pending, encodeDelta(msg.ReasoningContent))
	}
	if msg.Content != "" {
		if r.reasoning {
			r.pending = append(r.pending, encodeDelta(r.source.closeMarker))
			r.reasoning = false
		}
		r.pending = append(r.pending, encodeDelta(msg.Content))
	}
	return nil
}

func (r *einoReader) Close() error {
	r.finished = true
	r.sr.Close()
	return nil
}

type deltaPayload struct {
	Choices []deltaChoice `json:"choices"`
}

type deltaChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

// encodeDelta renders text as an OpenAI-shaped chunk without HTML escaping so
// markers stay visible in the raw payload.
func encodeDelta(text string) string {
	var choice deltaChoice
	choice.Delta.Content = text

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(deltaPayload{Choices: []deltaChoice{choice}})
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
