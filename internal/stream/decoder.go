package stream

import (
	"encoding/json"
	"strings"
)

const (
	DefaultOpenMarker   = "<think>"
	DefaultCloseMarker  = "</think>"
	DefaultDoneSentinel = "[DONE]"
)

// Event is the decoded form of one raw stream payload.
type Event struct {
	Text            string
	HasText         bool
	OpensReasoning  bool
	ClosesReasoning bool
	Terminal        bool
	Malformed       bool
}

// Empty reports whether the event carries nothing to apply.
func (e Event) Empty() bool {
	return !e.HasText && !e.OpensReasoning && !e.ClosesReasoning && !e.Terminal && !e.Malformed
}

// Kind names the event for logs and metrics.
func (e Event) Kind() string {
	switch {
	case e.Terminal:
		return "terminal"
	case e.Malformed:
		return "malformed"
	case e.OpensReasoning:
		return "open"
	case e.ClosesReasoning:
		return "close"
	case e.HasText:
		return "token"
	default:
		return "empty"
	}
}

// Decoder classifies raw payloads of an OpenAI-compatible completion stream.
type Decoder struct {
	OpenMarker   string
	CloseMarker  string
	DoneSentinel string
}

// NewDecoder returns a Decoder, falling back to the default markers for empty values.
func NewDecoder(open, close, done string) Decoder {
	if open == "" {
		open = DefaultOpenMarker
	}
	if close == "" {
		close = DefaultCloseMarker
	}
	if done == "" {
		done = DefaultDoneSentinel
	}
	return Decoder{OpenMarker: open, CloseMarker: close, DoneSentinel: done}
}

type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decode classifies one payload. Markers are found on the raw text whether or
// not the payload also carries a delta, and are removed from the delta text.
// A payload that is not valid JSON is reported as Malformed and nothing else.
func (d Decoder) Decode(payload string) Event {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return Event{}
	}
	if trimmed == d.DoneSentinel {
		return Event{Terminal: true}
	}

	ev := Event{
		OpensReasoning:  strings.Contains(payload, d.OpenMarker),
		ClosesReasoning: strings.Contains(payload, d.CloseMarker),
	}

	var chunk chunkPayload
	if err := json.Unmarshal([]byte(trimmed), &chunk); err != nil {
		return Event{Malformed: true}
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
		return ev
	}

	text := *chunk.Choices[0].Delta.Content
	// Servers that escape '<' in JSON only reveal the marker once decoded.
	ev.OpensReasoning = ev.OpensReasoning || strings.Contains(text, d.OpenMarker)
	ev.ClosesReasoning = ev.ClosesReasoning || strings.Contains(text, d.CloseMarker)
	text = strings.ReplaceAll(text, d.CloseMarker, "")
	text = strings.ReplaceAll(text, d.OpenMarker, "")
	if text != "" {
		ev.Text = text
		ev.HasText = true
	}
	return ev
}
