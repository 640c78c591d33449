package conversation

import (
	"sort"
	"time"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

// Role identifies who wrote a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the display state of a message.
type MessageStatus string

const (
	StatusLocal   MessageStatus = "local"
	StatusLoading MessageStatus = "loading"
	StatusSuccess MessageStatus = "success"
	StatusAbort   MessageStatus = "abort"
	StatusError   MessageStatus = "error"
)

// Message is a rendered chat message. Assistant messages carry the live step
// chain of their stream.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	StreamID  string        `json:"stream_id,omitempty"`
	Steps     []stream.Step `json:"steps,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// View is everything a renderer needs for one conversation.
type View struct {
	ID       string              `json:"id"`
	Label    string              `json:"label"`
	Group    string              `json:"group"`
	Active   bool                `json:"active"`
	StreamID string              `json:"stream_id,omitempty"`
	State    stream.SessionState `json:"state,omitempty"`
	Steps    []stream.Step       `json:"steps"`
	Expanded []string            `json:"expanded"`
	Messages []Message           `json:"messages"`
}

// Summary is one entry of the conversation list.
type Summary struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Group     string    `json:"group"`
	Active    bool      `json:"active"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

type message struct {
	id        string
	role      Role
	content   string
	status    MessageStatus
	session   *stream.Session
	createdAt time.Time
}

// snapshot renders the message. Aborted and failed replies show the fallback
// text while keeping the ledger as it was last mutated.
func (m *message) snapshot(labels stream.Labels) Message {
	out := Message{
		ID:        m.id,
		Role:      m.role,
		Content:   m.content,
		Status:    m.status,
		CreatedAt: m.createdAt,
	}
	switch m.status {
	case StatusAbort:
		out.Content = labels.AbortedFallback
	case StatusError:
		out.Content = labels.FailedFallback
	}
	if m.session != nil {
		out.StreamID = m.session.ID
		out.Steps = m.session.Snapshot()
	}
	return out
}

type conversation struct {
	id        string
	seq       uint64
	label     string
	group     string
	createdAt time.Time
	messages  []*message
	expanded  map[string]bool
	session   *stream.Session
}

// history returns the turns sent to the completion source: user messages and
// completed replies.
func (c *conversation) history() []stream.Message {
	var out []stream.Message
	for _, m := range c.messages {
		if m.role == RoleAssistant && m.status != StatusSuccess {
			continue
		}
		out = append(out, stream.Message{Role: string(m.role), Content: m.content})
	}
	return out
}

func (c *conversation) expandedKeys() []string {
	keys := make([]string, 0, len(c.expanded))
	for k := range c.expanded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
