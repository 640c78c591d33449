package stream

import (
	"strconv"
	"time"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
)

// Terminal reports whether no further content changes are allowed.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSuccess || s == StepStatusError
}

// ReasoningKey is the key of the step at index 0.
const ReasoningKey = "think"

// Step is one unit of reasoning or tool invocation.
type Step struct {
	Key         string     `json:"key"`
	Title       string     `json:"title"`
	Status      StepStatus `json:"status"`
	Content     string     `json:"content"`
	Description string     `json:"description"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Elapsed returns the time the step has been active, up to now if it has not ended.
func (s Step) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Ledger is an ordered, immutable list of steps. Every operation returns a new
// Ledger, so a value obtained by a reader never changes underneath it.
type Ledger struct {
	steps []Step
}

// NewLedger returns a ledger holding only the reasoning step.
func NewLedger(title, description string, startedAt time.Time) Ledger {
	return Ledger{}.Append(Step{
		Key:         ReasoningKey,
		Title:       title,
		Status:      StepStatusPending,
		Description: description,
		StartedAt:   startedAt,
	})
}

// Len returns the number of steps.
func (l Ledger) Len() int {
	return len(l.steps)
}

// At returns the step at index i.
func (l Ledger) At(i int) (Step, bool) {
	if i < 0 || i >= len(l.steps) {
		return Step{}, false
	}
	return l.steps[i], true
}

// IndexOf returns the index of the step with the given key, or -1.
func (l Ledger) IndexOf(key string) int {
	for i, s := range l.steps {
		if s.Key == key {
			return i
		}
	}
	return -1
}

// NextKey returns the key a newly appended tool step gets.
func (l Ledger) NextKey() string {
	return strconv.Itoa(len(l.steps))
}

// Append returns a new ledger with step added at the end.
func (l Ledger) Append(step Step) Ledger {
	steps := make([]Step, len(l.steps), len(l.steps)+1)
	copy(steps, l.steps)
	return Ledger{steps: append(steps, step)}
}

// Update returns a new ledger with patch applied to a copy of the step at index.
// An out-of-range index returns l unchanged. Key and title never change, and a
// step that is already terminal keeps its status and content.
func (l Ledger) Update(index int, patch func(*Step)) Ledger {
	if index < 0 || index >= len(l.steps) || patch == nil {
		return l
	}
	prev := l.steps[index]
	next := prev
	patch(&next)

	next.Key = prev.Key
	next.Title = prev.Title
	if prev.Status.Terminal() {
		next.Status = prev.Status
		next.Content = prev.Content
		next.EndedAt = prev.EndedAt
	}

	steps := make([]Step, len(l.steps))
	copy(steps, l.steps)
	steps[index] = next
	return Ledger{steps: steps}
}

// Snapshot returns a copy of the steps for rendering.
func (l Ledger) Snapshot() []Step {
	out := make([]Step, len(l.steps))
	copy(out, l.steps)
	for i := range out {
		if out[i].EndedAt != nil {
			t := *out[i].EndedAt
			out[i].EndedAt = &t
		}
	}
	return out
}

// Pending returns the index of the pending step, or -1.
func (l Ledger) Pending() int {
	for i := len(l.steps) - 1; i >= 0; i-- {
		if l.steps[i].Status == StepStatusPending {
			return i
		}
	}
	return -1
}
