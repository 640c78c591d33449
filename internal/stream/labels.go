package stream

import (
	"fmt"
	"math"
	"time"
)

// Labels holds every human-readable string the controller writes into a ledger.
// Format strings take the elapsed whole seconds as their only argument.
type Labels struct {
	ReasoningTitle  string `yaml:"reasoning_title"`
	ToolTitle       string `yaml:"tool_title"`
	Thinking        string `yaml:"thinking"`
	ThinkingElapsed string `yaml:"thinking_elapsed"`
	ThoughtFor      string `yaml:"thought_for"`
	Executing       string `yaml:"executing"`
	Executed        string `yaml:"executed"`
	ExecutionFailed string `yaml:"execution_failed"`
	Rejected        string `yaml:"rejected"`
	AbortedFallback string `yaml:"aborted_fallback"`
	FailedFallback  string `yaml:"failed_fallback"`
}

// DefaultLabels returns the built-in English labels.
func DefaultLabels() Labels {
	return Labels{
		ReasoningTitle:  "Thinking",
		ToolTitle:       "Tool call request",
		Thinking:        "Thinking...",
		ThinkingElapsed: "Thinking... %ds elapsed",
		ThoughtFor:      "Thought for %ds",
		Executing:       "Executing",
		Executed:        "Executed successfully",
		ExecutionFailed: "Execution failed",
		Rejected:        "Rejected by user",
		AbortedFallback: "Request is aborted",
		FailedFallback:  "Request failed, please try again!",
	}
}

// WithDefaults fills empty labels from DefaultLabels.
func (l Labels) WithDefaults() Labels {
	d := DefaultLabels()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&l.ReasoningTitle, d.ReasoningTitle)
	fill(&l.ToolTitle, d.ToolTitle)
	fill(&l.Thinking, d.Thinking)
	fill(&l.ThinkingElapsed, d.ThinkingElapsed)
	fill(&l.ThoughtFor, d.ThoughtFor)
	fill(&l.Executing, d.Executing)
	fill(&l.Executed, d.Executed)
	fill(&l.ExecutionFailed, d.ExecutionFailed)
	fill(&l.Rejected, d.Rejected)
	fill(&l.AbortedFallback, d.AbortedFallback)
	fill(&l.FailedFallback, d.FailedFallback)
	return l
}

// elapsedSeconds rounds d to the nearest whole second.
func elapsedSeconds(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(math.Round(d.Seconds()))
}

func formatElapsed(format string, d time.Duration) string {
	return fmt.Sprintf(format, elapsedSeconds(d))
}
