package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattjoyce/thoughtchain/internal/stream"
)

func statusIcon(status stream.StepStatus) string {
	switch status {
	case stream.StepStatusSuccess:
		return "✓"
	case stream.StepStatusError:
		return "✗"
	default:
		return "◌"
	}
}

// compact folds a multi-line description onto one line.
func compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// printSteps writes the step chain as plain text, content indented under each
// step header.
func printSteps(w io.Writer, steps []stream.Step) {
	for _, st := range steps {
		header := fmt.Sprintf("%s %s", statusIcon(st.Status), st.Title)
		if d := compact(st.Description); d != "" {
			header += " · " + d
		}
		fmt.Fprintln(w, header)
		for _, line := range strings.Split(strings.TrimRight(st.Content, "\n"), "\n") {
			if line == "" {
				continue
			}
			fmt.Fprintln(w, "    "+line)
		}
	}
}
