package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattjoyce/thoughtchain/internal/config"
	"github.com/mattjoyce/thoughtchain/internal/stream"
)

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "", "config file for markers and labels (default: built-ins)")
	asJSON := fs.Bool("json", false, "print the ledger as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: thoughtchain replay [--config <path>] [--json] <file.sse | ->")
	}

	var sc config.StreamConfig
	level := "warn"
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		sc = cfg.Stream
		level = cfg.Service.LogLevel
	}
	sc.UpdateDelay = 0

	in := os.Stdin
	if name := fs.Arg(0); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("open recording: %w", err)
		}
		defer f.Close()
		in = f
	}

	return replay(context.Background(), sc, in, os.Stdout, *asJSON, newLogger(level, os.Stderr))
}

type replayResult struct {
	State      stream.SessionState `json:"state"`
	Steps      []stream.Step       `json:"steps"`
	Transcript string              `json:"transcript"`
	Error      string              `json:"error,omitempty"`
}

// replay feeds a recorded SSE body through a fresh session and prints the
// resulting ledger.
func replay(ctx context.Context, sc config.StreamConfig, r io.Reader, w io.Writer, asJSON bool, logger *slog.Logger) error {
	ctrl := newController(sc, logger)
	s := ctrl.NewSession(ctx, "replay")
	runErr := ctrl.Run(s, stream.NewSSEReader(io.NopCloser(r)))
	if errors.Is(runErr, stream.ErrAborted) {
		runErr = nil
	}

	res := replayResult{State: s.State(), Steps: s.Snapshot(), Transcript: s.Transcript()}
	if runErr != nil {
		res.Error = runErr.Error()
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return runErr
	}
	printSteps(w, res.Steps)
	fmt.Fprintf(w, "\nstate=%s steps=%d\n", res.State, len(res.Steps))
	return runErr
}
