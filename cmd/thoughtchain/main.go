package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/thoughtchain/internal/api"
	"github.com/mattjoyce/thoughtchain/internal/config"
	"github.com/mattjoyce/thoughtchain/internal/conversation"
	"github.com/mattjoyce/thoughtchain/internal/provider"
	"github.com/mattjoyce/thoughtchain/internal/storage"
	"github.com/mattjoyce/thoughtchain/internal/store"
	"github.com/mattjoyce/thoughtchain/internal/stream"
	"github.com/mattjoyce/thoughtchain/internal/toolexec"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "ask":
		err = runAsk(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "version":
		fmt.Printf("thoughtchain %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: thoughtchain <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  start     Start the thoughtchain service")
	fmt.Fprintln(os.Stderr, "  watch     Watch a conversation's step chain in a TUI")
	fmt.Fprintln(os.Stderr, "  ask       Send a message and print the resulting steps")
	fmt.Fprintln(os.Stderr, "  replay    Rebuild the step chain from a recorded SSE stream")
	fmt.Fprintln(os.Stderr, "  version   Print version")
}

func newLogger(level string, out *os.File) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: logLevel}))
}

func newController(sc config.StreamConfig, logger *slog.Logger) *stream.Controller {
	return stream.NewController(stream.Options{
		Decoder:     stream.NewDecoder(sc.OpenMarker, sc.CloseMarker, sc.DoneSentinel),
		ReservedTag: sc.ReservedTag,
		Labels:      sc.Labels,
		UpdateDelay: sc.UpdateDelay,
		Logger:      logger,
	})
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Service.LogLevel, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting thoughtchain", "version", version, "config", *configPath, "transport", cfg.LLM.Transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	recorder := store.NewRecorder(db)

	source, err := provider.NewSource(ctx, cfg.LLM, cfg.Stream)
	if err != nil {
		return fmt.Errorf("create completion source: %w", err)
	}

	tools, err := toolexec.NewBuiltinRegistry(ctx, cfg.Tools.WorkspaceDir, cfg.Tools.Enabled, logger)
	if err != nil {
		return fmt.Errorf("create tool registry: %w", err)
	}
	logger.Info("tools registered", "tools", tools.Names(), "workspace_dir", cfg.Tools.WorkspaceDir)

	manager := conversation.NewManager(conversation.Options{
		Controller:   newController(cfg.Stream, logger),
		Source:       source,
		Executor:     tools,
		Recorder:     recorder,
		SwitchSettle: cfg.Stream.SwitchSettle,
		Logger:       logger,
	})

	srv := api.New(api.Config{
		Listen:                  cfg.API.Listen,
		Token:                   cfg.API.Token,
		StreamPollInterval:      cfg.API.StreamPollInterval,
		StreamHeartbeatInterval: cfg.API.StreamHeartbeatInterval,
	}, manager, recorder, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		closed := make(chan struct{})
		go func() {
			manager.Close()
			close(closed)
		}()
		select {
		case <-closed:
			logger.Info("streams stopped gracefully")
		case <-time.After(10 * time.Second):
			logger.Warn("streams did not stop within 10s, exiting anyway")
		}
		return nil
	case err := <-errCh:
		manager.Close()
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}
