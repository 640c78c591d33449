package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mattjoyce/thoughtchain/internal/api"
	"github.com/mattjoyce/thoughtchain/internal/conversation"
)

func runAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	apiBase := fs.String("api", "http://127.0.0.1:8090", "base URL for the thoughtchain API")
	token := fs.String("token", os.Getenv("THOUGHTCHAIN_TOKEN"), "Bearer token for API auth")
	convID := fs.String("conversation", "", "conversation id (default: start a new one)")
	timeout := fs.Duration("timeout", 5*time.Minute, "maximum time to wait for the reply")
	asJSON := fs.Bool("json", false, "print the final reply as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return fmt.Errorf("usage: thoughtchain ask [--api <url>] [--token <token>] [--conversation <id>] <message>")
	}
	if strings.TrimSpace(*token) == "" {
		return fmt.Errorf("token is required (use --token or THOUGHTCHAIN_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	return ask(ctx, newAPIClient(*apiBase, *token), *convID, text, os.Stdout, *asJSON)
}

// ask posts text and prints the reply once its stream settles. Interrupting
// ask aborts the stream on the server.
func ask(ctx context.Context, c *apiClient, convID, text string, w io.Writer, asJSON bool) error {
	if convID == "" {
		id, err := freshConversation(ctx, c)
		if err != nil {
			return err
		}
		convID = id
	}

	var placeholder conversation.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(convID, "messages"), api.SubmitRequest{Content: text}, &placeholder); err != nil {
		return fmt.Errorf("submit message: %w", err)
	}

	var reply conversation.Message
	err := c.followEvents(ctx, convID, func(v conversation.View) (bool, error) {
		for _, m := range v.Messages {
			if m.ID == placeholder.ID && m.Status != conversation.StatusLoading {
				reply = m
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.do(abortCtx, http.MethodPost, conversationPath(convID, "abort"), nil, nil)
		}
		return fmt.Errorf("wait for reply: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reply); err != nil {
			return err
		}
	} else {
		printSteps(w, reply.Steps)
		fmt.Fprintf(w, "\n[%s] %s\n", reply.Status, reply.Content)
		fmt.Fprintf(w, "conversation=%s stream=%s\n", convID, reply.StreamID)
	}
	if reply.Status == conversation.StatusError {
		return errors.New(reply.Content)
	}
	return nil
}

// freshConversation creates a conversation, reusing the active one when it
// has no messages yet.
func freshConversation(ctx context.Context, c *apiClient) (string, error) {
	var created conversation.View
	err := c.do(ctx, http.MethodPost, "/v1/conversations", nil, &created)
	if err == nil {
		return created.ID, nil
	}
	if !isStatus(err, http.StatusConflict) {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	var list api.ConversationListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &list); err != nil {
		return "", fmt.Errorf("list conversations: %w", err)
	}
	if list.ActiveID == "" {
		return "", errors.New("no active conversation")
	}
	return list.ActiveID, nil
}
