package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/thoughtchain/internal/conversation"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const socketWriteWait = 10 * time.Second

// handleConversationEvents handles GET /v1/conversations/{id}/events. It polls
// the conversation view and emits a snapshot event whenever it changes.
func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.conversations.View(id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.watchConversation(r.Context(), id, func(v conversation.View) error {
		if err := writeSSE(w, "snapshot", v); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, func() error {
		if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Debug("event stream closed", "conversation_id", id, "error", err)
		_ = writeSSE(w, "error", ErrorResponse{Error: err.Error()})
		flusher.Flush()
	}
}

// handleConversationSocket handles GET /v1/conversations/{id}/ws, pushing the
// same snapshots as the event stream over a WebSocket.
func (s *Server) handleConversationSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.conversations.View(id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Inbound frames are ignored; reading detects the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.watchConversation(ctx, id, func(v conversation.View) error {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		return conn.WriteJSON(v)
	}, func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteWait))
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("websocket closed", "conversation_id", id, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(socketWriteWait))
	}
}

// watchConversation sends the first snapshot immediately, then every changed
// snapshot until ctx ends or a send fails. It returns nil when ctx ends.
func (s *Server) watchConversation(ctx context.Context, id string, send func(conversation.View) error, heartbeat func() error) error {
	poll := time.NewTicker(s.config.StreamPollInterval)
	defer poll.Stop()
	beat := time.NewTicker(s.config.StreamHeartbeatInterval)
	defer beat.Stop()

	lastSig := ""
	emit := func() error {
		v, err := s.conversations.View(id)
		if err != nil {
			return err
		}
		sig := viewSignature(v)
		if sig == lastSig {
			return nil
		}
		if err := send(v); err != nil {
			return err
		}
		lastSig = sig
		return nil
	}

	if err := emit(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if err := emit(); err != nil {
				return err
			}
		case <-beat.C:
			if err := heartbeat(); err != nil {
				return err
			}
		}
	}
}

// viewSignature identifies the renderable state of a view. Two views with the
// same signature render identically.
func viewSignature(v conversation.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%t|%s|%s|%s\n", v.ID, v.Label, v.Active, v.StreamID, v.State, strings.Join(v.Expanded, ","))
	for _, st := range v.Steps {
		writeStepSignature(&b, st.Key, string(st.Status), st.Content, st.Description)
	}
	for _, m := range v.Messages {
		fmt.Fprintf(&b, "m|%s|%s|%d|%q\n", m.ID, m.Status, len(m.Steps), m.Content)
		for _, st := range m.Steps {
			writeStepSignature(&b, st.Key, string(st.Status), st.Content, st.Description)
		}
	}
	return b.String()
}

func writeStepSignature(b *strings.Builder, key, status, content, description string) {
	fmt.Fprintf(b, "s|%s|%s|%q|%q\n", key, status, content, description)
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	return nil
}
