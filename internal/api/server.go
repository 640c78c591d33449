package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/thoughtchain/internal/conversation"
	"github.com/mattjoyce/thoughtchain/internal/store"
	"github.com/mattjoyce/thoughtchain/internal/stream"
)

const (
	defaultPollInterval      = 250 * time.Millisecond
	defaultHeartbeatInterval = 15 * time.Second
)

// Conversations is the conversation manager surface the API drives.
type Conversations interface {
	Create(ctx context.Context) (conversation.View, error)
	Activate(ctx context.Context, id string) (conversation.View, error)
	Submit(id, text string) (conversation.Message, error)
	Abort(id string) error
	Confirm(ctx context.Context, id, key string) (stream.Step, error)
	Reject(ctx context.Context, id, key string) (stream.Step, error)
	SetExpanded(id string, keys []string) (conversation.View, error)
	View(id string) (conversation.View, error)
	ActiveID() string
	List() []conversation.Summary
}

// StreamLookup reads recorded stream outcomes.
type StreamLookup interface {
	Lookup(ctx context.Context, id string) (*store.StreamRecord, error)
	History(ctx context.Context, conversationID string, limit int) ([]*store.StreamRecord, error)
}

// Config holds API server configuration.
type Config struct {
	Listen                  string
	Token                   string
	StreamPollInterval      time.Duration
	StreamHeartbeatInterval time.Duration
}

// Server represents the HTTP API server.
type Server struct {
	config        Config
	conversations Conversations
	streams       StreamLookup
	logger        *slog.Logger
	server        *http.Server
	startedAt     time.Time
}

// New creates a new API server instance. streams may be nil when no audit
// store is configured.
func New(config Config, conversations Conversations, streams StreamLookup, logger *slog.Logger) *Server {
	if config.StreamPollInterval <= 0 {
		config.StreamPollInterval = defaultPollInterval
	}
	if config.StreamHeartbeatInterval <= 0 {
		config.StreamHeartbeatInterval = defaultHeartbeatInterval
	}
	return &Server{
		config:        config,
		conversations: conversations,
		streams:       streams,
		logger:        logger,
		startedAt:     time.Now(),
	}
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // event and websocket endpoints are long-lived.
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Get("/v1/conversations", s.handleListConversations)
		r.Post("/v1/conversations", s.handleCreateConversation)
		r.Route("/v1/conversations/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetConversation)
			r.Post("/activate", s.handleActivate)
			r.Post("/messages", s.handleSubmit)
			r.Post("/abort", s.handleAbort)
			r.Put("/expanded", s.handleSetExpanded)
			r.Post("/steps/{key}/confirm", s.handleConfirm)
			r.Post("/steps/{key}/reject", s.handleReject)
			r.Get("/events", s.handleConversationEvents)
			r.Get("/ws", s.handleConversationSocket)
			r.Get("/history", s.handleConversationHistory)
		})
		r.Get("/v1/streams/{id}", s.handleGetStream)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
