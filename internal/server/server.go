// Package server mounts the HTTP surface: the relay WebSocket, channel
// webhooks, the knowledge and conversation APIs, and ops endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"omnicontact/internal/agent"
	"omnicontact/internal/domain"
	"omnicontact/internal/knowledge"
	"omnicontact/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const shutdownTimeout = 10 * time.Second

// Conversations runs text turns.
type Conversations interface {
	HandleText(ctx context.Context, in agent.Inbound) (agent.Reply, error)
}

// Asker answers knowledge questions.
type Asker interface {
	Ask(ctx context.Context, q knowledge.Query) (*knowledge.Result, error)
}

// DocumentIndexer ingests knowledge documents.
type DocumentIndexer interface {
	Index(ctx context.Context, req knowledge.IndexRequest) (*domain.Document, error)
}

// Routes is implemented by channel adapters that own webhook paths.
type Routes interface {
	RegisterRoutes(r chi.Router)
}

type Config struct {
	Addr           string
	AllowedOrigins []string

	Conversations Conversations
	Knowledge     Asker
	Indexer       DocumentIndexer
	Scheduler     domain.Scheduler
	Relay         http.Handler
	Webhooks      []Routes

	Metrics     *metrics.Metrics
	MetricsPath string // empty disables /metrics
	Logger      *slog.Logger
}

type Server struct {
	cfg    Config
	router chi.Router
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics != nil && s.cfg.MetricsPath != "" {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.cfg.Metrics.Handler())
	}
	if s.cfg.Relay != nil {
		r.Method(http.MethodGet, "/relay/ws", s.cfg.Relay)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.Knowledge != nil {
			r.Post("/knowledge/ask", s.handleAsk)
		}
		if s.cfg.Indexer != nil {
			r.Post("/knowledge/documents", s.handleIndex)
		}
		if s.cfg.Conversations != nil {
			r.Post("/conversations/messages", s.handleMessage)
		}
		if s.cfg.Scheduler != nil {
			r.Get("/availability", s.handleAvailability)
		}
	})

	for _, w := range s.cfg.Webhooks {
		w.RegisterRoutes(r)
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	writeJSON(rw, status, map[string]string{"error": msg})
}
