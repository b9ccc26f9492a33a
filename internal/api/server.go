package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/smsrelay/internal/config"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/storage"
)

// Store is the read-only slice of storage the operator API needs.
type Store interface {
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)
	ListHistory(ctx context.Context, queueID string) ([]models.HistoryRecord, error)
	ListProviders(ctx context.Context, activeOnly bool) ([]models.Provider, error)
	GetStats(ctx context.Context) (*storage.Stats, error)
}

type Server struct {
	cfg     config.ServerConfig
	store   Store
	version string
	router  *chi.Mux
	log     zerolog.Logger
	http    *http.Server
}

func NewServer(cfg config.ServerConfig, store Store, version string, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		version: version,
		log:     log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	queueHandler := NewQueueHandler(s.store)
	providerHandler := NewProviderHandler(s.store)
	statsHandler := NewStatsHandler(s.store, s.version)

	// Health check, no auth
	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(TokenMiddleware(s.cfg.APIToken))

		r.Get("/queue/{id}", queueHandler.Get)
		r.Get("/queue/{id}/history", queueHandler.History)
		r.Get("/providers", providerHandler.List)
		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
