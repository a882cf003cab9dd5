// Package server exposes the HTTP API: chat with SSE streaming, search,
// classification, document ingestion, and health endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/semaphore"

	"github.com/docsage/docsage/internal/config"
	"github.com/docsage/docsage/internal/ingest"
	"github.com/docsage/docsage/internal/pipeline"
	"github.com/docsage/docsage/internal/registry"
	"github.com/docsage/docsage/internal/router"
	"github.com/docsage/docsage/internal/store"
)

// semaphoreWait bounds how long a chat request waits for a generation
// slot before failing with Overloaded.
const semaphoreWait = 5 * time.Second

// statusClientClosedRequest is the nginx-convention status for a client
// that disconnected before the response completed.
const statusClientClosedRequest = 499

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Config   *config.Config
	Registry *registry.Registry
	Pipeline *pipeline.Pipeline
	Router   *router.ModelRouter
	Ingestor *ingest.Service
	Meta     *store.MetadataStore
	Vectors  store.VectorStore
	Logger   *slog.Logger
}

// Server is the HTTP API surface.
type Server struct {
	deps    Deps
	log     *slog.Logger
	metrics *Metrics

	// genSem caps concurrent generation requests across the process.
	genSem   *semaphore.Weighted
	genSlots int64
	semWait  time.Duration

	httpSrv    *http.Server
	metricsSrv *http.Server
}

// New builds the server. The generation semaphore is sized
// cap-per-instance times the instances hosting generation models, with a
// floor of one slot.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	perInstance := deps.Config.Server.ConcurrencyCapPerInstance
	if perInstance <= 0 {
		perInstance = 2
	}
	slots := int64(perInstance * deps.Registry.InstanceCountForModels(deps.Config.Models.Generative()))
	if slots < 1 {
		slots = 1
	}

	s := &Server{
		deps:     deps,
		log:      deps.Logger,
		metrics:  NewMetrics(),
		genSem:   semaphore.NewWeighted(slots),
		genSlots: slots,
		semWait:  semaphoreWait,
	}
	return s
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/instances", s.handleInstances)
	r.Post("/classify", s.handleClassify)
	r.Post("/search", s.handleSearch)
	r.Post("/chat", s.handleChat)

	r.Route("/documents", func(r chi.Router) {
		r.Get("/", s.handleListDocuments)
		r.Post("/", s.handleIngestDocument)
		r.Delete("/{id}", s.handleDeleteDocument)
	})

	return r
}

// Start begins serving on the configured address, plus the metrics
// listener when a metrics port is set. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start() error {
	cfg := s.deps.Config.Server

	if cfg.MetricsPort > 0 {
		s.metricsSrv = &http.Server{
			Addr:    net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.MetricsPort)),
			Handler: s.metricsHandler(),
		}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("metrics listener failed", slog.String("error", err.Error()))
			}
		}()
	}

	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("http server listening",
		slog.String("addr", s.httpSrv.Addr),
		slog.Int64("generation_slots", s.genSlots))

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.metricsSrv != nil {
		if merr := s.metricsSrv.Shutdown(ctx); err == nil {
			err = merr
		}
	}
	return err
}

func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.UpdateInstanceHealth(s.deps.Registry.Snapshot())
		s.metrics.Handler().ServeHTTP(w, r)
	}))
	return mux
}
