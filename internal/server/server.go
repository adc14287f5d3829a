// Package server implements the ingest HTTP API: multipart upload
// sessions with presigned part URLs, single-object presigning, and HLS
// bundle import.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/ingest/internal/bundle"
	"github.com/bleepstore/ingest/internal/config"
	"github.com/bleepstore/ingest/internal/hlszip"
	"github.com/bleepstore/ingest/internal/multipart"
)

// Server is the ingest API server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	coord      *multipart.Coordinator
	importer   *bundle.Importer
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithBundleStore makes bundle imports write to store instead of the
// coordinator's object store.
func WithBundleStore(store bundle.Store) ServerOption {
	return func(s *Server) {
		s.importer.Store = store
	}
}

// New creates a Server that signs object store calls through coord and
// registers every route on a Chi router with a Huma API.
func New(cfg *config.Config, coord *multipart.Coordinator, opts ...ServerOption) *Server {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Ingest API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		coord:  coord,
		importer: &bundle.Importer{
			Store: coord,
			Decoder: hlszip.Decoder{
				Strict:       cfg.Bundle.Strict,
				MaxEntrySize: cfg.Bundle.MaxEntrySize,
				MaxTotalSize: cfg.Bundle.MaxTotalSize,
			},
			Concurrency: cfg.Bundle.Concurrency,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> requestID -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = requestID(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the ingest server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Huma only does one method per registration.
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.registerUploadRoutes()
	s.registerBundleRoutes()
}
