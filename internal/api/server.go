// SPDX-License-Identifier: MIT

// Package api exposes the symbolication daemon over HTTP: a JSON API for
// resolving addresses, inspecting the dSYM index and triggering scans, plus
// health and Prometheus endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dsymtools/dsymd/internal/api/middleware"
	"github.com/dsymtools/dsymd/internal/cache"
	"github.com/dsymtools/dsymd/internal/dsym"
	"github.com/dsymtools/dsymd/internal/history"
	"github.com/dsymtools/dsymd/internal/log"
	"github.com/dsymtools/dsymd/internal/symbolize"
)

// Symbolicator resolves addresses. Implemented by symbolize.Symbolicator.
type Symbolicator interface {
	Symbolicate(ctx context.Context, req symbolize.Request) ([]symbolize.Result, error)
}

// ImageIndex lists indexed dSYMs. Implemented by dsym.Index.
type ImageIndex interface {
	List(ctx context.Context) ([]*dsym.Record, error)
}

// Scanner rescans the configured roots. Implemented by dsym.Scanner.
type Scanner interface {
	Scan(ctx context.Context) (dsym.ScanStats, error)
}

// History records and lists past symbolications. Implemented by
// history.Store.
type History interface {
	Record(ctx context.Context, e history.Entry) error
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Config holds the server's runtime options.
type Config struct {
	APIToken string

	// RateLimitPerMinute caps requests per client IP. Zero disables it.
	RateLimitPerMinute int

	// CacheTTL bounds how long symbolication responses are reused.
	CacheTTL time.Duration

	// TracingService enables the tracing middleware when non-empty.
	TracingService string
}

// Server is the HTTP API server.
type Server struct {
	cfg          Config
	symbolicator Symbolicator
	index        ImageIndex
	scanner      Scanner
	history      History
	results      cache.Cache
	logger       zerolog.Logger
}

// New assembles a Server. index, scanner, history and results may be nil;
// the matching endpoints then degrade gracefully.
func New(cfg Config, sym Symbolicator, index ImageIndex, scanner Scanner, hist History, results cache.Cache) *Server {
	if results == nil {
		results = cache.NewNoOp()
	}
	return &Server{
		cfg:          cfg,
		symbolicator: sym,
		index:        index,
		scanner:      scanner,
		history:      hist,
		results:      results,
		logger:       log.WithComponent("api"),
	}
}

// Handler builds the routed handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableSecurityHeaders: true,
		EnableMetrics:         true,
		TracingService:        s.cfg.TracingService,
		EnableLogging:         true,
		RateLimitPerMinute:    s.cfg.RateLimitPerMinute,
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireBearer(s.cfg.APIToken))
		r.Post("/symbolicate", s.handleSymbolicate)
		r.Get("/images", s.handleImages)
		// Scans walk whole directory trees; keep the budget tight.
		r.With(middleware.RateLimit(10)).Post("/scan", s.handleScan)
		r.Get("/history", s.handleHistory)
	})

	return r
}
