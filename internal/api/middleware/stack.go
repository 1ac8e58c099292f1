// SPDX-License-Identifier: MIT

// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"github.com/go-chi/chi/v5"

	"github.com/dsymtools/dsymd/internal/log"
)

// StackConfig configures the canonical HTTP ingress middleware stack.
type StackConfig struct {
	EnableSecurityHeaders bool
	EnableMetrics         bool

	// TracingService names the tracer; empty disables tracing.
	TracingService string

	EnableLogging bool

	// RateLimitPerMinute caps requests per client IP. Zero disables
	// limiting.
	RateLimitPerMinute int
}

// NewRouter constructs a chi router with the canonical middleware stack
// applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack applies the canonical middleware stack to r. Order matters:
// recovery outermost, then correlation, then observability, then limiting.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer)
	r.Use(RequestID)
	if cfg.EnableSecurityHeaders {
		r.Use(SecurityHeaders)
	}
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	if cfg.TracingService != "" {
		r.Use(Tracing(cfg.TracingService))
	}
	if cfg.EnableLogging {
		r.Use(log.Middleware())
	}
	if cfg.RateLimitPerMinute > 0 {
		r.Use(RateLimit(cfg.RateLimitPerMinute))
	}
}
