// Package server assembles the HTTP middleware chain shared by every mesh
// surface: request ids, structured request logging, optional admin token
// auth, mesh state headers, timeouts, panic recovery and OpenTelemetry
// instrumentation.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures the router's middleware chain.
type Options struct {
	// Logger receives the per-request structured log lines. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration

	// AdminToken, when non-empty, requires Authorization: Bearer <token> on
	// every route.
	AdminToken string

	// SafeMode reports the bus's current fan-out posture for the
	// X-Mesh-Safe-Mode response header. Nil omits the header.
	SafeMode func() bool
}

// NewRouter builds a chi router carrying the standard mesh middleware chain.
// Callers mount their routes on the returned mux.
func NewRouter(opts Options) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(opts.Logger))
	if opts.AdminToken != "" {
		r.Use(AdminTokenMiddleware(opts.AdminToken))
	}
	r.Use(MeshStateMiddleware(opts.SafeMode))
	r.Use(TimeoutMiddleware(opts.Timeout))
	r.Use(middleware.Recoverer)

	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "eventmesh")
	})

	return r
}
