// Package server exposes the one piece of HTTP surface this core owns:
// a liveness check and the trace-bus subscribe protocol. Routing,
// upload handling, and static file serving remain the surrounding
// product's concern, so this package never grows beyond these two
// endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/refineloop/internal/tracebus"
)

// NewRouter builds the chi router: chi + go-chi/cors, with the
// standard RequestID/RealIP/Recoverer/Timeout middleware chain.
func NewRouter(bus *tracebus.Bus, devMode bool, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &Handlers{bus: bus, devMode: devMode, log: log.With().Str("component", "server").Logger()}

	// The websocket subscribe route is long-lived by design (a run can
	// take minutes); it must not sit behind the request timeout applied
	// to everything else.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/healthz", h.Healthz)
	})
	r.Get("/projects/{projectID}/trace/subscribe", h.SubscribeTrace)

	return r
}
