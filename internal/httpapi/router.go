// Package httpapi exposes the HTTP surface from spec.md §6: run submission,
// listing, lookup, cancellation, and the two streaming endpoints, behind
// bearer-token authentication.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"runcore/internal/coordinator"
	"runcore/internal/store"
	"runcore/internal/streaming"
)

// Authenticator verifies a bearer token and returns the authenticated
// subject. Verification is delegated entirely to an external collaborator
// (spec.md §6); this subsystem never issues or validates credentials itself.
type Authenticator interface {
	Authenticate(r *http.Request) (subject string, err error)
}

// RouterOptions configures Router.
type RouterOptions struct {
	AllowedOrigins []string
	Coordinator    *coordinator.Coordinator
	Store          *store.Store
	ResultGateway  *streaming.ResultGateway
	LogGateway     *streaming.LogGateway
	Auth           Authenticator
	Log            zerolog.Logger
}

// Router builds the full HTTP router.
func Router(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           int((10 * time.Minute).Seconds()),
	}))

	r.Use(httprate.Limit(200, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Method("GET", "/metrics", promhttp.Handler())

	h := &handlers{
		coordinator: opts.Coordinator,
		store:       opts.Store,
		results:     opts.ResultGateway,
		logs:        opts.LogGateway,
		log:         opts.Log,
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(authMiddleware(opts.Auth))

		api.Post("/runs", h.startRun)
		api.Get("/runs", h.listRuns)
		api.Get("/runs/{id}", h.getRun)
		api.Post("/runs/{id}/cancel", h.cancelRun)
		api.Get("/runs/{id}/stream", h.streamResults)
	})

	r.Route("/ws/runs", func(ws chi.Router) {
		ws.Use(authMiddleware(opts.Auth))
		ws.Get("/{id}/logs", h.streamLogs)
	})

	return r
}
