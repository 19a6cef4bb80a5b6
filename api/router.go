package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nellyag1/wavescape-portal222/api/handlers"
)

// Middleware wraps an http.Handler.
type Middleware = func(http.Handler) http.Handler

// BuildInfo is reported by /version.
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

// RouterConfig wires the handlers into a router.
type RouterConfig struct {
	Sessions *handlers.SessionHandler
	Files    *handlers.FileHandler
	Health   *handlers.HealthHandler
	Build    BuildInfo

	// Global runs on every request; API runs on /api only.
	Global []Middleware
	API    []Middleware
}

// NewRouter returns the portal's HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	for _, mw := range cfg.Global {
		r.Use(mw)
	}

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.HandleHealth)
		r.Get("/healthz", cfg.Health.HandleHealth)
		r.Get("/ready", cfg.Health.HandleReady)
		r.Get("/readyz", cfg.Health.HandleReady)
		r.Get("/version", cfg.Health.HandleVersion(cfg.Build.Version, cfg.Build.BuildTime, cfg.Build.GitCommit))
	}

	// Files carry their own signed token and bypass the API middlewares.
	if cfg.Files != nil {
		r.Route("/files", cfg.Files.Routes)
	}

	r.Route("/api", func(r chi.Router) {
		for _, mw := range cfg.API {
			r.Use(mw)
		}
		if cfg.Sessions != nil {
			r.Route("/sessions", cfg.Sessions.Routes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteJSON(w, http.StatusNotFound, handlers.Response{
			Error:     &handlers.ErrorInfo{Code: "NOT_FOUND", Message: "no route for " + r.URL.Path},
			Timestamp: time.Now(),
		})
	})
	return r
}
