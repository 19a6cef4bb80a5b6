package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nellyag1/wavescape-portal222/api/handlers"
	"github.com/nellyag1/wavescape-portal222/storage"
)

func TestNewRouter_HealthAndMiddleware(t *testing.T) {
	health := handlers.NewHealthHandler(nil)
	health.RegisterCheck(handlers.NewCheck("store", func(context.Context) error { return nil }))

	var globalHits, apiHits int
	counting := func(n *int) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				*n++
				next.ServeHTTP(w, r)
			})
		}
	}
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}

	h := NewRouter(RouterConfig{
		Health:   health,
		Sessions: handlers.NewSessionHandler(nil, nil),
		Build:    BuildInfo{Version: "1.0.0"},
		Global:   []Middleware{counting(&globalHits)},
		API:      []Middleware{counting(&apiHits), deny},
	})

	for _, path := range []string{"/health", "/healthz", "/ready", "/readyz", "/version"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no route for /nowhere")

	assert.Equal(t, 7, globalHits)
	assert.Equal(t, 1, apiHits)
}

type rejectAll struct{}

func (rejectAll) Verify(string) (*storage.LinkClaims, error) { return nil, errors.New("bad token") }

func TestNewRouter_FilesSkipAPIMiddleware(t *testing.T) {
	var apiHits int
	h := NewRouter(RouterConfig{
		Files: handlers.NewFileHandler(nil, rejectAll{}, nil),
		API: []Middleware{func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				apiHits++
				w.WriteHeader(http.StatusUnauthorized)
			})
		}},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/blob/s1/setup/aoi.gpkg?token=x", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, apiHits)
}
