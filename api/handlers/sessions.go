package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/activity"
	"github.com/nellyag1/wavescape-portal222/internal/ctxkeys"
	"github.com/nellyag1/wavescape-portal222/session"
	"github.com/nellyag1/wavescape-portal222/types"
)

// SessionService is the part of activity.Service the handlers call.
type SessionService interface {
	CreateSession(ctx context.Context, name, userID string) (*session.Record, error)
	GetSession(ctx context.Context, name string) (*session.Record, error)
	ListSessions(ctx context.Context) ([]*session.Record, error)
	Configure(ctx context.Context, name string, configuration []byte) (*session.Record, error)
	UploadSites(ctx context.Context, name string, in activity.SitesInput) error
	BlobLink(ctx context.Context, name, blobPath, permission string) (string, error)
	ActivityStatus(ctx context.Context, name string, kind session.Activity) (*activity.ActivityView, error)
	StartActivity(ctx context.Context, name string, kind session.Activity, in activity.StartInput) (*session.Record, error)
	StopSession(ctx context.Context, name string) (*session.Record, error)
}

// SessionHandler serves /api/sessions.
type SessionHandler struct {
	service       SessionService
	logger        *zap.Logger
	watchInterval time.Duration
	watchOrigins  []string
}

// SessionHandlerOption configures a SessionHandler.
type SessionHandlerOption func(*SessionHandler)

// WithWatchInterval sets how often watched sessions are re-read.
func WithWatchInterval(d time.Duration) SessionHandlerOption {
	return func(h *SessionHandler) {
		if d > 0 {
			h.watchInterval = d
		}
	}
}

// WithWatchOrigins sets the cross-origin hosts allowed to open a watch.
func WithWatchOrigins(patterns []string) SessionHandlerOption {
	return func(h *SessionHandler) { h.watchOrigins = patterns }
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(service SessionService, logger *zap.Logger, opts ...SessionHandlerOption) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &SessionHandler{
		service:       service,
		logger:        logger.With(zap.String("component", "session_handler")),
		watchInterval: DefaultWatchInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the session endpoints on r.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Route("/{sessionName}", func(r chi.Router) {
		r.Use(sessionContext)
		r.Put("/", h.HandleCreate)
		r.Get("/", h.HandleGet)
		r.Put("/configuration", h.HandleConfigure)
		r.Put("/sites", h.HandleSites)
		r.Post("/stop", h.HandleStop)
		r.Get("/link", h.HandleLink)
		r.Get("/watch", h.HandleWatch)
		r.Post("/{activity}", h.HandleStart)
		r.Get("/{activity}", h.HandleActivity)
	})
}

func sessionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ctxkeys.WithSession(r.Context(), chi.URLParam(r, "sessionName"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionName(r *http.Request) (string, error) {
	name := chi.URLParam(r, "sessionName")
	if strings.TrimSpace(name) == "" {
		return "", types.NewError(types.ErrValidation, "sessionName is None, Empty, or Whitespace; please refer to API documentation")
	}
	return name, nil
}

func (h *SessionHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := h.logger
	if name, ok := ctxkeys.Session(r.Context()); ok {
		log = log.With(zap.String("session", name))
	}
	WriteError(w, r, err, log)
}

// =============================================================================
// Sessions
// =============================================================================

type createRequest struct {
	UserID string `json:"userId"`
}

// HandleCreate creates a session. PUT /api/sessions/{sessionName}
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	name, err := sessionName(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req createRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.service.CreateSession(r.Context(), name, req.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	location := r.URL.String()
	w.Header().Set("Location", location)
	WriteData(w, r, http.StatusCreated, location)
}

// HandleGet returns one session. GET /api/sessions/{sessionName}
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetSession(r.Context(), chi.URLParam(r, "sessionName"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteSuccess(w, r, rec)
}

// HandleList returns every session. GET /api/sessions
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	all, err := h.service.ListSessions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if all == nil {
		all = []*session.Record{}
	}
	WriteSuccess(w, r, all)
}

// HandleConfigure stores the request body as the configuration.
// PUT /api/sessions/{sessionName}/configuration
func (h *SessionHandler) HandleConfigure(w http.ResponseWriter, r *http.Request) {
	body, err := ReadBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.service.Configure(r.Context(), chi.URLParam(r, "sessionName"), body); err != nil {
		h.fail(w, r, err)
		return
	}
	WriteNoContent(w)
}

type sitesRequest struct {
	Raw       string          `json:"raw"`
	Processed json.RawMessage `json:"processed"`
	Overwrite FlexBool        `json:"overwrite"`
}

// HandleSites uploads the sites files. PUT /api/sessions/{sessionName}/sites
func (h *SessionHandler) HandleSites(w http.ResponseWriter, r *http.Request) {
	var req sitesRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	err := h.service.UploadSites(r.Context(), chi.URLParam(r, "sessionName"), activity.SitesInput{
		Raw:       req.Raw,
		Processed: req.Processed,
		Overwrite: bool(req.Overwrite),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteNoContent(w)
}

// HandleStop stops every activity of a session. POST /api/sessions/{sessionName}/stop
func (h *SessionHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if _, err := h.service.StopSession(r.Context(), chi.URLParam(r, "sessionName")); err != nil {
		h.fail(w, r, err)
		return
	}
	WriteNoContent(w)
}

// HandleLink issues a blob link.
// GET /api/sessions/{sessionName}/link?blobPath=...&permission=read|write
func (h *SessionHandler) HandleLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	permission := q.Get("permission")
	if strings.TrimSpace(permission) == "" {
		h.fail(w, r, types.NewError(types.ErrValidation, `"permission" query parameter not provided; please refer to API documentation`))
		return
	}
	link, err := h.service.BlobLink(r.Context(), chi.URLParam(r, "sessionName"), q.Get("blobPath"), permission)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteSuccess(w, r, link)
}

// =============================================================================
// Activities
// =============================================================================

type startRequest struct {
	AOI           string          `json:"aoi"`
	Overwrite     FlexBool        `json:"overwrite"`
	IterationName string          `json:"iteration_name"`
	Stages        json.RawMessage `json:"stages"`
}

// HandleStart starts an activity. POST /api/sessions/{sessionName}/{activity}
func (h *SessionHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	kind, err := session.ParseActivity(chi.URLParam(r, "activity"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// Validation takes no input.
	var req startRequest
	if kind != session.ActivityValidation {
		if err := DecodeJSONBody(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	_, err = h.service.StartActivity(r.Context(), chi.URLParam(r, "sessionName"), kind, activity.StartInput{
		AOI:           req.AOI,
		Overwrite:     bool(req.Overwrite),
		IterationName: req.IterationName,
		Stages:        req.Stages,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleActivity reports an activity with its task logs.
// GET /api/sessions/{sessionName}/{activity}
func (h *SessionHandler) HandleActivity(w http.ResponseWriter, r *http.Request) {
	kind, err := session.ParseActivity(chi.URLParam(r, "activity"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.service.ActivityStatus(r.Context(), chi.URLParam(r, "sessionName"), kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteSuccess(w, r, view)
}
