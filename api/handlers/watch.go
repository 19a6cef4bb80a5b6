package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nellyag1/wavescape-portal222/session"
	"github.com/nellyag1/wavescape-portal222/types"
)

// StatusSessionGone closes a watch whose session no longer exists.
const StatusSessionGone websocket.StatusCode = 4410

// DefaultWatchInterval is how often a watched session is re-read.
const DefaultWatchInterval = time.Second

// SessionEvent is pushed to watchers whenever the session document changes.
type SessionEvent struct {
	Name           string    `json:"name"`
	States         []string  `json:"states"`
	IterationNames []string  `json:"iterationNames"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func newSessionEvent(rec *session.Record) SessionEvent {
	return SessionEvent{
		Name:           rec.Name,
		States:         rec.States.Names(),
		IterationNames: rec.IterationNames,
		UpdatedAt:      rec.UpdatedAt,
	}
}

// HandleWatch streams session changes over a WebSocket.
// GET /api/sessions/{sessionName}/watch
//
// The current document is sent first, then one event per observed change.
// The server closes with StatusSessionGone when the session disappears.
func (h *SessionHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sessionName")
	rec, err := h.service.GetSession(r.Context(), name)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.watchOrigins})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.String("session", name), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Client frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	log := h.logger.With(zap.String("session", name))

	status, reason := h.watch(ctx, conn, rec)
	log.Debug("session watch ended", zap.Int("status", int(status)), zap.String("reason", reason))
	_ = conn.Close(status, reason)
}

func (h *SessionHandler) watch(ctx context.Context, conn *websocket.Conn, rec *session.Record) (websocket.StatusCode, string) {
	name, states, updated := rec.Name, rec.States, rec.UpdatedAt
	if err := wsjson.Write(ctx, conn, newSessionEvent(rec)); err != nil {
		return websocket.StatusGoingAway, "write failed"
	}

	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "watch closed"
		case <-ticker.C:
		}

		rec, err := h.service.GetSession(ctx, name)
		if err != nil {
			if types.IsCode(err, types.ErrNotFound) {
				return StatusSessionGone, "session no longer exists"
			}
			if ctx.Err() != nil {
				return websocket.StatusNormalClosure, "watch closed"
			}
			h.logger.Warn("session watch read failed", zap.String("session", name), zap.Error(err))
			continue
		}
		if rec.UpdatedAt.Equal(updated) && rec.States.Equal(states) {
			continue
		}
		states, updated = rec.States, rec.UpdatedAt
		if err := wsjson.Write(ctx, conn, newSessionEvent(rec)); err != nil {
			return websocket.StatusGoingAway, "write failed"
		}
	}
}
