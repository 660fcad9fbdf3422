package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/relayworks/payagent/internal/observability"
	"github.com/relayworks/payagent/internal/store"
)

// SessionHandler serves the session administration endpoints. Deleting a
// session is the explicit reset path: the next turn under that ID starts a
// fresh conversation with a zero attempt count.
type SessionHandler struct {
	store *store.Store
}

// NewSessionHandler creates a session administration handler.
func NewSessionHandler(st *store.Store) *SessionHandler {
	return &SessionHandler{store: st}
}

// RegisterRoutes registers session administration routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/{sessionID}", h.HandleGet)
		r.Delete("/{sessionID}", h.HandleDelete)
	})
}

// HandleList handles GET /api/sessions.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ids := h.store.ListIDs()
	sort.Strings(ids)
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": ids,
		"count":    len(ids),
	})
}

// HandleGet handles GET /api/sessions/{sessionID} and returns the full
// session snapshot.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.store.Get(sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	JSON(w, http.StatusOK, sess)
}

// HandleDelete handles DELETE /api/sessions/{sessionID}. Deleting an absent
// session is a no-op, so the endpoint is idempotent.
func (h *SessionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	h.store.Delete(sessionID)
	observability.SetActiveSessions(h.store.Len())
	slog.Info("Session deleted", "session_id", sessionID)

	w.WriteHeader(http.StatusNoContent)
}
