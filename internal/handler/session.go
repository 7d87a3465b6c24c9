package handler

import (
	"net/http"

	"github.com/worklog/guard/internal/middleware"
)

// ActivityRequest reports a user action performed under the session
type ActivityRequest struct {
	Action string `json:"action" validate:"required,max=100,printascii"`
}

// CurrentSession returns the session that authenticated the request
func (h *Handler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, middleware.SessionFrom(r.Context()))
}

// ListSessions returns every session of the current user
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())

	sessions, err := h.sessions.ListForOwner(r.Context(), sess.OwnerID)
	if err != nil {
		h.internalError(w, r, err, "failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":  sessions,
		"currentId": sess.ID,
	})
}

// TrackActivity records an action. It never extends the session.
func (h *Handler) TrackActivity(w http.ResponseWriter, r *http.Request, req *ActivityRequest) {
	ctx := r.Context()

	activity, err := h.sessions.TrackActivity(ctx, middleware.SessionTokenFrom(ctx), req.Action, middleware.ClientIP(r))
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, activity)
}

// RevokeSession revokes one of the current user's other sessions
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())

	if err := h.sessions.RevokeByID(r.Context(), sess.OwnerID, r.PathValue("id")); err != nil {
		h.writeSessionError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RevokeOtherSessions revokes every session of the current user except this one
func (h *Handler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFrom(r.Context())

	n, err := h.sessions.RevokeAllForOwner(r.Context(), sess.OwnerID, sess.ID)
	if err != nil {
		h.internalError(w, r, err, "failed to revoke sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}
