package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/session"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	entries, err := s.auth.Sessions().ListForUser(r.Context(), sess.Data.UserID, sess.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"sessions": entries})
}

// handleSessionLogout revokes one of the caller's own sessions by id.
func (s *Server) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	var body struct {
		SessionID uuid.UUID `json:"sessionId"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if body.SessionID == uuid.Nil {
		s.respondError(w, r, apperr.BadRequest("sessionStore.logout.invalidArguments", nil))
		return
	}

	entries, err := s.auth.Sessions().ListForUser(r.Context(), sess.Data.UserID, sess.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	owned := false
	for _, entry := range entries {
		if entry.SessionID == body.SessionID {
			owned = true
			break
		}
	}
	if !owned {
		s.respondError(w, r, apperr.NotFound("sessionStore.logout.invalidSession"))
		return
	}

	if err := s.auth.Sessions().Invalidate(r.Context(), s.pool, body.SessionID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleSetNotificationToken(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	var body struct {
		NotificationToken *string                      `json:"notificationToken"`
		WebPush           *session.WebPushSubscription `json:"webPushInformation"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.auth.Sessions().SetNotificationToken(r.Context(), sess.ID, body.NotificationToken, body.WebPush); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}
