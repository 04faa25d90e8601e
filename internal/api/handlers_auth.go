package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/permission"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/user"
)

// sessionView is the session part of the /auth/me payload.
type sessionView struct {
	ID                 uuid.UUID  `json:"id"`
	Type               string     `json:"type"`
	LoginType          string     `json:"loginType"`
	TwoStepType        string     `json:"twoStepType,omitempty"`
	ImpersonatorUserID *uuid.UUID `json:"impersonatorUserId,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

func newSessionView(sess *session.Session) sessionView {
	return sessionView{
		ID:                 sess.ID,
		Type:               sess.Data.Type,
		LoginType:          sess.Data.LoginType,
		TwoStepType:        sess.Data.TwoStepType,
		ImpersonatorUserID: sess.Data.ImpersonatorUserID,
		CreatedAt:          sess.CreatedAt,
	}
}

type meResponse struct {
	Session sessionView         `json:"session"`
	User    *user.User          `json:"user,omitempty"`
	Summary *permission.Summary `json:"summary,omitempty"`
}

// handleMe returns the current session; the user and their permission
// summary are only included once the session is fully authenticated.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	resp := meResponse{Session: newSessionView(sess)}

	if sess.Data.Type == session.TypeUser {
		cur := TenantFromContext(r.Context())
		tenantID := cur.Tenant.ID

		u, err := s.auth.Users().Require(r.Context(), sess, user.RequireOptions{
			EventKey: "auth.me",
			TenantID: &tenantID,
		})
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		summary, err := s.auth.Users().Summary(r.Context(), u.ID, tenantID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		resp.User = u
		resp.Summary = summary
	}

	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshTokens(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	pair, err := s.auth.RefreshTokens(r.Context(), body.RefreshToken)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), SessionFromContext(r.Context())); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleImpersonateStart(w http.ResponseWriter, r *http.Request, actor *user.User) {
	var body struct {
		UserID uuid.UUID `json:"userId"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if body.UserID == uuid.Nil {
		s.respondError(w, r, apperr.BadRequest("authImpersonation.start.invalidArguments", nil))
		return
	}

	result, err := s.auth.StartImpersonation(r.Context(), SessionFromContext(r.Context()), actor, body.UserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, result.Tokens)
}

func (s *Server) handleImpersonateStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.auth.StopImpersonation(r.Context(), SessionFromContext(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, result.Tokens)
}

type listUsersResponse struct {
	Users  []*user.User         `json:"users"`
	Emails map[uuid.UUID]string `json:"emails,omitempty"`
	Total  int                  `json:"total"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, _ *user.User) {
	var body struct {
		Provider string `json:"provider"`
		Limit    int    `json:"limit"`
		Offset   int    `json:"offset"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	cur := TenantFromContext(r.Context())
	users, total, err := s.auth.Users().Store().List(r.Context(), cur.Tenant.ID, user.ListFilter{
		Provider: body.Provider,
		Limit:    body.Limit,
		Offset:   body.Offset,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respond(w, http.StatusOK, listUsersResponse{Users: users, Total: total})
}

func urlParamID(r *http.Request, eventKey string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.BadRequest(eventKey+".invalidId", nil)
	}
	return id, nil
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, _ *user.User) {
	id, err := urlParamID(r, "authUser.get")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	u, err := s.auth.Users().Store().ByID(r.Context(), id)
	if err != nil {
		s.respondError(w, r, apperr.NotFound("authUser.get.invalidUser"))
		return
	}

	cur := TenantFromContext(r.Context())
	if !u.MemberOf(cur.Tenant.ID) {
		s.respondError(w, r, apperr.NotFound("authUser.get.invalidUser"))
		return
	}

	s.respond(w, http.StatusOK, u)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request, _ *user.User) {
	id, err := urlParamID(r, "authUser.update")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var body struct {
		Name *string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.auth.Users().Store().UpdateName(r.Context(), s.pool, id, body.Name); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleSetUserActive(w http.ResponseWriter, r *http.Request, _ *user.User) {
	id, err := urlParamID(r, "authUser.setActive")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.auth.Users().SetActive(r.Context(), id, body.Active); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}
