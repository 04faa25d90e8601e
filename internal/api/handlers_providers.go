package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/auth"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/storage"
	"github.com/lightbase/lpc-backend/internal/user"
)

func (s *Server) handlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	var body auth.PasswordLoginInput
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	cur := TenantFromContext(r.Context())
	result, err := s.auth.PasswordLogin(r.Context(), cur, SessionFromContext(r.Context()), body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, result.Tokens)
}

// handlePasswordVerifyOtp completes the email OTP second step.
func (s *Server) handlePasswordVerifyOtp(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		s.respondError(w, r, apperr.Unauthorized("sessionStore.get.missingToken"))
		return
	}

	var body struct {
		Otp string `json:"otp"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	cur := TenantFromContext(r.Context())
	tenantID := cur.Tenant.ID
	u, err := s.auth.Users().Require(r.Context(), sess, user.RequireOptions{
		EventKey:               "authPasswordBased.verifyOtp",
		TenantID:               &tenantID,
		SkipSessionIsUserCheck: true,
		AllowedLoginTypes:      []string{session.LoginPasswordBased},
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.auth.VerifyPasswordOtp(r.Context(), sess, u, body.Otp); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.auth.VerifyEmail(r.Context(), body.Token); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.auth.ForgotPassword(r.Context(), TenantFromContext(r.Context()), body.Email); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.auth.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request, _ *user.User) {
	var body struct {
		UserIDs []uuid.UUID `json:"userIds"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	emails, err := s.auth.ListEmails(r.Context(), body.UserIDs)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"emails": emails})
}

func (s *Server) handleUpdateEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.requireUser(user.RequireOptions{
		EventKey:          "authPasswordBased.updateEmail",
		AllowedLoginTypes: []string{session.LoginPasswordBased},
	}, func(w http.ResponseWriter, r *http.Request, u *user.User) {
		if err := s.auth.UpdateEmail(r.Context(), TenantFromContext(r.Context()), u, body.Email); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respond(w, http.StatusOK, successBody)
	})(w, r)
}

func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	// The forced-rotation session type is admitted here; it exists solely
	// to reach this endpoint.
	s.requireUser(user.RequireOptions{
		EventKey:               "authPasswordBased.updatePassword",
		SkipSessionIsUserCheck: true,
		AllowedLoginTypes:      []string{session.LoginPasswordBased},
	}, func(w http.ResponseWriter, r *http.Request, u *user.User) {
		sess := SessionFromContext(r.Context())
		if sess.Data.Type != session.TypeUser && sess.Data.Type != session.TypeUpdatePassword {
			s.respondError(w, r, apperr.Unauthorized("authPasswordBased.updatePassword.incorrectSessionType"))
			return
		}
		if err := s.auth.UpdatePassword(r.Context(), sess, u, body.Password); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respond(w, http.StatusOK, successBody)
	})(w, r)
}

func (s *Server) handleAnonymousLogin(w http.ResponseWriter, r *http.Request) {
	var body auth.AnonymousLoginInput
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	result, err := s.auth.AnonymousLogin(r.Context(), TenantFromContext(r.Context()), SessionFromContext(r.Context()), body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, result.Tokens)
}

func (s *Server) handleDigidMetadata(w http.ResponseWriter, r *http.Request) {
	metadata, err := s.auth.DigidMetadata(r.Context(), TenantFromContext(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(metadata)
}

func (s *Server) handleDigidRedirect(w http.ResponseWriter, r *http.Request) {
	redirect, err := s.auth.DigidRedirectURL(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"url": redirect})
}

func (s *Server) handleDigidLogin(w http.ResponseWriter, r *http.Request) {
	var body auth.DigidLoginInput
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	result, err := s.auth.DigidLogin(r.Context(), TenantFromContext(r.Context()), SessionFromContext(r.Context()), body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, result.Tokens)
}

func (s *Server) handleKeycloakRedirect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	redirect, err := s.auth.KeycloakRedirectURL(r.Context(), TenantFromContext(r.Context()), body.State)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"url": redirect})
}

func (s *Server) handleKeycloakLogin(w http.ResponseWriter, r *http.Request) {
	var body auth.KeycloakLoginInput
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	result, err := s.auth.KeycloakLogin(r.Context(), TenantFromContext(r.Context()), SessionFromContext(r.Context()), body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, result.Tokens)
}

// handleKeycloakCreate provisions a user with a federated login attachment.
func (s *Server) handleKeycloakCreate(w http.ResponseWriter, r *http.Request, _ *user.User) {
	var body struct {
		Email string  `json:"email"`
		Name  *string `json:"name"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	cur := TenantFromContext(r.Context())
	var created *user.User
	err := storage.WithTx(r.Context(), s.pool, func(tx pgx.Tx) error {
		tenantID := cur.Tenant.ID
		var err error
		created, err = s.auth.Users().Create(r.Context(), tx, user.CreateInput{
			Name:     body.Name,
			TenantID: &tenantID,
			Registrations: []user.Registration{
				s.auth.KeycloakRegistration(body.Email),
			},
		})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, created)
}

func (s *Server) handleKeycloakUpdate(w http.ResponseWriter, r *http.Request, _ *user.User) {
	id, err := urlParamID(r, "authKeycloakBased.update")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.auth.KeycloakUpdateEmail(r.Context(), id, body.Email); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleTotpInfo(w http.ResponseWriter, r *http.Request) {
	s.requireUser(user.RequireOptions{EventKey: "authTotpProvider.info"},
		func(w http.ResponseWriter, r *http.Request, u *user.User) {
			s.respond(w, http.StatusOK, s.auth.TotpInfoForUser(u))
		})(w, r)
}

func (s *Server) handleTotpSetup(w http.ResponseWriter, r *http.Request) {
	s.requireUser(user.RequireOptions{EventKey: "authTotpProvider.setup"},
		func(w http.ResponseWriter, r *http.Request, u *user.User) {
			accountName := ""
			if u.PasswordLogin != nil {
				accountName = u.PasswordLogin.Email
			}
			setup, err := s.auth.SetupTotp(r.Context(), u, accountName)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			s.respond(w, http.StatusOK, setup)
		})(w, r)
}

func (s *Server) handleTotpSetupVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Otp string `json:"otp"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.requireUser(user.RequireOptions{EventKey: "authTotpProvider.setupVerify"},
		func(w http.ResponseWriter, r *http.Request, u *user.User) {
			if err := s.auth.SetupVerifyTotp(r.Context(), u, body.Otp); err != nil {
				s.respondError(w, r, err)
				return
			}
			s.respond(w, http.StatusOK, successBody)
		})(w, r)
}

// handleTotpVerify completes the authenticator second step.
func (s *Server) handleTotpVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Otp string `json:"otp"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.requireUser(user.RequireOptions{
		EventKey:               "authTotpProvider.verify",
		SkipSessionIsUserCheck: true,
	}, func(w http.ResponseWriter, r *http.Request, u *user.User) {
		if err := s.auth.VerifyTotp(r.Context(), SessionFromContext(r.Context()), u, body.Otp); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respond(w, http.StatusOK, successBody)
	})(w, r)
}

func (s *Server) handleTotpRemove(w http.ResponseWriter, r *http.Request) {
	s.requireUser(user.RequireOptions{EventKey: "authTotpProvider.remove"},
		func(w http.ResponseWriter, r *http.Request, u *user.User) {
			if err := s.auth.RemoveTotp(r.Context(), u); err != nil {
				s.respondError(w, r, err)
				return
			}
			s.respond(w, http.StatusOK, successBody)
		})(w, r)
}

func (s *Server) handleTotpRemoveForUser(w http.ResponseWriter, r *http.Request, _ *user.User) {
	id, err := urlParamID(r, "authTotpProvider.removeForUser")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.auth.RemoveTotpForUser(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}
