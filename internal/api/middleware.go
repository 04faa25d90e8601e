package api

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/crypto"
	"github.com/lightbase/lpc-backend/internal/permission"
	"github.com/lightbase/lpc-backend/internal/user"
)

// logRequests emits one structured line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// recoverPanics converts panics into 500s and forwards them to Sentry.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
					hub.RecoverWithContext(r.Context(), rec)
				}
				s.logger.Error("panic in handler", "method", r.Method, "path", r.URL.Path, "panic", rec)
				s.respond(w, http.StatusInternalServerError, errorBody{
					Key:    "error.server.internal",
					Status: http.StatusInternalServerError,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// resolveClientIP determines the client address, accepting a proxy-supplied
// X-SSR-Ip only when its HMAC verification header checks out.
func (s *Server) resolveClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if forwarded := r.Header.Get("X-SSR-Ip"); forwarded != "" && s.cfg.SSRVerificationKey != "" {
			verification := r.Header.Get("X-SSR-Ip-Verification")
			if crypto.VerifySSRIP([]byte(s.cfg.SSRVerificationKey), forwarded, verification) {
				ip = forwarded
			}
		}

		next.ServeHTTP(w, r.WithContext(withClientIP(r.Context(), ip)))
	})
}

// resolveTenant determines the tenant for every request from the host,
// origin, and override headers.
func (s *Server) resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur, err := s.tenants.ResolveRequest(
			r.Context(),
			r.Host,
			r.Header.Get("Origin"),
			r.Header.Get("X-Lpc-Tenant-Origin"),
		)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.Scope().SetTag("tenant", cur.Tenant.Name)
		}
		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), cur)))
	})
}

// loadSession validates a bearer token when one is present. Routes that
// need a session additionally go through requireSession.
func (s *Server) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || token == "" {
			s.respondError(w, r, apperr.Unauthorized("sessionStore.get.invalidToken"))
			return
		}

		sess, err := s.auth.Sessions().Load(r.Context(), token)
		if err != nil {
			s.respondError(w, r, apperr.NormalizeSession(err))
			return
		}
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.Scope().SetUser(sentry.User{ID: sess.Data.UserID.String()})
		}
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
	})
}

// requireSession rejects anonymous requests.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SessionFromContext(r.Context()) == nil {
			s.respondError(w, r, apperr.Unauthorized("sessionStore.get.missingToken"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser runs the guarded user load and hands the user to the handler.
func (s *Server) requireUser(opts user.RequireOptions, handler func(http.ResponseWriter, *http.Request, *user.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := SessionFromContext(r.Context())
		cur := TenantFromContext(r.Context())

		scoped := opts
		if scoped.TenantID == nil && cur != nil {
			tenantID := cur.Tenant.ID
			scoped.TenantID = &tenantID
		}

		u, err := s.auth.Users().Require(r.Context(), sess, scoped)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		handler(w, r, u)
	}
}

// requirePermission is requireUser with only a permission gate.
func (s *Server) requirePermission(eventKey string, permissions []string, handler func(http.ResponseWriter, *http.Request, *user.User)) http.HandlerFunc {
	return s.requireUser(user.RequireOptions{
		EventKey:            eventKey,
		RequiredPermissions: permissions,
	}, handler)
}

// Permission identifiers re-exported for route wiring readability.
var (
	permUserList          = []string{permission.PermUserList}
	permUserManage        = []string{permission.PermUserManage}
	permPermissionManage  = []string{permission.PermPermissionManage}
	permTotpManage        = []string{permission.PermTotpManage}
	permImpersonation     = []string{permission.PermImpersonationManage}
	permFeatureFlagManage = []string{permission.PermFeatureFlagManage}
)
