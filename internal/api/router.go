package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/auth"
	"github.com/lightbase/lpc-backend/internal/config"
	"github.com/lightbase/lpc-backend/internal/featureflag"
	"github.com/lightbase/lpc-backend/internal/management"
	"github.com/lightbase/lpc-backend/internal/permission"
	"github.com/lightbase/lpc-backend/internal/tenant"
)

// Server holds the wired services behind the HTTP surface.
type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	tenants *tenant.Service
	flags   *featureflag.Engine
	perms   *permission.Engine
	auth    *auth.Service
	mgmt    *management.Service
	limiter *rateLimiter
}

// NewServer wires the HTTP boundary.
func NewServer(
	cfg config.Config,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	tenants *tenant.Service,
	flags *featureflag.Engine,
	perms *permission.Engine,
	authSvc *auth.Service,
	mgmt *management.Service,
) *Server {
	return &Server{
		cfg:     cfg,
		logger:  requestLogger(logger),
		pool:    pool,
		tenants: tenants,
		flags:   flags,
		perms:   perms,
		auth:    authSvc,
		mgmt:    mgmt,
		limiter: newRateLimiter(),
	}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)
	r.Use(s.resolveClientIP)
	r.Use(s.resolveTenant)
	r.Use(s.loadSession)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/me", s.handleMe)
			r.Post("/logout", s.handleLogout)
			r.Post("/impersonate-stop-session", s.handleImpersonateStop)
			r.Post("/impersonate-start-session", s.requirePermission("authImpersonation.start", permImpersonation, s.handleImpersonateStart))
		})
		r.Post("/refresh-tokens", s.handleRefreshTokens)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Post("/list-users", s.requirePermission("authUser.list", permUserList, s.handleListUsers))
			r.Get("/user/{id}", s.requirePermission("authUser.get", permUserList, s.handleGetUser))
			r.Put("/user/{id}/update", s.requirePermission("authUser.update", permUserManage, s.handleUpdateUser))
			r.Post("/user/{id}/set-active", s.requirePermission("authUser.setActive", permUserManage, s.handleSetUserActive))
		})

		r.Route("/password-based", func(r chi.Router) {
			r.Use(s.limitPasswordRoutes)
			r.Post("/login", s.handlePasswordLogin)
			r.Post("/verify-otp", s.handlePasswordVerifyOtp)
			r.Post("/verify-email", s.handleVerifyEmail)
			r.Post("/forgot-password", s.handleForgotPassword)
			r.Post("/reset-password", s.handleResetPassword)
			r.With(s.requireSession).Post("/list-emails", s.requirePermission("authPasswordBased.listEmails", permUserList, s.handleListEmails))
			r.With(s.requireSession).Post("/update-email", s.handleUpdateEmail)
			r.With(s.requireSession).Post("/update-password", s.handleUpdatePassword)
		})

		r.Post("/anonymous-based/login", s.handleAnonymousLogin)

		r.Route("/digid-based", func(r chi.Router) {
			r.Post("/metadata", s.handleDigidMetadata)
			r.Post("/redirect", s.handleDigidRedirect)
			r.Post("/login", s.handleDigidLogin)
		})

		r.Route("/keycloak-based", func(r chi.Router) {
			r.Post("/redirect", s.handleKeycloakRedirect)
			r.Post("/login", s.handleKeycloakLogin)
			r.With(s.requireSession).Post("/create", s.requirePermission("authKeycloakBased.create", permUserManage, s.handleKeycloakCreate))
			r.With(s.requireSession).Post("/user/{id}/update", s.requirePermission("authKeycloakBased.update", permUserManage, s.handleKeycloakUpdate))
		})

		r.Route("/totp-provider", func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/info", s.handleTotpInfo)
			r.Post("/setup", s.handleTotpSetup)
			r.Post("/setup/verify", s.handleTotpSetupVerify)
			r.Post("/verify", s.handleTotpVerify)
			r.Delete("/remove", s.handleTotpRemove)
			r.Delete("/user/{id}/remove", s.requirePermission("authTotpProvider.removeForUser", permTotpManage, s.handleTotpRemoveForUser))
		})

		r.Route("/permission", func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/summary", s.handleOwnPermissionSummary)
			r.Get("/permission/list", s.requirePermission("authPermission.listPermissions", permPermissionManage, s.handleListPermissions))
			r.Get("/role/list", s.requirePermission("authPermission.listRoles", permPermissionManage, s.handleListRoles))
			r.Post("/role", s.requirePermission("authPermission.createRole", permPermissionManage, s.handleCreateRole))
			r.Delete("/role/{id}", s.requirePermission("authPermission.deleteRole", permPermissionManage, s.handleDeleteRole))
			r.Post("/role/{id}/add-permissions", s.requirePermission("authPermission.addPermissions", permPermissionManage, s.handleAddPermissions))
			r.Post("/role/{id}/remove-permissions", s.requirePermission("authPermission.removePermissions", permPermissionManage, s.handleRemovePermissions))
			r.Post("/user/{id}/assign-role", s.requirePermission("authPermission.assignRole", permPermissionManage, s.handleAssignRole))
			r.Post("/user/{id}/remove-role", s.requirePermission("authPermission.removeRole", permPermissionManage, s.handleRemoveRole))
			r.Get("/user/{id}/summary", s.requirePermission("authPermission.userSummary", permPermissionManage, s.handleUserPermissionSummary))
		})
	})

	r.Route("/session", func(r chi.Router) {
		r.Use(s.requireSession)
		r.Get("/list", s.handleSessionList)
		r.Post("/logout", s.handleSessionLogout)
		r.Post("/set-notification-token", s.handleSetNotificationToken)
	})

	r.Get("/multitenant/current", s.handleCurrentTenant)

	r.Route("/feature-flag", func(r chi.Router) {
		r.Get("/current", s.handleCurrentFlags)
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/list", s.requirePermission("featureFlag.list", permFeatureFlagManage, s.handleListFlags))
			r.Post("/set", s.requirePermission("featureFlag.set", permFeatureFlagManage, s.handleSetFlag))
		})
	})

	r.Post("/_lightbase/management/request-magic-link", s.handleRequestMagicLink)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, r, apperr.NotFound("server.request.unknownRoute"))
	})

	return r
}
