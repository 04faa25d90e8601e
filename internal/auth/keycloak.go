package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/oauth2"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/queue"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/storage"
	"github.com/lightbase/lpc-backend/internal/tenant"
	"github.com/lightbase/lpc-backend/internal/user"
)

// KeycloakSettings configures the federated OIDC provider.
type KeycloakSettings struct {
	Issuer       string
	ClientID     string
	ClientSecret string

	// ImplicitlyCreateUsers provisions an account on first federated login.
	ImplicitlyCreateUsers bool

	// SingleTenant restricts implicitly created users to the tenant that
	// performed the login; otherwise membership is synced to all tenants.
	SingleTenant bool
}

func (s *Service) keycloakConfigured() bool {
	return s.cfg.Keycloak.Issuer != "" && s.cfg.Keycloak.ClientID != ""
}

func (s *Service) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.Keycloak.ClientID,
		ClientSecret: s.cfg.Keycloak.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.cfg.Keycloak.Issuer + "/protocol/openid-connect/auth",
			TokenURL:  s.cfg.Keycloak.Issuer + "/protocol/openid-connect/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: []string{oidc.ScopeOpenID, "email", "profile"},
	}
}

// KeycloakRedirectURL builds the authorization-code URL for the tenant's
// public frontend.
func (s *Service) KeycloakRedirectURL(ctx context.Context, cur *tenant.Current, state string) (string, error) {
	if !s.keycloakConfigured() {
		return "", apperr.Server("authKeycloakBased.redirect.notConfigured", nil)
	}

	redirect, err := url.JoinPath(cur.PublicURL, "auth", "keycloak")
	if err != nil {
		return "", apperr.Server("authKeycloakBased.redirect.invalidUrl", err)
	}
	return s.oauthConfig(redirect).AuthCodeURL(state), nil
}

// keycloakClaims is what we read from the userinfo endpoint.
type keycloakClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// KeycloakLoginInput is the login request body.
type KeycloakLoginInput struct {
	Code   string               `json:"code"`
	Device *session.DeviceInput `json:"device,omitempty"`
}

// KeycloakLogin exchanges the authorization code, reads the federated
// identity from userinfo, and authenticates (or implicitly provisions) the
// matching user.
func (s *Service) KeycloakLogin(ctx context.Context, cur *tenant.Current, existing *session.Session, input KeycloakLoginInput) (*LoginResult, error) {
	if !s.keycloakConfigured() {
		return nil, apperr.Server("authKeycloakBased.login.notConfigured", nil)
	}
	if input.Code == "" {
		return nil, apperr.BadRequest("authKeycloakBased.login.invalidArguments", nil)
	}

	claims, err := s.fetchKeycloakIdentity(ctx, cur, input.Code)
	if err != nil {
		return nil, err
	}
	if claims.Email == "" {
		return nil, apperr.Unauthorized("authKeycloakBased.login.missingEmail")
	}

	u, err := s.users.Store().ByKeycloakEmail(ctx, cur.Tenant.ID, claims.Email)
	switch {
	case errors.Is(err, user.ErrNotFound):
		u, err = s.keycloakImplicitLogin(ctx, cur, claims)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	// Backfill the display name from the IdP when we have none.
	if u.Name == nil && claims.Name != "" {
		if err := s.users.Store().UpdateName(ctx, s.pool, u.ID, &claims.Name); err != nil {
			return nil, err
		}
		u.Name = &claims.Name
	}

	return s.completeLogin(ctx, loginOptions{
		existing:  existing,
		user:      u,
		loginType: session.LoginKeycloakBased,
		device:    input.Device,
	})
}

func (s *Service) fetchKeycloakIdentity(ctx context.Context, cur *tenant.Current, code string) (*keycloakClaims, error) {
	provider, err := oidc.NewProvider(ctx, s.cfg.Keycloak.Issuer)
	if err != nil {
		return nil, apperr.Server("authKeycloakBased.login.discovery", err)
	}

	redirect, err := url.JoinPath(cur.PublicURL, "auth", "keycloak")
	if err != nil {
		return nil, apperr.Server("authKeycloakBased.login.invalidUrl", err)
	}

	token, err := s.oauthConfig(redirect).Exchange(ctx, code)
	if err != nil {
		return nil, apperr.Unauthorized("authKeycloakBased.login.invalidCode").WithCause(err)
	}

	userInfo, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, apperr.Server("authKeycloakBased.login.userInfo", err)
	}

	var claims keycloakClaims
	if err := userInfo.Claims(&claims); err != nil {
		return nil, apperr.Server("authKeycloakBased.login.userInfo", err)
	}
	return &claims, nil
}

// keycloakImplicitLogin handles the first federated login of an unknown
// email: either provisions a user or joins an existing one to this tenant.
func (s *Service) keycloakImplicitLogin(ctx context.Context, cur *tenant.Current, claims *keycloakClaims) (*user.User, error) {
	if !s.cfg.Keycloak.ImplicitlyCreateUsers {
		return nil, apperr.Unauthorized("authKeycloakBased.login.unknownEmail")
	}

	// The email may belong to a user who simply is not a member of this
	// tenant yet; membership is granted instead of creating a duplicate.
	var existingID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT kl.user_id
		FROM keycloak_logins kl
		JOIN users u ON u.id = kl.user_id AND u.deleted_at IS NULL
		WHERE kl.email = $1
	`, claims.Email).Scan(&existingID)
	switch {
	case err == nil:
		if s.cfg.Keycloak.SingleTenant {
			return nil, apperr.Unauthorized("authKeycloakBased.login.unknownEmail")
		}
		err = storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			if err := s.users.Store().AddTenantMembership(ctx, tx, existingID, cur.Tenant.ID); err != nil {
				return err
			}
			return s.users.CheckUnique(ctx, tx, existingID)
		})
		if err != nil {
			return nil, err
		}
		return s.users.Store().ByID(ctx, existingID)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	var created *user.User
	err = storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		input := user.CreateInput{
			Registrations: []user.Registration{s.KeycloakRegistration(claims.Email)},
		}
		if claims.Name != "" {
			input.Name = &claims.Name
		}
		if s.cfg.Keycloak.SingleTenant {
			tenantID := cur.Tenant.ID
			input.TenantID = &tenantID
		} else {
			input.SyncUsersAcrossAllTenants = true
		}

		created, err = s.users.Create(ctx, tx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// KeycloakRegistration returns the registration step for Directory.Create.
func (s *Service) KeycloakRegistration(email string) user.RegistrationFunc {
	return func(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
		if email == "" {
			return apperr.BadRequest("authKeycloakBased.register.invalidEmail", nil)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO keycloak_logins (user_id, email) VALUES ($1, $2)
		`, userID, email)
		if err != nil {
			return fmt.Errorf("failed to create keycloak login: %w", err)
		}

		return queue.Enqueue(ctx, tx, "auth.keycloakBased.userRegistered", map[string]any{
			"userId": userID,
			"email":  email,
		})
	}
}

// KeycloakUpdateEmail rewrites the federated email of a user and re-checks
// uniqueness; guarded by auth:user:manage at the boundary.
func (s *Service) KeycloakUpdateEmail(ctx context.Context, userID uuid.UUID, email string) error {
	if email == "" {
		return apperr.BadRequest("authKeycloakBased.update.invalidEmail", nil)
	}

	return storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE keycloak_logins SET email = $2, updated_at = now() WHERE user_id = $1
		`, userID, email)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("authKeycloakBased.update.noKeycloakLogin")
		}
		return s.users.CheckUnique(ctx, tx, userID)
	})
}
