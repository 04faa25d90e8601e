package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/queue"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/tenant"
	"github.com/lightbase/lpc-backend/internal/user"
)

// anonymousTokenPrefix marks the opaque login tokens this provider issues.
const anonymousTokenPrefix = "auth-anonymous-"

// NewAnonymousToken mints a fresh opaque login token.
func NewAnonymousToken() string {
	return anonymousTokenPrefix + uuid.NewString()
}

// AnonymousLoginInput is the login request body.
type AnonymousLoginInput struct {
	Token  string               `json:"token"`
	Device *session.DeviceInput `json:"device,omitempty"`
}

// AnonymousLogin authenticates by opaque token. Tokens with
// isAllowedToLogin=false are reserved for internally issued sessions and
// are rejected here.
func (s *Service) AnonymousLogin(ctx context.Context, cur *tenant.Current, existing *session.Session, input AnonymousLoginInput) (*LoginResult, error) {
	if input.Token == "" {
		return nil, apperr.BadRequest("authAnonymousBased.login.invalidArguments", nil)
	}

	u, err := s.users.Store().ByAnonymousToken(ctx, cur.Tenant.ID, input.Token)
	if errors.Is(err, user.ErrNotFound) {
		return nil, apperr.BadRequest("authAnonymousBased.login.unknownToken", nil)
	}
	if err != nil {
		return nil, err
	}

	if !u.AnonymousLogin.IsAllowedToLogin {
		return nil, apperr.BadRequest("authAnonymousBased.login.tokenIsNotAllowedToLogin", nil)
	}

	return s.completeLogin(ctx, loginOptions{
		existing:  existing,
		user:      u,
		loginType: session.LoginAnonymousBased,
		device:    input.Device,
	})
}

// AnonymousRegistration returns the registration step for Directory.Create.
// The generated token is written into *token when the pointer is non-nil so
// callers can hand it out.
func (s *Service) AnonymousRegistration(isAllowedToLogin bool, token *string) user.RegistrationFunc {
	return func(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
		generated := NewAnonymousToken()
		if token != nil {
			*token = generated
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO anonymous_logins (user_id, token, is_allowed_to_login)
			VALUES ($1, $2, $3)
		`, userID, generated, isAllowedToLogin)
		if err != nil {
			return fmt.Errorf("failed to create anonymous login: %w", err)
		}

		return queue.Enqueue(ctx, tx, "auth.anonymousBased.userRegistered", map[string]any{
			"userId": userID,
		})
	}
}

// AnonymousSessionForUser converts a user holding an anonymous login into a
// live session without going through the login endpoint. Used by internal
// flows such as the management magic link; the isAllowedToLogin gate does
// not apply here.
func (s *Service) AnonymousSessionForUser(ctx context.Context, u *user.User) (*LoginResult, error) {
	if u.AnonymousLogin == nil {
		return nil, apperr.Server("authAnonymousBased.getSessionForUser.noAnonymousLogin", nil)
	}

	return s.completeLogin(ctx, loginOptions{
		user:      u,
		loginType: session.LoginAnonymousBased,
	})
}
