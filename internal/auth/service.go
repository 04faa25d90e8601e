// Package auth implements the authentication providers (password, anonymous,
// BSN/SAML, federated OIDC, TOTP) over the session store and user directory.
//
// Every provider shares the same tail: invalidate the session the caller
// already held, determine whether a second step is required, and create the
// new session with its device binding inside one transaction.
package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/featureflag"
	"github.com/lightbase/lpc-backend/internal/saml"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/storage"
	"github.com/lightbase/lpc-backend/internal/tenant"
	"github.com/lightbase/lpc-backend/internal/user"
)

// Config tunes provider behavior per deployment.
type Config struct {
	Environment string

	// RequireDeviceOnLogin rejects logins without a device object.
	RequireDeviceOnLogin bool

	// MaxMobileSessions caps concurrent apple/android sessions per user;
	// zero disables the cap.
	MaxMobileSessions int

	// KeepCurrentSessionOnPasswordUpdate leaves the caller's session alive
	// when a password update clears the rest.
	KeepCurrentSessionOnPasswordUpdate bool

	Keycloak KeycloakSettings
}

// Service is the provider layer.
type Service struct {
	pool     *pgxpool.Pool
	sessions *session.Store
	users    *user.Directory
	flags    *featureflag.Engine
	tenants  *tenant.Service
	saml     *saml.Provider
	cfg      Config
}

// NewService wires the provider layer. The SAML provider may be nil when the
// BSN flow is not configured for this deployment.
func NewService(
	pool *pgxpool.Pool,
	sessions *session.Store,
	users *user.Directory,
	flags *featureflag.Engine,
	tenants *tenant.Service,
	samlProvider *saml.Provider,
	cfg Config,
) *Service {
	return &Service{
		pool:     pool,
		sessions: sessions,
		users:    users,
		flags:    flags,
		tenants:  tenants,
		saml:     samlProvider,
		cfg:      cfg,
	}
}

// Sessions exposes the session store for the HTTP layer.
func (s *Service) Sessions() *session.Store { return s.sessions }

// Users exposes the user directory for the HTTP layer.
func (s *Service) Users() *user.Directory { return s.users }

// LoginResult is what every provider login produces.
type LoginResult struct {
	User    *user.User        `json:"-"`
	Session *session.Session  `json:"-"`
	Tokens  session.TokenPair `json:"tokens"`
}

// loginOptions parameterize the shared login tail.
type loginOptions struct {
	existing    *session.Session
	user        *user.User
	loginType   string
	twoStepType string
	// sessionType overrides the derived type; used by the forced password
	// rotation addendum.
	sessionType string
	device      *session.DeviceInput
	// inTx runs inside the login transaction after the session exists, for
	// provider-specific writes and enqueues.
	inTx func(ctx context.Context, tx pgx.Tx, sess *session.Session) error
}

// completeLogin is the shared tail protocol: invalidate the previous
// session, enforce the device policy, create the new session.
func (s *Service) completeLogin(ctx context.Context, opts loginOptions) (*LoginResult, error) {
	if s.cfg.RequireDeviceOnLogin && opts.device == nil {
		return nil, apperr.BadRequest("auth.login.missingDevice", nil)
	}

	// A verified authenticator setup forces the second step regardless of
	// provider, unless the provider already chose one (email OTP) or the
	// login is being diverted to the forced password rotation.
	if opts.twoStepType == "" && opts.sessionType == "" && opts.user.TotpSettings.Verified() {
		opts.twoStepType = session.TwoStepTotpProvider
	}

	sessionType := opts.sessionType
	if sessionType == "" {
		sessionType = session.TypeUser
		if opts.twoStepType != "" {
			sessionType = session.TypeCheckTwoStep
		}
	}

	u := opts.user
	result := &LoginResult{User: u}
	err := storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if opts.existing != nil {
			if err := s.maybeCombine(ctx, tx, opts.existing, u); err != nil {
				return err
			}
			if err := s.sessions.Invalidate(ctx, tx, opts.existing.ID); err != nil {
				return err
			}
		}

		if opts.device != nil && opts.device.Platform.IsMobile() && s.cfg.MaxMobileSessions > 0 {
			count, err := s.sessions.CountMobileSessions(ctx, tx, u.ID)
			if err != nil {
				return err
			}
			if count >= s.cfg.MaxMobileSessions {
				return apperr.BadRequest("auth.login.tooManyMobileSessions", map[string]any{
					"max": s.cfg.MaxMobileSessions,
				})
			}
		}

		if err := s.users.Store().TouchLastLogin(ctx, tx, u.ID); err != nil {
			return err
		}

		data := session.Data{
			UserID:      u.ID,
			LoginType:   opts.loginType,
			Type:        sessionType,
			TwoStepType: opts.twoStepType,
		}
		sess, pair, err := s.sessions.Create(ctx, tx, data, opts.device)
		if err != nil {
			return err
		}
		result.Session = sess
		result.Tokens = pair

		if opts.inTx != nil {
			return opts.inTx(ctx, tx, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// maybeCombine merges the previous session's user into the newly
// authenticated one when the merge policy approves it.
func (s *Service) maybeCombine(ctx context.Context, tx pgx.Tx, existing *session.Session, u *user.User) error {
	oldID := existing.Data.UserID
	if oldID == uuid.Nil || oldID == u.ID {
		return nil
	}

	old, err := user.NewStore(tx).ByID(ctx, oldID)
	if err != nil {
		// The previous session points at a user that no longer exists; the
		// session gets invalidated right after this, so nothing to merge.
		return nil
	}

	if !s.users.ShouldCombine(ctx, old, u) {
		return nil
	}
	return s.users.Combine(ctx, tx, old, u)
}

// RefreshTokens rotates a token pair. Session-layer failures surface as 401.
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	pair, err := s.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		return session.TokenPair{}, apperr.NormalizeSession(err)
	}
	return pair, nil
}

// Logout revokes the current session.
func (s *Service) Logout(ctx context.Context, sess *session.Session) error {
	return s.sessions.Invalidate(ctx, s.pool, sess.ID)
}

// StartImpersonation creates a session acting as the target user while
// recording the actor. The permission gate lives at the HTTP boundary.
func (s *Service) StartImpersonation(ctx context.Context, current *session.Session, actor *user.User, targetID uuid.UUID) (*LoginResult, error) {
	if current.IsImpersonating() {
		return nil, apperr.BadRequest("authImpersonation.start.alreadyImpersonating", nil)
	}

	target, err := s.users.Store().ByID(ctx, targetID)
	if err != nil {
		return nil, apperr.NotFound("authImpersonation.start.invalidUser")
	}
	if !target.IsActive() {
		return nil, apperr.BadRequest("authImpersonation.start.inactiveUser", nil)
	}

	result := &LoginResult{User: target}
	err = storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.sessions.Invalidate(ctx, tx, current.ID); err != nil {
			return err
		}
		actorID := actor.ID
		data := session.Data{
			UserID:             target.ID,
			LoginType:          current.Data.LoginType,
			Type:               session.TypeUser,
			ImpersonatorUserID: &actorID,
		}
		sess, pair, err := s.sessions.Create(ctx, tx, data, nil)
		if err != nil {
			return err
		}
		result.Session = sess
		result.Tokens = pair
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// StopImpersonation restores the impersonator's own session.
func (s *Service) StopImpersonation(ctx context.Context, current *session.Session) (*LoginResult, error) {
	if !current.IsImpersonating() {
		return nil, apperr.BadRequest("authImpersonation.stop.notImpersonating", nil)
	}

	impersonator, err := s.users.Store().ByID(ctx, *current.Data.ImpersonatorUserID)
	if err != nil || !impersonator.IsActive() {
		return nil, apperr.Unauthorized("authImpersonation.stop.invalidUser")
	}

	result := &LoginResult{User: impersonator}
	err = storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.sessions.Invalidate(ctx, tx, current.ID); err != nil {
			return err
		}
		data := session.Data{
			UserID:    impersonator.ID,
			LoginType: current.Data.LoginType,
			Type:      session.TypeUser,
		}
		sess, pair, err := s.sessions.Create(ctx, tx, data, nil)
		if err != nil {
			return err
		}
		result.Session = sess
		result.Tokens = pair
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
