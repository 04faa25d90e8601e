package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/tenant"
	"github.com/lightbase/lpc-backend/internal/user"
)

// DigidMetadata serves the signed SAML metadata document for federation
// onboarding; acsURL is derived from the resolved tenant's API URL.
func (s *Service) DigidMetadata(ctx context.Context, cur *tenant.Current) ([]byte, error) {
	if s.saml == nil {
		return nil, apperr.Server("authDigidBased.metadata.notConfigured", nil)
	}
	return s.saml.Metadata(cur.APIURL + "/auth/digid-based/login")
}

// DigidRedirectURL builds the signed redirect URL the browser follows to
// the IdP.
func (s *Service) DigidRedirectURL(ctx context.Context) (string, error) {
	if s.saml == nil {
		return "", apperr.Server("authDigidBased.redirect.notConfigured", nil)
	}
	return s.saml.RedirectURL()
}

// DigidLoginInput carries the artifact handed back by the IdP.
type DigidLoginInput struct {
	Artifact string               `json:"samlArt"`
	Device   *session.DeviceInput `json:"device,omitempty"`
}

// DigidLogin resolves the artifact to a BSN over the back channel and
// authenticates the bound user.
func (s *Service) DigidLogin(ctx context.Context, cur *tenant.Current, existing *session.Session, input DigidLoginInput) (*LoginResult, error) {
	if s.saml == nil {
		return nil, apperr.Server("authDigidBased.login.notConfigured", nil)
	}

	bsn, err := s.saml.ResolveArtifact(ctx, s.cfg.Environment, input.Artifact)
	if err != nil {
		return nil, err
	}

	u, err := s.users.Store().ByBSN(ctx, cur.Tenant.ID, bsn)
	if errors.Is(err, user.ErrNotFound) {
		return nil, apperr.BadRequest("authDigidBased.login.unknownBsn", nil)
	}
	if err != nil {
		return nil, err
	}

	return s.completeLogin(ctx, loginOptions{
		existing:  existing,
		user:      u,
		loginType: session.LoginDigidBased,
		device:    input.Device,
	})
}

// DigidRegistration returns the registration step binding a BSN to a new
// user. The BSN is normalized to nine digits before insert.
func (s *Service) DigidRegistration(bsn string) user.RegistrationFunc {
	return func(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
		if len(bsn) == 0 || len(bsn) > 9 {
			return apperr.BadRequest("authDigidBased.register.invalidBsn", nil)
		}
		for len(bsn) < 9 {
			bsn = "0" + bsn
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO digid_logins (user_id, bsn) VALUES ($1, $2)
		`, userID, bsn)
		if err != nil {
			return fmt.Errorf("failed to create digid login: %w", err)
		}
		return nil
	}
}
