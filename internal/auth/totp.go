package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/user"
)

// Authenticator codes are accepted for the current 30s step only, at setup
// and at runtime.
const totpSkew = 0

func totpOpts(skew uint) totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    otpPeriod,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA512,
	}
}

// TotpInfo is the state of a user's authenticator setup.
type TotpInfo struct {
	IsConfigured bool `json:"isConfigured"`
	IsVerified   bool `json:"isVerified"`
}

// TotpInfoForUser reports the setup state.
func (s *Service) TotpInfoForUser(u *user.User) TotpInfo {
	return TotpInfo{
		IsConfigured: u.TotpSettings != nil,
		IsVerified:   u.TotpSettings.Verified(),
	}
}

// TotpSetup is what the setup endpoint returns: the secret and the otpauth
// URL clients render as a QR code.
type TotpSetup struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// SetupTotp issues a fresh secret and persists it unverified. A verified
// setup is protected; an unverified one may be overwritten.
func (s *Service) SetupTotp(ctx context.Context, u *user.User, accountName string) (*TotpSetup, error) {
	if u.TotpSettings.Verified() {
		return nil, apperr.BadRequest("authTotpProvider.setup.alreadyVerified", nil)
	}
	if accountName == "" {
		accountName = u.ID.String()
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "lpc-backend",
		AccountName: accountName,
		Algorithm:   otp.AlgorithmSHA512,
	})
	if err != nil {
		return nil, apperr.Server("authTotpProvider.setup.generate", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO totp_settings (user_id, secret)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET secret = excluded.secret, verified_at = NULL, updated_at = now()
	`, u.ID, key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to store totp settings: %w", err)
	}

	return &TotpSetup{Secret: key.Secret(), URL: key.URL()}, nil
}

// SetupVerifyTotp confirms the fresh setup with one code and activates the
// second factor.
func (s *Service) SetupVerifyTotp(ctx context.Context, u *user.User, code string) error {
	if u.TotpSettings == nil {
		return apperr.BadRequest("authTotpProvider.setupVerify.notConfigured", nil)
	}
	if u.TotpSettings.Verified() {
		return apperr.BadRequest("authTotpProvider.setupVerify.alreadyVerified", nil)
	}

	valid, err := totp.ValidateCustom(code, u.TotpSettings.Secret, time.Now(), totpOpts(totpSkew))
	if err != nil || !valid {
		return apperr.BadRequest("authTotpProvider.setupVerify.invalidOtp", nil)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE totp_settings SET verified_at = now(), updated_at = now() WHERE user_id = $1
	`, u.ID)
	if err != nil {
		return fmt.Errorf("failed to verify totp settings: %w", err)
	}
	return nil
}

// VerifyTotp validates the runtime second factor and promotes the session
// from checkTwoStep to user.
func (s *Service) VerifyTotp(ctx context.Context, sess *session.Session, u *user.User, code string) error {
	if sess.Data.Type != session.TypeCheckTwoStep || sess.Data.TwoStepType != session.TwoStepTotpProvider {
		return apperr.Unauthorized("authTotpProvider.verify.incorrectSessionType")
	}
	if !u.TotpSettings.Verified() {
		return apperr.Unauthorized("authTotpProvider.verify.notConfigured")
	}

	valid, err := totp.ValidateCustom(code, u.TotpSettings.Secret, time.Now(), totpOpts(totpSkew))
	if err != nil || !valid {
		return apperr.BadRequest("authTotpProvider.verify.invalidOtp", nil)
	}

	sess.Data.Type = session.TypeUser
	sess.Data.TwoStepType = ""
	return s.sessions.Update(ctx, s.pool, sess)
}

// RemoveTotp deletes the caller's own authenticator setup.
func (s *Service) RemoveTotp(ctx context.Context, u *user.User) error {
	return s.removeTotp(ctx, u.ID, "authTotpProvider.remove")
}

// RemoveTotpForUser deletes another user's setup; guarded by
// auth:totp:manage at the boundary.
func (s *Service) RemoveTotpForUser(ctx context.Context, userID uuid.UUID) error {
	return s.removeTotp(ctx, userID, "authTotpProvider.removeForUser")
}

func (s *Service) removeTotp(ctx context.Context, userID uuid.UUID, eventKey string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM totp_settings WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to remove totp settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.BadRequest(eventKey+".notConfigured", nil)
	}
	return nil
}
