package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"github.com/lightbase/lpc-backend/internal/apperr"
	appcrypto "github.com/lightbase/lpc-backend/internal/crypto"
	"github.com/lightbase/lpc-backend/internal/featureflag"
	"github.com/lightbase/lpc-backend/internal/queue"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/storage"
	"github.com/lightbase/lpc-backend/internal/tenant"
	"github.com/lightbase/lpc-backend/internal/user"
)

const (
	bcryptCost = 13

	// Rolling attempt window for login blocking.
	attemptWindow      = 5 * time.Minute
	maxLoginAttempts   = 10
	resetTokenLifetime = 24 * time.Hour

	// passwordMaxAge forces a rotation when the stored hash is older.
	passwordMaxAge = 6 * 30 * 24 * time.Hour

	// passwordOtpSkew tolerates ~5m30s of drift on the mailed OTP; the
	// authenticator TOTP in totp.go is far stricter.
	passwordOtpSkew = 5
	otpPeriod       = 30
)

// dummyHash equalizes timing on unknown-email logins when the reduce-info
// flag is on; computed once because bcrypt at cost 13 is deliberately slow.
var dummyHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte(appcrypto.RandomToken(16)), bcryptCost)
	if err != nil {
		panic(fmt.Sprintf("auth: failed to compute dummy hash: %v", err))
	}
	return hash
})

// PasswordLoginInput is the login request body.
type PasswordLoginInput struct {
	Email    string               `json:"email"`
	Password string               `json:"password"`
	Device   *session.DeviceInput `json:"device,omitempty"`
}

// PasswordLogin authenticates by email and password, honoring the attempt
// blocking, enumeration defense, forced rotation, and email OTP flags.
func (s *Service) PasswordLogin(ctx context.Context, cur *tenant.Current, existing *session.Session, input PasswordLoginInput) (*LoginResult, error) {
	if input.Email == "" || input.Password == "" {
		return nil, apperr.BadRequest("authPasswordBased.login.invalidArguments", nil)
	}

	reduceInfo, err := s.flags.GetDynamic(ctx, cur.Tenant.Name, featureflag.FlagReduceErrorInfo)
	if err != nil {
		return nil, err
	}

	u, err := s.users.Store().ByPasswordEmail(ctx, cur.Tenant.ID, input.Email)
	if errors.Is(err, user.ErrNotFound) {
		if reduceInfo {
			// Burn the same bcrypt cost an existing account would, so the
			// response time does not reveal whether the email exists.
			_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(input.Password))
			return nil, apperr.BadRequest("authPasswordBased.login.invalidEmailPasswordCombination", nil)
		}
		return nil, apperr.BadRequest("authPasswordBased.login.unknownEmail", nil)
	}
	if err != nil {
		return nil, err
	}
	pl := u.PasswordLogin

	blocking, err := s.flags.GetDynamic(ctx, cur.Tenant.Name, featureflag.FlagLoginAttemptBlocking)
	if err != nil {
		return nil, err
	}
	if blocking {
		var count int
		err := s.pool.QueryRow(ctx, `
			SELECT count(*) FROM password_login_attempts
			WHERE password_login_id = $1 AND created_at > now() - $2::interval
		`, pl.ID, attemptWindow.String()).Scan(&count)
		if err != nil {
			return nil, err
		}
		if count >= maxLoginAttempts {
			if err := s.recordAttempt(ctx, pl.ID); err != nil {
				return nil, err
			}
			return nil, apperr.BadRequest("authPasswordBased.login.maxAttemptsExceeded", nil)
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(pl.PasswordHash), []byte(input.Password)); err != nil {
		if err := s.recordAttempt(ctx, pl.ID); err != nil {
			return nil, err
		}
		return nil, apperr.BadRequest("authPasswordBased.login.invalidEmailPasswordCombination", nil)
	}

	if pl.VerifiedAt == nil {
		return nil, apperr.BadRequest("authPasswordBased.login.emailNotVerified", nil)
	}

	maxAge, err := s.flags.GetDynamic(ctx, cur.Tenant.Name, featureflag.FlagPasswordMaxAge)
	if err != nil {
		return nil, err
	}
	if maxAge && time.Since(pl.UpdatedAt) > passwordMaxAge {
		// The password is stale; the session only admits the
		// update-password endpoint until it is rotated.
		return s.completeLogin(ctx, loginOptions{
			existing:    existing,
			user:        u,
			loginType:   session.LoginPasswordBased,
			sessionType: session.TypeUpdatePassword,
			device:      input.Device,
		})
	}

	if pl.OtpEnabledAt != nil {
		return s.loginWithEmailOtp(ctx, cur, existing, u, input.Device)
	}

	return s.completeLogin(ctx, loginOptions{
		existing:  existing,
		user:      u,
		loginType: session.LoginPasswordBased,
		device:    input.Device,
	})
}

// loginWithEmailOtp issues a checkTwoStep session and enqueues the OTP mail
// job inside the same transaction.
func (s *Service) loginWithEmailOtp(ctx context.Context, cur *tenant.Current, existing *session.Session, u *user.User, device *session.DeviceInput) (*LoginResult, error) {
	return s.completeLogin(ctx, loginOptions{
		existing:    existing,
		user:        u,
		loginType:   session.LoginPasswordBased,
		twoStepType: session.TwoStepPasswordOtp,
		device:      device,
		inTx: func(ctx context.Context, tx pgx.Tx, _ *session.Session) error {
			secret, err := s.ensureOtpSecret(ctx, tx, u)
			if err != nil {
				return err
			}
			code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
				Period:    otpPeriod,
				Digits:    otp.DigitsSix,
				Algorithm: otp.AlgorithmSHA512,
			})
			if err != nil {
				return apperr.Server("authPasswordBased.login.otpGeneration", err)
			}
			return queue.Enqueue(ctx, tx, "auth.passwordBased.requestOtp", map[string]any{
				"userId":    u.ID,
				"email":     u.PasswordLogin.Email,
				"otp":       code,
				"tenant":    cur.Tenant.Name,
				"publicUrl": cur.PublicURL,
			})
		},
	})
}

func (s *Service) ensureOtpSecret(ctx context.Context, tx pgx.Tx, u *user.User) (string, error) {
	if u.PasswordLogin.OtpSecret != nil {
		return *u.PasswordLogin.OtpSecret, nil
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "lpc-backend",
		AccountName: u.PasswordLogin.Email,
		Algorithm:   otp.AlgorithmSHA512,
	})
	if err != nil {
		return "", apperr.Server("authPasswordBased.login.otpGeneration", err)
	}
	secret := key.Secret()

	_, err = tx.Exec(ctx, `UPDATE password_logins SET otp_secret = $2 WHERE id = $1`, u.PasswordLogin.ID, secret)
	if err != nil {
		return "", fmt.Errorf("failed to store otp secret: %w", err)
	}
	return secret, nil
}

func (s *Service) recordAttempt(ctx context.Context, passwordLoginID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO password_login_attempts (password_login_id) VALUES ($1)
	`, passwordLoginID)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// VerifyPasswordOtp validates the mailed OTP and promotes the session from
// checkTwoStep to user.
func (s *Service) VerifyPasswordOtp(ctx context.Context, sess *session.Session, u *user.User, code string) error {
	if sess.Data.Type != session.TypeCheckTwoStep || sess.Data.TwoStepType != session.TwoStepPasswordOtp {
		return apperr.Unauthorized("authPasswordBased.verifyOtp.incorrectSessionType")
	}
	if u.PasswordLogin == nil || u.PasswordLogin.OtpSecret == nil {
		return apperr.Unauthorized("authPasswordBased.verifyOtp.otpNotEnabled")
	}

	valid, err := totp.ValidateCustom(code, *u.PasswordLogin.OtpSecret, time.Now(), totp.ValidateOpts{
		Period:    otpPeriod,
		Skew:      passwordOtpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA512,
	})
	if err != nil || !valid {
		return apperr.BadRequest("authPasswordBased.verifyOtp.invalidOtp", nil)
	}

	sess.Data.Type = session.TypeUser
	sess.Data.TwoStepType = ""
	return s.sessions.Update(ctx, s.pool, sess)
}

// PasswordRegistrationInput describes the password attachment of a new user.
type PasswordRegistrationInput struct {
	Email    string  `json:"email"`
	Password *string `json:"password,omitempty"`
	// RandomPassword provisions an account the user claims through the
	// mailed set-password link instead of a chosen password.
	RandomPassword bool `json:"randomPassword,omitempty"`
}

// PasswordRegistration returns the registration step for Directory.Create.
func (s *Service) PasswordRegistration(cur *tenant.Current, input PasswordRegistrationInput) user.RegistrationFunc {
	return func(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
		if input.Email == "" {
			return apperr.BadRequest("authPasswordBased.register.invalidEmail", nil)
		}
		if !input.RandomPassword && (input.Password == nil || *input.Password == "") {
			return apperr.BadRequest("authPasswordBased.register.missingPassword", nil)
		}

		password := appcrypto.RandomToken(24)
		if !input.RandomPassword {
			password = *input.Password
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return apperr.Server("authPasswordBased.register.hash", err)
		}

		var verifiedAt *time.Time
		if input.RandomPassword {
			now := time.Now()
			verifiedAt = &now
		}

		var passwordLoginID uuid.UUID
		err = tx.QueryRow(ctx, `
			INSERT INTO password_logins (user_id, email, password_hash, verified_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, userID, input.Email, string(hash), verifiedAt).Scan(&passwordLoginID)
		if err != nil {
			return fmt.Errorf("failed to create password login: %w", err)
		}

		// Random-password accounts get a set-password link; chosen-password
		// accounts get a verification link. Both expire in 24 hours.
		token := appcrypto.RandomToken(32)
		_, err = tx.Exec(ctx, `
			INSERT INTO password_login_resets (password_login_id, token, should_set_password, expires_at)
			VALUES ($1, $2, $3, $4)
		`, passwordLoginID, token, input.RandomPassword, time.Now().Add(resetTokenLifetime))
		if err != nil {
			return fmt.Errorf("failed to create reset token: %w", err)
		}

		return queue.Enqueue(ctx, tx, "auth.passwordBased.userRegistered", map[string]any{
			"userId":            userID,
			"email":             input.Email,
			"token":             token,
			"shouldSetPassword": input.RandomPassword,
			"tenant":            cur.Tenant.Name,
			"publicUrl":         cur.PublicURL,
		})
	}
}

// resetRow is the consumed single-use token with its login joined in.
type resetRow struct {
	ID                uuid.UUID
	PasswordLoginID   uuid.UUID
	UserID            uuid.UUID
	Email             string
	ShouldSetPassword bool
	ExpiresAt         time.Time
	VerifiedAt        *time.Time
}

func (s *Service) resetByToken(ctx context.Context, tx pgx.Tx, token, eventKey string, shouldSetPassword bool) (*resetRow, error) {
	var row resetRow
	err := tx.QueryRow(ctx, `
		SELECT r.id, r.password_login_id, pl.user_id, pl.email, r.should_set_password, r.expires_at, pl.verified_at
		FROM password_login_resets r
		JOIN password_logins pl ON pl.id = r.password_login_id
		WHERE r.token = $1
		FOR UPDATE OF r
	`, token).Scan(&row.ID, &row.PasswordLoginID, &row.UserID, &row.Email, &row.ShouldSetPassword, &row.ExpiresAt, &row.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.BadRequest(eventKey+".invalidToken", nil)
	}
	if err != nil {
		return nil, err
	}
	if row.ShouldSetPassword != shouldSetPassword {
		return nil, apperr.BadRequest(eventKey+".invalidToken", nil)
	}
	if time.Now().After(row.ExpiresAt) {
		return nil, apperr.BadRequest(eventKey+".expiredToken", nil)
	}
	return &row, nil
}

// VerifyEmail consumes a verification token and marks the login verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row, err := s.resetByToken(ctx, tx, token, "authPasswordBased.verifyEmail", false)
		if err != nil {
			return err
		}

		if row.VerifiedAt == nil {
			_, err = tx.Exec(ctx, `UPDATE password_logins SET verified_at = now() WHERE id = $1`, row.PasswordLoginID)
			if err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM password_login_resets WHERE id = $1`, row.ID); err != nil {
			return err
		}

		return queue.Enqueue(ctx, tx, "auth.passwordBased.loginVerified", map[string]any{
			"userId": row.UserID,
			"email":  row.Email,
		})
	})
}

// ResetPassword consumes a set-password token and writes the new hash.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	if password == "" {
		return apperr.BadRequest("authPasswordBased.resetPassword.invalidPassword", nil)
	}

	return storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row, err := s.resetByToken(ctx, tx, token, "authPasswordBased.resetPassword", true)
		if err != nil {
			return err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return apperr.Server("authPasswordBased.resetPassword.hash", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE password_logins
			SET password_hash = $2, verified_at = coalesce(verified_at, now()), updated_at = now()
			WHERE id = $1
		`, row.PasswordLoginID, string(hash))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM password_login_resets WHERE id = $1`, row.ID); err != nil {
			return err
		}

		return queue.Enqueue(ctx, tx, "auth.passwordBased.passwordReset", map[string]any{
			"userId": row.UserID,
			"email":  row.Email,
		})
	})
}

// ForgotPassword issues a 24h reset token. With the reduce-info flag on, an
// unknown email succeeds observably and enqueues nothing.
func (s *Service) ForgotPassword(ctx context.Context, cur *tenant.Current, email string) error {
	if email == "" {
		return apperr.BadRequest("authPasswordBased.forgotPassword.invalidEmail", nil)
	}

	u, err := s.users.Store().ByPasswordEmail(ctx, cur.Tenant.ID, email)
	if errors.Is(err, user.ErrNotFound) {
		reduceInfo, flagErr := s.flags.GetDynamic(ctx, cur.Tenant.Name, featureflag.FlagReduceErrorInfo)
		if flagErr != nil {
			return flagErr
		}
		if reduceInfo {
			return nil
		}
		return apperr.BadRequest("authPasswordBased.forgotPassword.unknownEmail", nil)
	}
	if err != nil {
		return err
	}

	return storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		token := appcrypto.RandomToken(32)
		_, err := tx.Exec(ctx, `
			INSERT INTO password_login_resets (password_login_id, token, should_set_password, expires_at)
			VALUES ($1, $2, true, $3)
		`, u.PasswordLogin.ID, token, time.Now().Add(resetTokenLifetime))
		if err != nil {
			return err
		}

		return queue.Enqueue(ctx, tx, "auth.passwordBased.forgotPassword", map[string]any{
			"userId":    u.ID,
			"email":     email,
			"token":     token,
			"tenant":    cur.Tenant.Name,
			"publicUrl": cur.PublicURL,
		})
	})
}

// UpdateEmail rewrites the login email, restarts verification, and drops
// every session of the user.
func (s *Service) UpdateEmail(ctx context.Context, cur *tenant.Current, u *user.User, newEmail string) error {
	if newEmail == "" {
		return apperr.BadRequest("authPasswordBased.updateEmail.invalidEmail", nil)
	}
	if u.PasswordLogin == nil {
		return apperr.BadRequest("authPasswordBased.updateEmail.noPasswordLogin", nil)
	}

	return storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE password_logins SET email = $2, verified_at = NULL, updated_at = now()
			WHERE id = $1
		`, u.PasswordLogin.ID, newEmail)
		if err != nil {
			return err
		}

		if err := s.users.CheckUnique(ctx, tx, u.ID); err != nil {
			return err
		}

		token := appcrypto.RandomToken(32)
		_, err = tx.Exec(ctx, `
			INSERT INTO password_login_resets (password_login_id, token, should_set_password, expires_at)
			VALUES ($1, $2, false, $3)
		`, u.PasswordLogin.ID, token, time.Now().Add(resetTokenLifetime))
		if err != nil {
			return err
		}

		if err := s.sessions.DeleteAllForUser(ctx, tx, u.ID, nil); err != nil {
			return err
		}

		return queue.Enqueue(ctx, tx, "auth.passwordBased.emailUpdated", map[string]any{
			"userId":    u.ID,
			"email":     newEmail,
			"token":     token,
			"tenant":    cur.Tenant.Name,
			"publicUrl": cur.PublicURL,
		})
	})
}

// UpdatePassword writes a new hash and clears the user's sessions, keeping
// the caller's own session only under the keep policy.
func (s *Service) UpdatePassword(ctx context.Context, sess *session.Session, u *user.User, password string) error {
	if password == "" {
		return apperr.BadRequest("authPasswordBased.updatePassword.invalidPassword", nil)
	}
	if u.PasswordLogin == nil {
		return apperr.BadRequest("authPasswordBased.updatePassword.noPasswordLogin", nil)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return apperr.Server("authPasswordBased.updatePassword.hash", err)
	}

	return storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE password_logins SET password_hash = $2, updated_at = now()
			WHERE id = $1
		`, u.PasswordLogin.ID, string(hash))
		if err != nil {
			return err
		}

		var keep *uuid.UUID
		if s.cfg.KeepCurrentSessionOnPasswordUpdate && sess.Data.Type == session.TypeUser {
			keep = &sess.ID
		}
		if err := s.sessions.DeleteAllForUser(ctx, tx, u.ID, keep); err != nil {
			return err
		}

		return queue.Enqueue(ctx, tx, "auth.passwordBased.passwordUpdated", map[string]any{
			"userId": u.ID,
			"email":  u.PasswordLogin.Email,
		})
	})
}

// ListEmails maps user ids to their password-login emails, for the admin
// user listing.
func (s *Service) ListEmails(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, email FROM password_logins WHERE user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]string, len(userIDs))
	for rows.Next() {
		var id uuid.UUID
		var email string
		if err := rows.Scan(&id, &email); err != nil {
			return nil, err
		}
		out[id] = email
	}
	return out, rows.Err()
}
