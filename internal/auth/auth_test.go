package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/user"
)

func TestNewAnonymousToken(t *testing.T) {
	a, b := NewAnonymousToken(), NewAnonymousToken()

	assert.True(t, strings.HasPrefix(a, "auth-anonymous-"))
	assert.True(t, strings.HasPrefix(b, "auth-anonymous-"))
	assert.NotEqual(t, a, b)
}

func TestDummyHashIsValidBcrypt(t *testing.T) {
	// The enumeration defense relies on the dummy compare costing as much
	// as a real one, which requires a well-formed hash at the right cost.
	cost, err := bcrypt.Cost(dummyHash())
	require.NoError(t, err)
	assert.Equal(t, bcryptCost, cost)
}

func TestPasswordOtpWindow(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "test",
		AccountName: "alice@example.com",
		Algorithm:   otp.AlgorithmSHA512,
	})
	require.NoError(t, err)

	issued := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	code, err := totp.GenerateCodeCustom(key.Secret(), issued, totpOpts(0))
	require.NoError(t, err)

	// Five steps of drift in either direction are accepted for the mailed
	// OTP.
	for _, offset := range []time.Duration{0, 5 * otpPeriod * time.Second, -5 * otpPeriod * time.Second} {
		valid, err := totp.ValidateCustom(code, key.Secret(), issued.Add(offset), totpOpts(passwordOtpSkew))
		require.NoError(t, err)
		assert.True(t, valid, offset)
	}

	// Six steps are outside the window.
	valid, err := totp.ValidateCustom(code, key.Secret(), issued.Add(6*otpPeriod*time.Second), totpOpts(passwordOtpSkew))
	require.NoError(t, err)
	assert.False(t, valid)

	// The authenticator flows reject even one full step of drift, in both
	// directions and for setup verification as much as for login.
	for _, offset := range []time.Duration{otpPeriod * time.Second, -otpPeriod * time.Second} {
		valid, err = totp.ValidateCustom(code, key.Secret(), issued.Add(offset), totpOpts(totpSkew))
		require.NoError(t, err)
		assert.False(t, valid, offset)
	}
}

func TestTotpInfoForUser(t *testing.T) {
	now := time.Now()

	info := (&Service{}).TotpInfoForUser(&user.User{})
	assert.False(t, info.IsConfigured)
	assert.False(t, info.IsVerified)

	info = (&Service{}).TotpInfoForUser(&user.User{TotpSettings: &user.TotpSettings{}})
	assert.True(t, info.IsConfigured)
	assert.False(t, info.IsVerified)

	info = (&Service{}).TotpInfoForUser(&user.User{TotpSettings: &user.TotpSettings{VerifiedAt: &now}})
	assert.True(t, info.IsConfigured)
	assert.True(t, info.IsVerified)
}

func TestCompleteLoginRequiresDevice(t *testing.T) {
	s := &Service{cfg: Config{RequireDeviceOnLogin: true}}

	_, err := s.completeLogin(context.Background(), loginOptions{
		user:      &user.User{ID: uuid.New()},
		loginType: session.LoginPasswordBased,
	})
	require.Error(t, err)
	assert.Equal(t, "auth.login.missingDevice", apperr.From(err).Key)
}

func TestStopImpersonationRequiresImpersonation(t *testing.T) {
	s := &Service{}
	sess := &session.Session{Data: session.Data{UserID: uuid.New(), Type: session.TypeUser}}

	_, err := s.StopImpersonation(context.Background(), sess)
	require.Error(t, err)
	assert.Equal(t, "authImpersonation.stop.notImpersonating", apperr.From(err).Key)
}

func TestVerifyPasswordOtpSessionTypeGuard(t *testing.T) {
	s := &Service{}
	sess := &session.Session{Data: session.Data{UserID: uuid.New(), Type: session.TypeUser}}

	err := s.VerifyPasswordOtp(context.Background(), sess, &user.User{}, "123456")
	require.Error(t, err)
	assert.Equal(t, "authPasswordBased.verifyOtp.incorrectSessionType", apperr.From(err).Key)
	assert.Equal(t, 401, apperr.From(err).Status)
}

func TestVerifyTotpSessionTypeGuard(t *testing.T) {
	s := &Service{}
	sess := &session.Session{Data: session.Data{UserID: uuid.New(), Type: session.TypeCheckTwoStep, TwoStepType: session.TwoStepPasswordOtp}}

	err := s.VerifyTotp(context.Background(), sess, &user.User{}, "123456")
	require.Error(t, err)
	assert.Equal(t, "authTotpProvider.verify.incorrectSessionType", apperr.From(err).Key)
}
