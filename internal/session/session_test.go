package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

var testKey = []byte("test-signing-key")

func TestTokenRoundTrip(t *testing.T) {
	sessionID, tokenID := uuid.New(), uuid.New()

	signed, err := signToken(testKey, kindAccess, sessionID, tokenID, time.Now().Add(time.Minute))
	require.NoError(t, err)

	parsed, err := verifyToken(testKey, signed, kindAccess)
	require.NoError(t, err)
	assert.Equal(t, sessionID, parsed.sessionID)
	assert.Equal(t, tokenID, parsed.tokenID)
}

func TestRefreshTokenOmitsSessionID(t *testing.T) {
	sessionID, tokenID := uuid.New(), uuid.New()

	signed, err := signToken(testKey, kindRefresh, sessionID, tokenID, time.Now().Add(time.Minute))
	require.NoError(t, err)

	parsed, err := verifyToken(testKey, signed, kindRefresh)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, parsed.sessionID)
	assert.Equal(t, tokenID, parsed.tokenID)
}

func TestVerifyTokenRejectsWrongKind(t *testing.T) {
	signed, err := signToken(testKey, kindRefresh, uuid.New(), uuid.New(), time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = verifyToken(testKey, signed, kindAccess)
	require.Error(t, err)
	assert.Equal(t, 401, apperr.From(err).Status)
	assert.Equal(t, "sessionStore.verifyToken.invalidToken", apperr.From(err).Key)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	signed, err := signToken(testKey, kindAccess, uuid.New(), uuid.New(), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = verifyToken(testKey, signed, kindAccess)
	require.Error(t, err)
	assert.Equal(t, 401, apperr.From(err).Status)
}

func TestVerifyTokenRejectsWrongKey(t *testing.T) {
	signed, err := signToken(testKey, kindAccess, uuid.New(), uuid.New(), time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = verifyToken([]byte("other-key"), signed, kindAccess)
	require.Error(t, err)

	_, err = verifyToken(testKey, "not-a-jwt", kindAccess)
	require.Error(t, err)
}

func TestChecksumStableAndSensitive(t *testing.T) {
	userID := uuid.New()
	d := Data{UserID: userID, LoginType: LoginPasswordBased, Type: TypeUser}

	assert.Equal(t, d.Checksum(), d.Checksum())

	other := d
	other.Type = TypeCheckTwoStep
	assert.NotEqual(t, d.Checksum(), other.Checksum())

	impersonator := uuid.New()
	withImp := d
	withImp.ImpersonatorUserID = &impersonator
	assert.NotEqual(t, d.Checksum(), withImp.Checksum())
}

func TestDataValidate(t *testing.T) {
	require.Error(t, Data{Type: TypeUser}.Validate())
	require.NoError(t, Data{Type: TypeUser, UserID: uuid.New(), LoginType: LoginPasswordBased}.Validate())
	require.NoError(t, Data{Type: TypeCheckTwoStep, UserID: uuid.New(), LoginType: LoginPasswordBased}.Validate())
}

func TestDeviceValidate(t *testing.T) {
	token := "apns-token"
	sub := &WebPushSubscription{Endpoint: "https://push.example.com", Keys: map[string]string{"p256dh": "x"}}

	require.NoError(t, DeviceInput{Name: "phone", Platform: PlatformApple, NotificationToken: &token}.Validate())
	require.NoError(t, DeviceInput{Name: "laptop", Platform: PlatformDesktop, WebPush: sub}.Validate())

	err := DeviceInput{Name: "laptop", Platform: PlatformDesktop, NotificationToken: &token}.Validate()
	require.Error(t, err)
	assert.Equal(t, "device.validate.notificationTokenNotSupported", apperr.From(err).Key)

	err = DeviceInput{Name: "phone", Platform: PlatformAndroid, WebPush: sub}.Validate()
	require.Error(t, err)
	assert.Equal(t, "device.validate.webPushNotSupported", apperr.From(err).Key)

	err = DeviceInput{Name: "toaster", Platform: Platform("toaster")}.Validate()
	require.Error(t, err)
	assert.Equal(t, "device.validate.invalidPlatform", apperr.From(err).Key)
}

func TestPlatformIsMobile(t *testing.T) {
	assert.True(t, PlatformApple.IsMobile())
	assert.True(t, PlatformAndroid.IsMobile())
	assert.False(t, PlatformDesktop.IsMobile())
	assert.False(t, PlatformOther.IsMobile())
}

func TestIsImpersonating(t *testing.T) {
	s := &Session{Data: Data{UserID: uuid.New(), Type: TypeUser}}
	assert.False(t, s.IsImpersonating())

	imp := uuid.New()
	s.Data.ImpersonatorUserID = &imp
	assert.True(t, s.IsImpersonating())
}
