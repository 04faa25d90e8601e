package user

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

func TestMemberOf(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	u := &User{TenantIDs: []uuid.UUID{a}}

	assert.True(t, u.MemberOf(a))
	assert.False(t, u.MemberOf(b))
	assert.False(t, (&User{}).MemberOf(a))
}

func TestIsActive(t *testing.T) {
	now := time.Now()
	assert.True(t, (&User{}).IsActive())
	assert.False(t, (&User{DeletedAt: &now}).IsActive())
}

func TestTotpVerified(t *testing.T) {
	now := time.Now()
	var nilSettings *TotpSettings

	assert.False(t, nilSettings.Verified())
	assert.False(t, (&TotpSettings{}).Verified())
	assert.True(t, (&TotpSettings{VerifiedAt: &now}).Verified())
}

func TestRequireRejectsMissingSession(t *testing.T) {
	d := NewDirectory(nil, nil, MergePolicy{})

	_, err := d.Require(context.Background(), nil, RequireOptions{EventKey: "authUser.get"})
	require.Error(t, err)
	assert.Equal(t, "authUser.get.invalidUser", apperr.From(err).Key)
	assert.Equal(t, 401, apperr.From(err).Status)
}

func TestRequireDefaultsEventKey(t *testing.T) {
	d := NewDirectory(nil, nil, MergePolicy{})

	_, err := d.Require(context.Background(), nil, RequireOptions{})
	require.Error(t, err)
	assert.Equal(t, "authUser.require.invalidUser", apperr.From(err).Key)
}
