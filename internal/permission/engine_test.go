package permission

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestValidateSyncInputRejectsDuplicatePermissions(t *testing.T) {
	err := validateSyncInput([]string{"a:b", "a:b"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a:b")
}

func TestValidateSyncInputMandatoryRoleScopes(t *testing.T) {
	// Same identifier in two different tenants is fine.
	err := validateSyncInput(nil, []MandatoryRole{
		{Identifier: "admin", TenantName: strPtr("acme")},
		{Identifier: "admin", TenantName: strPtr("globex")},
		{Identifier: "admin"},
	})
	require.NoError(t, err)

	// Duplicate within one tenant fails.
	err = validateSyncInput(nil, []MandatoryRole{
		{Identifier: "admin", TenantName: strPtr("acme")},
		{Identifier: "admin", TenantName: strPtr("acme")},
	})
	require.Error(t, err)

	// Duplicate among globals fails.
	err = validateSyncInput(nil, []MandatoryRole{
		{Identifier: "admin"},
		{Identifier: "admin"},
	})
	require.Error(t, err)
}

func TestRoleDelta(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	add, remove := RoleDelta([]uuid.UUID{a, b}, []uuid.UUID{b, c})
	assert.Equal(t, []uuid.UUID{c}, add)
	assert.Equal(t, []uuid.UUID{a}, remove)

	add, remove = RoleDelta(nil, []uuid.UUID{a})
	assert.Equal(t, []uuid.UUID{a}, add)
	assert.Empty(t, remove)

	add, remove = RoleDelta([]uuid.UUID{a}, []uuid.UUID{a})
	assert.Empty(t, add)
	assert.Empty(t, remove)
}

func TestSummaryHasPermissions(t *testing.T) {
	s := &Summary{Permissions: []string{"auth:user:list", "auth:user:manage"}}

	ok, missing := s.HasPermissions([]string{"auth:user:list"})
	assert.True(t, ok)
	assert.Empty(t, missing)

	ok, missing = s.HasPermissions([]string{"auth:user:list", "auth:permission:manage"})
	assert.False(t, ok)
	assert.Equal(t, []string{"auth:permission:manage"}, missing)
}

func TestSortedUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, sortedUnique([]string{"c", "a", "b", "a"}))
	assert.Empty(t, sortedUnique(nil))
}

func TestIsStaticDefaultsFalse(t *testing.T) {
	e := NewEngine(nil)
	assert.False(t, e.IsStatic(uuid.New()))
}
