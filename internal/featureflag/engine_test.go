package featureflag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

type fakeStorage struct {
	flags []Flag
	reads int
}

func (f *fakeStorage) All(_ context.Context) ([]Flag, error) {
	f.reads++
	return f.flags, nil
}

func (f *fakeStorage) Set(_ context.Context, name string, global *bool, tenantValues map[string]bool) error {
	for i := range f.flags {
		if f.flags[i].Name != name {
			continue
		}
		if global != nil {
			f.flags[i].GlobalValue = *global
		}
		if f.flags[i].TenantValues == nil {
			f.flags[i].TenantValues = map[string]bool{}
		}
		for k, v := range tenantValues {
			f.flags[i].TenantValues[k] = v
		}
	}
	return nil
}

func TestNewEngineRejectsBadDeclarations(t *testing.T) {
	_, err := NewEngine(&fakeStorage{}, map[string]string{"__FEATURE_LPC_CUSTOM": "nope"})
	require.Error(t, err)

	engine, err := NewEngine(&fakeStorage{}, nil)
	require.NoError(t, err)
	assert.Contains(t, engine.DeclaredNames(), FlagExample)
	assert.Contains(t, engine.DeclaredNames(), FlagReduceErrorInfo)
}

func TestCurrentForTenantPrecedence(t *testing.T) {
	store := &fakeStorage{flags: []Flag{
		{Name: FlagReduceErrorInfo, GlobalValue: true, TenantValues: map[string]bool{"acme": false}},
		{Name: "chat", GlobalValue: false, TenantValues: map[string]bool{"acme": true}},
		{Name: "stale-flag", GlobalValue: true},
	}}

	engine, err := NewEngine(store, map[string]string{"chat": "In-app chat."})
	require.NoError(t, err)

	flags, err := engine.CurrentForTenant(context.Background(), "acme")
	require.NoError(t, err)

	// Tenant value wins over global.
	assert.False(t, flags[FlagReduceErrorInfo])
	assert.True(t, flags["chat"])
	// Rows not in the declaration list are filtered out.
	assert.NotContains(t, flags, "stale-flag")

	flags, err = engine.CurrentForTenant(context.Background(), "globex")
	require.NoError(t, err)
	assert.True(t, flags[FlagReduceErrorInfo])
	assert.False(t, flags["chat"])
	// Declared but not stored defaults to false.
	assert.False(t, flags[FlagPasswordMaxAge])
}

func TestGetDynamic(t *testing.T) {
	store := &fakeStorage{flags: []Flag{
		{Name: FlagLoginAttemptBlocking, GlobalValue: true},
	}}
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)

	on, err := engine.GetDynamic(context.Background(), "acme", FlagLoginAttemptBlocking)
	require.NoError(t, err)
	assert.True(t, on)

	// Declared but unstored reads as false, not an error.
	on, err = engine.GetDynamic(context.Background(), "acme", FlagPasswordMaxAge)
	require.NoError(t, err)
	assert.False(t, on)

	// Undeclared identifier is a server error.
	_, err = engine.GetDynamic(context.Background(), "acme", "no-such-flag")
	require.Error(t, err)
	assert.Equal(t, 500, apperr.From(err).Status)
}

func TestCachePrimesAndSetClears(t *testing.T) {
	store := &fakeStorage{flags: []Flag{{Name: FlagExample}}}
	engine, err := NewEngine(store, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = engine.CurrentForTenant(ctx, "acme")
	require.NoError(t, err)
	_, err = engine.GetDynamic(ctx, "acme", FlagExample)
	require.NoError(t, err)
	assert.Equal(t, 1, store.reads, "second read should be served from cache")

	on := true
	require.NoError(t, engine.SetDynamic(ctx, FlagExample, &on, map[string]bool{"acme": false}))

	value, err := engine.GetDynamic(ctx, "globex", FlagExample)
	require.NoError(t, err)
	assert.True(t, value)
	value, err = engine.GetDynamic(ctx, "acme", FlagExample)
	require.NoError(t, err)
	assert.False(t, value)
	assert.Equal(t, 2, store.reads, "SetDynamic should have cleared the cache")
}

func TestSetDynamicUnknownFlag(t *testing.T) {
	engine, err := NewEngine(&fakeStorage{}, nil)
	require.NoError(t, err)

	err = engine.SetDynamic(context.Background(), "missing", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 400, apperr.From(err).Status)
}
