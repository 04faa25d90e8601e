package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/config"
)

func twoTenantDoc() Document {
	return Document{
		Tenants: map[string]DocumentTenant{
			"acme": {
				Data: map[string]any{"theme": "blue"},
				URLConfig: map[string]URLEntry{
					"acme.example.com": {Environment: config.EnvProduction, APIURL: "api.acme.example.com"},
					"acme.dev.test":    {Environment: config.EnvDevelopment, APIURL: "api.dev.test"},
				},
			},
			"globex": {
				URLConfig: map[string]URLEntry{
					"globex.example.com": {Environment: config.EnvProduction, APIURL: "api.globex.example.com"},
					"globex.dev.test":    {Environment: config.EnvDevelopment, APIURL: "api.dev.test"},
				},
			},
		},
	}
}

func TestNewRegistryFiltersByEnvironment(t *testing.T) {
	r, err := NewRegistry(twoTenantDoc(), config.EnvProduction)
	require.NoError(t, err)

	assert.Equal(t, []string{"acme", "globex"}, r.Names())
	entry, ok := r.ByName("acme")
	require.True(t, ok)
	assert.Len(t, entry.URLConfig, 1)
	assert.True(t, r.hasUniqueAPIURLs)
}

func TestNewRegistrySharedAPIURLsDisableHostResolution(t *testing.T) {
	// In development both tenants share api.dev.test.
	r, err := NewRegistry(twoTenantDoc(), config.EnvDevelopment)
	require.NoError(t, err)
	assert.False(t, r.hasUniqueAPIURLs)
}

func TestNewRegistryFailsWithoutEnabledTenants(t *testing.T) {
	_, err := NewRegistry(twoTenantDoc(), config.EnvAcceptance)
	require.Error(t, err)
}

func TestNewRegistryRejectsDuplicatePublicURL(t *testing.T) {
	doc := twoTenantDoc()
	doc.Tenants["initech"] = DocumentTenant{
		URLConfig: map[string]URLEntry{
			"acme.example.com": {Environment: config.EnvProduction, APIURL: "api.initech.example.com"},
		},
	}

	_, err := NewRegistry(doc, config.EnvProduction)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme.example.com")
}

func TestResolveRequestByUniqueAPIURL(t *testing.T) {
	r, err := NewRegistry(twoTenantDoc(), config.EnvProduction)
	require.NoError(t, err)

	resolved, err := r.ResolveRequest("api.acme.example.com", "", "")
	require.NoError(t, err)
	assert.Equal(t, "acme", resolved.Entry.Name)
	assert.Equal(t, "acme.example.com", resolved.PublicURL)
	assert.Equal(t, "api.acme.example.com", resolved.APIURL)

	// Origin with a scheme is normalized before matching.
	resolved, err = r.ResolveRequest("api.globex.example.com", "https://globex.example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "globex", resolved.Entry.Name)
	assert.Equal(t, "globex.example.com", resolved.PublicURL)
}

func TestResolveRequestByOriginWhenAPIURLsShared(t *testing.T) {
	r, err := NewRegistry(twoTenantDoc(), config.EnvDevelopment)
	require.NoError(t, err)

	resolved, err := r.ResolveRequest("api.dev.test", "https://globex.dev.test", "")
	require.NoError(t, err)
	assert.Equal(t, "globex", resolved.Entry.Name)
	assert.Equal(t, "api.dev.test", resolved.APIURL)

	_, err = r.ResolveRequest("api.dev.test", "https://unknown.dev.test", "")
	require.Error(t, err)
}

func TestResolveRequestOverrideOutsideProduction(t *testing.T) {
	r, err := NewRegistry(twoTenantDoc(), config.EnvDevelopment)
	require.NoError(t, err)

	// The override wins and the request host becomes the api URL.
	resolved, err := r.ResolveRequest("tunnel-1234.ngrok.test", "", "https://acme.dev.test")
	require.NoError(t, err)
	assert.Equal(t, "acme", resolved.Entry.Name)
	assert.Equal(t, "acme.dev.test", resolved.PublicURL)
	assert.Equal(t, "tunnel-1234.ngrok.test", resolved.APIURL)
}

func TestResolveRequestOverrideIgnoredInProduction(t *testing.T) {
	r, err := NewRegistry(twoTenantDoc(), config.EnvProduction)
	require.NoError(t, err)

	resolved, err := r.ResolveRequest("api.acme.example.com", "", "https://globex.example.com")
	require.NoError(t, err)
	assert.Equal(t, "acme", resolved.Entry.Name)
}

func TestResolveRequestFailures(t *testing.T) {
	r, err := NewRegistry(twoTenantDoc(), config.EnvProduction)
	require.NoError(t, err)

	_, err = r.ResolveRequest("", "acme.example.com", "")
	assert.True(t, apperr.IsKey(err, "multitenant.require.invalidTenant"))

	_, err = r.ResolveRequest("api.unknown.example.com", "", "")
	assert.True(t, apperr.IsKey(err, "multitenant.require.invalidTenant"))

	appErr := apperr.From(err)
	assert.Equal(t, 400, appErr.Status)
}
