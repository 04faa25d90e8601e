package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/lpc")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.JobWorkerCount)
	assert.False(t, cfg.IsProduction())
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/lpc")
	t.Setenv("APP_ENV", "staging")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresAppKeysInProduction(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/lpc")
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_KEYS")
}

func TestSigningKeyFallsBackOutsideProduction(t *testing.T) {
	cfg := Config{Env: EnvDevelopment}
	assert.Equal(t, []byte(devSigningKey), cfg.SigningKey())

	cfg.AppKeys = "real-secret"
	assert.Equal(t, []byte("real-secret"), cfg.SigningKey())
}
