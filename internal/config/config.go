// Package config loads the process configuration from the environment.
//
// Every variable the core consumes is declared on the Config struct; missing
// required variables abort startup with an error naming the variable. Secrets
// are never defaulted in production.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Deployment environments.
const (
	EnvProduction  = "production"
	EnvAcceptance  = "acceptance"
	EnvDevelopment = "development"
)

// devSigningKey signs tokens outside production so local setups need no key
// material. Production requires APP_KEYS.
const devSigningKey = "lpc-backend-insecure-development-key"

// Config holds all application configuration.
type Config struct {
	Env  string `env:"APP_ENV" envDefault:"development"`
	Port int    `env:"PORT" envDefault:"8080"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	// AppKeys is the HMAC signing secret for access/refresh tokens.
	// Required in production; a fixed development string is used otherwise.
	AppKeys string `env:"APP_KEYS"`

	SentryDSN string `env:"SENTRY_DSN"`

	// SSRVerificationKey validates the X-SSR-Ip-Verification header; when
	// empty the X-SSR-Ip header is ignored entirely.
	SSRVerificationKey string `env:"SSR_VERIFICATION_KEY"`

	TenantsConfigPath string `env:"TENANTS_CONFIG_PATH" envDefault:"config/tenants.json"`

	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"5m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	// MaxMobileSessions caps concurrent sessions bound to apple/android
	// devices per user. Zero disables the cap.
	MaxMobileSessions int `env:"MAX_MOBILE_SESSIONS" envDefault:"0"`

	// RequireDeviceOnLogin rejects provider logins without a device object.
	RequireDeviceOnLogin bool `env:"REQUIRE_DEVICE_ON_LOGIN" envDefault:"false"`

	Keycloak KeycloakConfig
	Digid    DigidConfig
	Slack    SlackConfig

	JobWorkerCount int `env:"JOB_WORKER_COUNT" envDefault:"3"`
}

// KeycloakConfig configures the federated OIDC provider.
type KeycloakConfig struct {
	Issuer       string `env:"KEYCLOAK_ISSUER"`
	ClientID     string `env:"KEYCLOAK_CLIENT_ID"`
	ClientSecret string `env:"KEYCLOAK_CLIENT_SECRET"`
}

// DigidConfig configures the BSN/SAML provider.
type DigidConfig struct {
	Issuer             string `env:"DIGID_ISSUER"`
	PrivateKeyPath     string `env:"DIGID_PRIVATE_KEY_PATH"`
	CertificatePath    string `env:"DIGID_CERTIFICATE_PATH"`
	IdpCertificatePath string `env:"DIGID_IDP_CERTIFICATE_PATH"`
	CABundlePath       string `env:"DIGID_CA_BUNDLE_PATH"`
	IdpRedirectURL     string `env:"DIGID_IDP_REDIRECT_URL"`
	// Back-channel artifact resolution endpoints; staging vs production is
	// chosen from the deployment environment.
	ArtifactURLProduction string `env:"DIGID_ARTIFACT_URL_PRODUCTION"`
	ArtifactURLStaging    string `env:"DIGID_ARTIFACT_URL_STAGING"`
}

// SlackConfig configures the management interface.
type SlackConfig struct {
	BotToken  string `env:"SLACK_BOT_TOKEN"`
	ChannelID string `env:"SLACK_CHANNEL_ID"`
}

// Load reads and validates the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	switch cfg.Env {
	case EnvProduction, EnvAcceptance, EnvDevelopment:
	default:
		return Config{}, fmt.Errorf("config: APP_ENV must be one of production, acceptance, development, got %q", cfg.Env)
	}

	if cfg.IsProduction() && cfg.AppKeys == "" {
		return Config{}, fmt.Errorf("config: APP_KEYS is required in production")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool  { return c.Env == EnvProduction }
func (c Config) IsAcceptance() bool  { return c.Env == EnvAcceptance }
func (c Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

// SigningKey returns the HMAC key used for bearer tokens.
func (c Config) SigningKey() []byte {
	if c.AppKeys != "" {
		return []byte(c.AppKeys)
	}
	return []byte(devSigningKey)
}
