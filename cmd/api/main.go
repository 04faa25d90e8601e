package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/slack-go/slack"

	"github.com/lightbase/lpc-backend/internal/api"
	"github.com/lightbase/lpc-backend/internal/auth"
	"github.com/lightbase/lpc-backend/internal/config"
	"github.com/lightbase/lpc-backend/internal/featureflag"
	"github.com/lightbase/lpc-backend/internal/management"
	"github.com/lightbase/lpc-backend/internal/permission"
	"github.com/lightbase/lpc-backend/internal/saml"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/storage"
	"github.com/lightbase/lpc-backend/internal/tenant"
	"github.com/lightbase/lpc-backend/internal/user"
	"github.com/lightbase/lpc-backend/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.Env)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
		})
		if err != nil {
			return fmt.Errorf("sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	registry, err := tenant.LoadRegistry(cfg.TenantsConfigPath, cfg.Env)
	if err != nil {
		return err
	}
	tenants := tenant.NewService(registry, tenant.NewStore(pool))

	flags, err := featureflag.NewEngine(featureflag.NewStore(pool), nil)
	if err != nil {
		return err
	}
	perms := permission.NewEngine(pool)

	// Startup synchronization runs under the advisory lock so concurrent
	// instances do not race each other on the shared tables.
	err = storage.WithSyncLock(ctx, pool, func(tx pgx.Tx) error {
		if err := tenant.NewStore(tx).Sync(ctx, tx, registry); err != nil {
			return err
		}
		if err := perms.Sync(ctx, tx, permission.CorePermissions(), []permission.MandatoryRole{
			{Identifier: management.RoleIdentifier, Permissions: permission.CorePermissions()},
		}); err != nil {
			return err
		}
		return flags.Sync(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("startup sync: %w", err)
	}

	sessions := session.NewStore(pool, session.Config{
		SigningKey:      cfg.SigningKey(),
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})

	users := user.NewDirectory(pool, perms, user.MergePolicy{
		// An anonymous user logging in with a stronger provider absorbs into
		// the authenticated user.
		ShouldCombineUsers: func(_ context.Context, old, new *user.User) bool {
			return old.AnonymousLogin != nil && old.PasswordLogin == nil &&
				old.DigidLogin == nil && old.KeycloakLogin == nil
		},
	})

	samlProvider, err := buildSAMLProvider(cfg)
	if err != nil {
		return err
	}

	authSvc := auth.NewService(pool, sessions, users, flags, tenants, samlProvider, auth.Config{
		Environment:          cfg.Env,
		RequireDeviceOnLogin: cfg.RequireDeviceOnLogin,
		MaxMobileSessions:    cfg.MaxMobileSessions,
		Keycloak: auth.KeycloakSettings{
			Issuer:       cfg.Keycloak.Issuer,
			ClientID:     cfg.Keycloak.ClientID,
			ClientSecret: cfg.Keycloak.ClientSecret,
		},
	})

	var slackAPI management.SlackAPI
	if cfg.Slack.BotToken != "" {
		slackAPI = slack.New(cfg.Slack.BotToken)
	}
	mgmt := management.NewService(slackAPI, cfg.Slack.ChannelID, cfg.Env, pool, users, authSvc, log)

	server := api.NewServer(cfg, log, pool, tenants, flags, perms, authSvc, mgmt)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpServer.Addr, "env", cfg.Env)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildSAMLProvider wires the BSN flow when its key material is configured;
// deployments without it run with the provider disabled.
func buildSAMLProvider(cfg config.Config) (*saml.Provider, error) {
	d := cfg.Digid
	if d.Issuer == "" || d.PrivateKeyPath == "" || d.CertificatePath == "" {
		return nil, nil
	}

	keys, err := saml.LoadKeyPair(d.CertificatePath, d.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	idpCert, err := saml.LoadCertificate(d.IdpCertificatePath)
	if err != nil {
		return nil, err
	}

	return saml.NewProvider(saml.Config{
		Issuer:                d.Issuer,
		SSOURL:                d.IdpRedirectURL,
		ArtifactURLStaging:    d.ArtifactURLStaging,
		ArtifactURLProduction: d.ArtifactURLProduction,
		IdPCertificate:        idpCert,
		CAChainPath:           d.CABundlePath,
	}, keys)
}
