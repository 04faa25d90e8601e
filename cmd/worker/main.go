package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/slack-go/slack"

	"github.com/lightbase/lpc-backend/internal/auth"
	"github.com/lightbase/lpc-backend/internal/config"
	"github.com/lightbase/lpc-backend/internal/featureflag"
	"github.com/lightbase/lpc-backend/internal/management"
	"github.com/lightbase/lpc-backend/internal/permission"
	"github.com/lightbase/lpc-backend/internal/queue"
	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/storage"
	"github.com/lightbase/lpc-backend/internal/tenant"
	"github.com/lightbase/lpc-backend/internal/user"
	"github.com/lightbase/lpc-backend/pkg/logger"
)

// cleanupJob is the recurring job that sweeps transient management users,
// expired reset tokens, and stale login attempts.
const cleanupJob = "maintenance.cleanup"

const cleanupInterval = 24 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
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
	sessions := session.NewStore(pool, session.Config{
		SigningKey:      cfg.SigningKey(),
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})
	users := user.NewDirectory(pool, perms, user.MergePolicy{})

	authSvc := auth.NewService(pool, sessions, users, flags, tenants, nil, auth.Config{
		Environment: cfg.Env,
	})

	var slackAPI management.SlackAPI
	if cfg.Slack.BotToken != "" {
		slackAPI = slack.New(cfg.Slack.BotToken)
	}
	mgmt := management.NewService(slackAPI, cfg.Slack.ChannelID, cfg.Env, pool, users, authSvc, log)

	if err := seedCleanupJob(ctx, pool); err != nil {
		return err
	}

	worker := queue.NewWorker(pool, log, cfg.JobWorkerCount)
	registerMailJobs(worker, log)
	worker.Register(cleanupJob, func(ctx context.Context, job queue.Job) error {
		if err := mgmt.Cleanup(ctx); err != nil {
			return err
		}
		if err := sweepExpiredRows(ctx, pool); err != nil {
			return err
		}
		return storage.WithTx(ctx, pool, func(tx pgx.Tx) error {
			return queue.EnqueueAt(ctx, tx, cleanupJob, nil, time.Now().Add(cleanupInterval))
		})
	})

	log.Info("worker started", "concurrency", cfg.JobWorkerCount, "env", cfg.Env)
	worker.Run(ctx)
	log.Info("worker stopped")
	return nil
}

// registerMailJobs wires the notification jobs the auth flows enqueue. Mail
// delivery is owned by a downstream consumer; here each job is acknowledged
// with a structured log line so the queue drains in deployments without one.
// Payloads carry OTPs and reset tokens, so only the subject is logged.
func registerMailJobs(worker *queue.Worker, log *slog.Logger) {
	for _, name := range []string{
		"auth.passwordBased.requestOtp",
		"auth.passwordBased.userRegistered",
		"auth.passwordBased.loginVerified",
		"auth.passwordBased.passwordReset",
		"auth.passwordBased.forgotPassword",
		"auth.passwordBased.emailUpdated",
		"auth.passwordBased.passwordUpdated",
		"auth.anonymousBased.userRegistered",
		"auth.keycloakBased.userRegistered",
		"auth.user.softDeleted",
	} {
		worker.Register(name, mailJobHandler(log, name))
	}
}

// mailJobHandler acknowledges one notification job. Only the subject is
// pulled from the payload; the rest stays out of the logs.
func mailJobHandler(log *slog.Logger, name string) queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var subject struct {
			UserID uuid.UUID `json:"userId"`
		}
		_ = json.Unmarshal(job.Payload, &subject)
		log.Info("event", "name", name, "userId", subject.UserID)
		return nil
	}
}

// seedCleanupJob makes sure exactly one recurring cleanup job exists; runs
// under the advisory lock so concurrent workers do not double-seed.
func seedCleanupJob(ctx context.Context, pool *pgxpool.Pool) error {
	return storage.WithSyncLock(ctx, pool, func(tx pgx.Tx) error {
		count, err := queue.PendingCount(ctx, tx, cleanupJob)
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		return queue.EnqueueAt(ctx, tx, cleanupJob, nil, time.Now().Add(time.Minute))
	})
}

// sweepExpiredRows drops rows whose lifetime has passed: consumed or expired
// reset tokens and login attempts older than the counting window needs.
func sweepExpiredRows(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `DELETE FROM password_login_resets WHERE expires_at < now()`); err != nil {
		return fmt.Errorf("failed to sweep reset tokens: %w", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM password_login_attempts WHERE created_at < now() - interval '1 day'`); err != nil {
		return fmt.Errorf("failed to sweep login attempts: %w", err)
	}
	return nil
}
