package queue

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/storage"
)

// Handler processes one claimed job. Returning an error reschedules the job
// with backoff until maxAttempts is reached.
type Handler func(ctx context.Context, job Job) error

// Worker drains the job_queue table with a pool of goroutines.
type Worker struct {
	db          storage.DB
	logger      *slog.Logger
	handlers    map[string]Handler
	concurrency int
	pollEvery   time.Duration
}

// NewWorker creates a worker pool. Concurrency defaults to 3 when zero.
func NewWorker(db storage.DB, logger *slog.Logger, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Worker{
		db:          db,
		logger:      logger,
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
		pollEvery:   time.Second,
	}
}

// Register binds a handler to a job name. Jobs without a handler are parked
// as failed so they surface in monitoring instead of spinning.
func (w *Worker) Register(name string, handler Handler) {
	w.handlers[name] = handler
}

// Run blocks until ctx is cancelled, running w.concurrency claim loops.
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < w.concurrency; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			w.loop(ctx, n)
		}(i)
	}
	for i := 0; i < w.concurrency; i++ {
		<-done
	}
}

func (w *Worker) loop(ctx context.Context, n int) {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain until empty so a burst doesn't wait a tick per job.
			for {
				claimed, err := w.runOne(ctx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						w.logger.Error("job_claim_failed", "worker", n, "error", err)
					}
					break
				}
				if !claimed {
					break
				}
			}
		}
	}
}

// claimTimeout is how long a started job stays invisible to other claim
// loops. A worker that dies mid-run loses its claim after this window.
const claimTimeout = 5 * time.Minute

// claimQuery picks the oldest eligible job and marks it started. The
// started_at condition keeps in-flight jobs out of concurrent claims even
// after the claiming transaction commits.
const claimQuery = `
	UPDATE job_queue
	SET attempts = attempts + 1, started_at = now()
	WHERE id = (
		SELECT id FROM job_queue
		WHERE completed_at IS NULL
		  AND failed_at IS NULL
		  AND scheduled_at <= now()
		  AND (started_at IS NULL OR started_at < now() - $1::interval)
		ORDER BY scheduled_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING id, name, payload, attempts, scheduled_at, created_at
`

// runOne claims and executes a single job. The claim transaction only covers
// the row lock and status update; the handler runs outside it so a slow job
// does not hold a database transaction open.
func (w *Worker) runOne(ctx context.Context) (bool, error) {
	var job Job

	claim := func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, claimQuery, claimTimeout.String()).
			Scan(&job.ID, &job.Name, &job.Payload, &job.Attempts, &job.ScheduledAt, &job.CreatedAt)
	}

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	if err := claim(tx); err != nil {
		tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	handler, ok := w.handlers[job.Name]
	if !ok {
		w.logger.Warn("job_unhandled", "job", job.Name, "id", job.ID)
		_, err := w.db.Exec(ctx, `UPDATE job_queue SET failed_at = now(), last_error = 'no handler' WHERE id = $1`, job.ID)
		return true, err
	}

	if err := handler(ctx, job); err != nil {
		w.logger.Error("job_failed", "job", job.Name, "id", job.ID, "attempt", job.Attempts, "error", err)
		return true, w.reschedule(ctx, job, err)
	}

	_, err = w.db.Exec(ctx, `UPDATE job_queue SET completed_at = now() WHERE id = $1`, job.ID)
	if err == nil {
		w.logger.Debug("job_completed", "job", job.Name, "id", job.ID)
	}
	return true, err
}

func (w *Worker) reschedule(ctx context.Context, job Job, cause error) error {
	if int(job.Attempts) >= maxAttempts {
		_, err := w.db.Exec(ctx, `
			UPDATE job_queue SET failed_at = now(), last_error = $2 WHERE id = $1
		`, job.ID, cause.Error())
		return err
	}

	// started_at must clear so a retry with a short backoff is not held
	// back by the in-flight window.
	delay := Backoff(int(job.Attempts))
	_, err := w.db.Exec(ctx, `
		UPDATE job_queue SET scheduled_at = now() + $2::interval, started_at = NULL, last_error = $3 WHERE id = $1
	`, job.ID, delay.String(), cause.Error())
	return err
}

// Backoff returns the retry delay after the given attempt count: exponential
// with a 4 second base, capped at 15 minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(math.Pow(2, float64(attempts-1))) * 4 * time.Second
	if d > 15*time.Minute {
		return 15 * time.Minute
	}
	return d
}
