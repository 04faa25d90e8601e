// Package queue is the event/job bus of the core.
//
// Jobs are written to the job_queue table inside the same transaction as the
// state change that triggered them, so a rolled-back request never leaves a
// visible job behind. A worker pool (cmd/worker) drains the table with
// FOR UPDATE SKIP LOCKED claims and retries failures with backoff.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/storage"
)

// Job is one queued unit of work.
type Job struct {
	ID          int64
	Name        string
	Payload     json.RawMessage
	Attempts    int32
	ScheduledAt time.Time
	CreatedAt   time.Time
}

// maxAttempts before a job is parked as failed.
const maxAttempts = 5

// Enqueue writes a named job inside the caller's transaction. The payload is
// serialized as JSONB. Calling this without a transaction is a programmer
// error (500), not a fallback to autocommit.
func Enqueue(ctx context.Context, tx pgx.Tx, name string, payload any) error {
	if err := storage.RequireTx(tx, "queue.enqueue"); err != nil {
		return err
	}
	if name == "" {
		return apperr.Server("queue.enqueue.missingName", nil)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Server("queue.enqueue.invalidPayload", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_queue (name, payload, scheduled_at)
		VALUES ($1, $2, now())
	`, name, body)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %q: %w", name, err)
	}

	return nil
}

// EnqueueAt schedules a job to become eligible at a future time. Used by the
// worker itself for recurring jobs; same transactional contract as Enqueue.
func EnqueueAt(ctx context.Context, tx pgx.Tx, name string, payload any, at time.Time) error {
	if err := storage.RequireTx(tx, "queue.enqueue"); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Server("queue.enqueue.invalidPayload", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_queue (name, payload, scheduled_at)
		VALUES ($1, $2, $3)
	`, name, body, at)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %q: %w", name, err)
	}

	return nil
}

// PendingCount returns the number of eligible jobs, used by health reporting
// and tests.
func PendingCount(ctx context.Context, db storage.DBTX, name string) (int64, error) {
	var count int64
	err := db.QueryRow(ctx, `
		SELECT count(*) FROM job_queue
		WHERE name = $1 AND completed_at IS NULL AND failed_at IS NULL
	`, name).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}
