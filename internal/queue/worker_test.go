package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	assert.Equal(t, 4*time.Second, Backoff(1))
	assert.Equal(t, 8*time.Second, Backoff(2))
	assert.Equal(t, 16*time.Second, Backoff(3))

	// Out-of-range attempt counts clamp instead of misbehaving.
	assert.Equal(t, 4*time.Second, Backoff(0))
	assert.Equal(t, 15*time.Minute, Backoff(20))
}

// fakeRow satisfies pgx.Row with a canned Scan.
type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeTx satisfies pgx.Tx; the claim query is dispatched through row.
type fakeTx struct {
	row        func(sql string, args []any) pgx.Row
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.row(sql, args)
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

type execCall struct {
	sql  string
	args []any
}

// fakeDB satisfies storage.DB, recording the status updates the worker
// writes outside the claim transaction.
type fakeDB struct {
	tx    *fakeTx
	execs []execCall
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) { return db.tx, nil }

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
}

func jobRow(name string, attempts int32) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = 7
		*dest[1].(*string) = name
		*dest[2].(*json.RawMessage) = json.RawMessage(`{}`)
		*dest[3].(*int32) = attempts
		*dest[4].(*time.Time) = time.Now()
		*dest[5].(*time.Time) = time.Now()
		return nil
	}}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOneClaimsAndCompletes(t *testing.T) {
	var claimSQL string
	var claimArgs []any
	tx := &fakeTx{row: func(sql string, args []any) pgx.Row {
		claimSQL, claimArgs = sql, args
		return jobRow("greeter", 1)
	}}
	db := &fakeDB{tx: tx}

	w := NewWorker(db, discardLogger(), 1)
	var handled []int64
	w.Register("greeter", func(ctx context.Context, job Job) error {
		handled = append(handled, job.ID)
		return nil
	})

	claimed, err := w.runOne(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.True(t, tx.committed)
	assert.Equal(t, []int64{7}, handled)

	// The claim marks the row started and stays clear of rows another
	// worker started within the claim window.
	assert.Contains(t, claimSQL, "started_at = now()")
	assert.Contains(t, claimSQL, "started_at IS NULL OR started_at < now() - $1::interval")
	require.Len(t, claimArgs, 1)
	assert.Equal(t, claimTimeout.String(), claimArgs[0])

	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "completed_at = now()")
}

func TestRunOneFailureReschedulesAndReleasesClaim(t *testing.T) {
	tx := &fakeTx{row: func(sql string, args []any) pgx.Row {
		return jobRow("greeter", 2)
	}}
	db := &fakeDB{tx: tx}

	w := NewWorker(db, discardLogger(), 1)
	w.Register("greeter", func(ctx context.Context, job Job) error {
		return errors.New("smtp down")
	})

	claimed, err := w.runOne(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	// A retry must re-enter the eligible set when its backoff elapses, so
	// the reschedule clears the claim marker.
	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "scheduled_at = now() + $2::interval")
	assert.Contains(t, db.execs[0].sql, "started_at = NULL")
	assert.Equal(t, Backoff(2).String(), db.execs[0].args[1])
}

func TestRunOneParksAfterMaxAttempts(t *testing.T) {
	tx := &fakeTx{row: func(sql string, args []any) pgx.Row {
		return jobRow("greeter", maxAttempts)
	}}
	db := &fakeDB{tx: tx}

	w := NewWorker(db, discardLogger(), 1)
	w.Register("greeter", func(ctx context.Context, job Job) error {
		return errors.New("smtp down")
	})

	claimed, err := w.runOne(context.Background())
	require.NoError(t, err)
	assert.True(t, claimed)

	require.Len(t, db.execs, 1)
	assert.Contains(t, db.execs[0].sql, "failed_at = now()")
}

func TestRunOneNoEligibleJob(t *testing.T) {
	tx := &fakeTx{row: func(sql string, args []any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	}}
	db := &fakeDB{tx: tx}

	claimed, err := NewWorker(db, discardLogger(), 1).runOne(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.True(t, tx.rolledBack)
	assert.Empty(t, db.execs)
}
