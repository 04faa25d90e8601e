package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

// fakeRow satisfies pgx.Row with a canned Scan.
type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeTx satisfies pgx.Tx, dispatching QueryRow through row and recording
// every Exec so tests can assert what would have been persisted.
type fakeTx struct {
	row        func(sql string, args []any) pgx.Row
	execs      []string
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	// Rollback after commit is a no-op, as in pgx.
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
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

// fakeDB satisfies storage.DB over a single fakeTx.
type fakeDB struct {
	tx *fakeTx
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) { return db.tx, nil }

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return db.tx.Exec(ctx, sql, args...)
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.tx.row(sql, args)
}

// chainRow serves the refresh-chain select: one session with one refresh
// token in the given state.
func chainRow(data Data, tokenExpiry time.Time, tokenRevokedAt *time.Time) fakeRow {
	sessID := uuid.New()
	blob, _ := json.Marshal(data)
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*uuid.UUID) = sessID
		*dest[1].(*string) = data.Checksum()
		*dest[2].(*[]byte) = blob
		*dest[3].(**time.Time) = nil
		*dest[4].(*time.Time) = time.Now().Add(-time.Hour)
		*dest[5].(*time.Time) = tokenExpiry
		*dest[6].(**time.Time) = tokenRevokedAt
		return nil
	}}
}

func newRefreshFixture(t *testing.T, tokenExpiry time.Time, tokenRevokedAt *time.Time) (*Store, *fakeTx, string) {
	t.Helper()

	data := Data{UserID: uuid.New(), LoginType: LoginPasswordBased, Type: TypeUser}
	tx := &fakeTx{row: func(sql string, args []any) pgx.Row {
		switch {
		case strings.Contains(sql, "FROM session_tokens t"):
			return chainRow(data, tokenExpiry, tokenRevokedAt)
		case strings.Contains(sql, "INSERT INTO session_tokens"):
			id := uuid.New()
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*uuid.UUID) = id
				return nil
			}}
		default:
			t.Fatalf("unexpected query: %s", sql)
			return nil
		}
	}}

	store := NewStore(&fakeDB{tx: tx}, Config{SigningKey: testKey})
	refreshToken, err := signToken(testKey, kindRefresh, uuid.Nil, uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return store, tx, refreshToken
}

func execsContaining(execs []string, fragment string) int {
	n := 0
	for _, sql := range execs {
		if strings.Contains(sql, fragment) {
			n++
		}
	}
	return n
}

func TestRefreshRotatesChain(t *testing.T) {
	store, tx, refreshToken := newRefreshFixture(t, time.Now().Add(time.Hour), nil)

	pair, err := store.Refresh(context.Background(), refreshToken)
	require.NoError(t, err)
	assert.True(t, tx.committed)

	// The presented refresh token and its access child are both revoked.
	assert.Equal(t, 1, execsContaining(tx.execs, "UPDATE session_tokens SET revoked_at = now() WHERE id ="))
	assert.Equal(t, 1, execsContaining(tx.execs, "WHERE refresh_token_id ="))

	// The new pair verifies as one access and one refresh token.
	_, err = verifyToken(testKey, pair.AccessToken, kindAccess)
	require.NoError(t, err)
	_, err = verifyToken(testKey, pair.RefreshToken, kindRefresh)
	require.NoError(t, err)
}

func TestRefreshReplayRevokesWholeSession(t *testing.T) {
	revokedAt := time.Now().Add(-time.Minute)
	store, tx, refreshToken := newRefreshFixture(t, time.Now().Add(time.Hour), &revokedAt)

	_, err := store.Refresh(context.Background(), refreshToken)
	require.Error(t, err)
	assert.Equal(t, 401, apperr.From(err).Status)
	assert.Equal(t, "sessionStore.refreshTokens.revokedToken", apperr.From(err).Key)

	// The 401 must not roll the revocation back: the session and every live
	// token in the chain are gone once a consumed token is replayed.
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	assert.Equal(t, 1, execsContaining(tx.execs, "UPDATE sessions SET revoked_at"))
	assert.Equal(t, 1, execsContaining(tx.execs, "UPDATE session_tokens SET revoked_at = now() WHERE session_id ="))
}

func TestRefreshExpiredTokenRollsBack(t *testing.T) {
	store, tx, refreshToken := newRefreshFixture(t, time.Now().Add(-time.Minute), nil)

	_, err := store.Refresh(context.Background(), refreshToken)
	require.Error(t, err)
	assert.Equal(t, "sessionStore.refreshTokens.expiredToken", apperr.From(err).Key)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
	assert.Empty(t, tx.execs)
}

func TestRefreshUnknownToken(t *testing.T) {
	tx := &fakeTx{row: func(sql string, args []any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	}}
	store := NewStore(&fakeDB{tx: tx}, Config{SigningKey: testKey})

	refreshToken, err := signToken(testKey, kindRefresh, uuid.Nil, uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = store.Refresh(context.Background(), refreshToken)
	require.Error(t, err)
	assert.Equal(t, "sessionStore.refreshTokens.invalidRefreshToken", apperr.From(err).Key)
	assert.Empty(t, tx.execs)
}

func TestLoadRejectsRevokedToken(t *testing.T) {
	// An access token whose refresh parent was rotated away reads as
	// revoked even though the session itself is still live.
	data := Data{UserID: uuid.New(), LoginType: LoginPasswordBased, Type: TypeUser}
	revokedAt := time.Now().Add(-time.Minute)
	tx := &fakeTx{row: func(sql string, args []any) pgx.Row {
		return chainRow(data, time.Now().Add(time.Hour), &revokedAt)
	}}
	store := NewStore(&fakeDB{tx: tx}, Config{SigningKey: testKey})

	accessToken, err := signToken(testKey, kindAccess, uuid.New(), uuid.New(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = store.Load(context.Background(), accessToken)
	require.Error(t, err)
	assert.Equal(t, "sessionStore.get.revokedSession", apperr.From(err).Key)
}
