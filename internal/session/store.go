package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/storage"
)

// Config tunes the store per deployment.
type Config struct {
	SigningKey      []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// RefreshTokenMaxAge, when set, resolves the refresh expiry per call
	// from the session and the proposed device. Nil falls back to
	// RefreshTokenTTL.
	RefreshTokenMaxAge func(ctx context.Context, s *Session, device *DeviceInput) time.Duration
}

// Store is the session subsystem over PostgreSQL.
type Store struct {
	db  storage.DB
	cfg Config
}

// NewStore creates the session store.
func NewStore(db storage.DB, cfg Config) *Store {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 5 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	return &Store{db: db, cfg: cfg}
}

func (s *Store) refreshExpiry(ctx context.Context, sess *Session, device *DeviceInput) time.Time {
	ttl := s.cfg.RefreshTokenTTL
	if s.cfg.RefreshTokenMaxAge != nil {
		if resolved := s.cfg.RefreshTokenMaxAge(ctx, sess, device); resolved > 0 {
			ttl = resolved
		}
	}
	return time.Now().Add(ttl)
}

// Create inserts a session with its first token pair and optional device,
// inside the caller's transaction.
func (s *Store) Create(ctx context.Context, tx pgx.Tx, data Data, device *DeviceInput) (*Session, TokenPair, error) {
	if err := storage.RequireTx(tx, "sessionStore.create"); err != nil {
		return nil, TokenPair{}, err
	}
	if err := data.Validate(); err != nil {
		return nil, TokenPair{}, apperr.Server("sessionStore.create.invalidData", err)
	}
	if device != nil {
		if err := device.Validate(); err != nil {
			return nil, TokenPair{}, err
		}
	}

	blob, err := json.Marshal(data)
	if err != nil {
		return nil, TokenPair{}, apperr.Server("sessionStore.create.invalidData", err)
	}

	sess := &Session{Data: data}
	err = tx.QueryRow(ctx, `
		INSERT INTO sessions (checksum, data) VALUES ($1, $2)
		RETURNING id, created_at
	`, data.Checksum(), blob).Scan(&sess.ID, &sess.CreatedAt)
	if err != nil {
		return nil, TokenPair{}, fmt.Errorf("failed to create session: %w", err)
	}

	if device != nil {
		webPush, err := marshalWebPush(device.WebPush)
		if err != nil {
			return nil, TokenPair{}, apperr.Server("sessionStore.create.invalidDevice", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO devices (session_id, name, platform, notification_token, web_push)
			VALUES ($1, $2, $3, $4, $5)
		`, sess.ID, device.Name, device.Platform, device.NotificationToken, webPush)
		if err != nil {
			return nil, TokenPair{}, fmt.Errorf("failed to create device: %w", err)
		}
	}

	pair, err := s.issuePair(ctx, tx, sess, device)
	if err != nil {
		return nil, TokenPair{}, err
	}
	return sess, pair, nil
}

// issuePair inserts a refresh row and its linked access row and signs both
// bearer strings.
func (s *Store) issuePair(ctx context.Context, tx pgx.Tx, sess *Session, device *DeviceInput) (TokenPair, error) {
	refreshExpiry := s.refreshExpiry(ctx, sess, device)
	accessExpiry := time.Now().Add(s.cfg.AccessTokenTTL)

	var refreshID uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO session_tokens (session_id, expires_at) VALUES ($1, $2)
		RETURNING id
	`, sess.ID, refreshExpiry).Scan(&refreshID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to create refresh token: %w", err)
	}

	var accessID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO session_tokens (session_id, expires_at, refresh_token_id) VALUES ($1, $2, $3)
		RETURNING id
	`, sess.ID, accessExpiry, refreshID).Scan(&accessID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to create access token: %w", err)
	}

	accessToken, err := signToken(s.cfg.SigningKey, kindAccess, sess.ID, accessID, accessExpiry)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := signToken(s.cfg.SigningKey, kindRefresh, sess.ID, refreshID, refreshExpiry)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Load validates an access token and returns its live session. Checksum
// mismatches denote tampering or a stale concurrent update and read as
// unauthorized.
func (s *Store) Load(ctx context.Context, accessToken string) (*Session, error) {
	parsed, err := verifyToken(s.cfg.SigningKey, accessToken, kindAccess)
	if err != nil {
		return nil, err
	}

	var (
		sess           Session
		blob           []byte
		checksum       string
		tokenExpiresAt time.Time
		tokenRevokedAt *time.Time
	)
	err = s.db.QueryRow(ctx, `
		SELECT s.id, s.checksum, s.data, s.revoked_at, s.created_at, t.expires_at, t.revoked_at
		FROM session_tokens t
		JOIN sessions s ON s.id = t.session_id
		WHERE t.id = $1 AND s.id = $2
	`, parsed.tokenID, parsed.sessionID).Scan(
		&sess.ID, &checksum, &blob, &sess.RevokedAt, &sess.CreatedAt, &tokenExpiresAt, &tokenRevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Unauthorized("sessionStore.get.invalidSession")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if sess.RevokedAt != nil || tokenRevokedAt != nil || time.Now().After(tokenExpiresAt) {
		return nil, apperr.Unauthorized("sessionStore.get.revokedSession")
	}

	if err := json.Unmarshal(blob, &sess.Data); err != nil {
		return nil, apperr.Server("sessionStore.get.invalidData", err)
	}
	if sess.Data.Checksum() != checksum {
		return nil, apperr.Unauthorized("sessionStore.get.invalidChecksum")
	}

	return &sess, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is appended to the chain. Presenting an already-revoked token
// revokes the entire session (replay rule).
func (s *Store) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	parsed, err := verifyToken(s.cfg.SigningKey, refreshToken, kindRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	var (
		pair     TokenPair
		replayed bool
	)
	err = storage.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var (
			sess           Session
			blob           []byte
			checksum       string
			tokenExpiresAt time.Time
			tokenRevokedAt *time.Time
		)
		err := tx.QueryRow(ctx, `
			SELECT s.id, s.checksum, s.data, s.revoked_at, s.created_at, t.expires_at, t.revoked_at
			FROM session_tokens t
			JOIN sessions s ON s.id = t.session_id
			WHERE t.id = $1 AND t.refresh_token_id IS NULL
			FOR UPDATE OF t, s
		`, parsed.tokenID).Scan(
			&sess.ID, &checksum, &blob, &sess.RevokedAt, &sess.CreatedAt, &tokenExpiresAt, &tokenRevokedAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Unauthorized("sessionStore.refreshTokens.invalidRefreshToken")
		}
		if err != nil {
			return fmt.Errorf("failed to load refresh token: %w", err)
		}

		if tokenRevokedAt != nil {
			// Replay of a consumed refresh token: someone is holding a
			// stolen copy of the chain. Kill the whole session. The
			// revocation must outlive this transaction, so return nil to
			// commit and reject after the wrapper.
			if _, err := tx.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE id = $1`, sess.ID); err != nil {
				return fmt.Errorf("failed to revoke session: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE session_tokens SET revoked_at = now() WHERE session_id = $1 AND revoked_at IS NULL`, sess.ID); err != nil {
				return fmt.Errorf("failed to revoke token chain: %w", err)
			}
			replayed = true
			return nil
		}

		if sess.RevokedAt != nil || time.Now().After(tokenExpiresAt) {
			return apperr.Unauthorized("sessionStore.refreshTokens.expiredToken")
		}

		if err := json.Unmarshal(blob, &sess.Data); err != nil {
			return apperr.Server("sessionStore.refreshTokens.invalidData", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE session_tokens SET revoked_at = now() WHERE id = $1`, parsed.tokenID); err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		// The old access token dies with its refresh parent.
		if _, err := tx.Exec(ctx, `UPDATE session_tokens SET revoked_at = now() WHERE refresh_token_id = $1 AND revoked_at IS NULL`, parsed.tokenID); err != nil {
			return fmt.Errorf("failed to revoke access token: %w", err)
		}

		pair, err = s.issuePair(ctx, tx, &sess, nil)
		return err
	})
	if err != nil {
		return TokenPair{}, err
	}
	if replayed {
		return TokenPair{}, apperr.Unauthorized("sessionStore.refreshTokens.revokedToken")
	}
	return pair, nil
}

// Update rewrites the session blob and its checksum.
func (s *Store) Update(ctx context.Context, db storage.DBTX, sess *Session) error {
	if err := sess.Data.Validate(); err != nil {
		return apperr.Server("sessionStore.update.invalidData", err)
	}
	blob, err := json.Marshal(sess.Data)
	if err != nil {
		return apperr.Server("sessionStore.update.invalidData", err)
	}

	tag, err := db.Exec(ctx, `
		UPDATE sessions SET checksum = $2, data = $3, updated_at = now()
		WHERE id = $1 AND revoked_at IS NULL
	`, sess.ID, sess.Data.Checksum(), blob)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Unauthorized("sessionStore.update.invalidSession")
	}
	return nil
}

// Invalidate soft-deletes a session; every token referencing it becomes
// unauthorized immediately.
func (s *Store) Invalidate(ctx context.Context, db storage.DBTX, sessionID uuid.UUID) error {
	if _, err := db.Exec(ctx, `UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, sessionID); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	if _, err := db.Exec(ctx, `UPDATE session_tokens SET revoked_at = now() WHERE session_id = $1 AND revoked_at IS NULL`, sessionID); err != nil {
		return fmt.Errorf("failed to invalidate session tokens: %w", err)
	}
	return nil
}

// Delete hard-deletes a session; tokens and device cascade.
func (s *Store) Delete(ctx context.Context, db storage.DBTX, sessionID uuid.UUID) error {
	_, err := db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteAllForUser hard-deletes every session of a user, optionally keeping
// one (the caller's own session on password update with the keep policy).
func (s *Store) DeleteAllForUser(ctx context.Context, db storage.DBTX, userID uuid.UUID, keep *uuid.UUID) error {
	var err error
	if keep != nil {
		_, err = db.Exec(ctx, `
			DELETE FROM sessions WHERE data->>'userId' = $1 AND id <> $2
		`, userID.String(), *keep)
	} else {
		_, err = db.Exec(ctx, `DELETE FROM sessions WHERE data->>'userId' = $1`, userID.String())
	}
	if err != nil {
		return fmt.Errorf("failed to delete sessions for user: %w", err)
	}
	return nil
}

// ListEntry is one row of the session list endpoint.
type ListEntry struct {
	SessionID uuid.UUID  `json:"sessionId"`
	Type      string     `json:"type"`
	CreatedAt time.Time  `json:"createdAt"`
	IsCurrent bool       `json:"isCurrent"`
	Device    *Device    `json:"device,omitempty"`
	RevokedAt *time.Time `json:"-"`
}

// ListForUser returns the live sessions of a user with their devices.
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID, currentSessionID uuid.UUID) ([]ListEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT s.id, s.data->>'type', s.created_at,
		       d.id, d.name, d.platform, d.notification_token, d.web_push, d.created_at
		FROM sessions s
		LEFT JOIN devices d ON d.session_id = s.id
		WHERE s.data->>'userId' = $1 AND s.revoked_at IS NULL
		ORDER BY s.created_at DESC
	`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ListEntry
	for rows.Next() {
		var entry ListEntry
		var (
			deviceID       *uuid.UUID
			deviceName     *string
			devicePlatform *string
			notifToken     *string
			webPush        []byte
			deviceCreated  *time.Time
		)
		err := rows.Scan(&entry.SessionID, &entry.Type, &entry.CreatedAt,
			&deviceID, &deviceName, &devicePlatform, &notifToken, &webPush, &deviceCreated)
		if err != nil {
			return nil, err
		}
		if deviceID != nil {
			device := &Device{
				ID:                *deviceID,
				SessionID:         entry.SessionID,
				Name:              *deviceName,
				Platform:          Platform(*devicePlatform),
				NotificationToken: notifToken,
				CreatedAt:         *deviceCreated,
			}
			if len(webPush) > 0 {
				_ = json.Unmarshal(webPush, &device.WebPush)
			}
			entry.Device = device
		}
		entry.IsCurrent = entry.SessionID == currentSessionID
		out = append(out, entry)
	}
	return out, rows.Err()
}

// CountMobileSessions counts the user's live sessions bound to a mobile
// device, for the concurrent-session cap.
func (s *Store) CountMobileSessions(ctx context.Context, db storage.DBTX, userID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRow(ctx, `
		SELECT count(*)
		FROM sessions s
		JOIN devices d ON d.session_id = s.id
		WHERE s.data->>'userId' = $1 AND s.revoked_at IS NULL
		  AND d.platform IN ('apple', 'android')
	`, userID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count mobile sessions: %w", err)
	}
	return count, nil
}

// SetNotificationToken updates the device bound to a session, enforcing the
// platform rules.
func (s *Store) SetNotificationToken(ctx context.Context, sessionID uuid.UUID, token *string, webPush *WebPushSubscription) error {
	var platform string
	err := s.db.QueryRow(ctx, `SELECT platform FROM devices WHERE session_id = $1`, sessionID).Scan(&platform)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.BadRequest("session.setNotificationToken.noDevice", nil)
	}
	if err != nil {
		return err
	}

	input := DeviceInput{Platform: Platform(platform), NotificationToken: token, WebPush: webPush}
	if err := input.Validate(); err != nil {
		return err
	}

	webPushRaw, err := marshalWebPush(webPush)
	if err != nil {
		return apperr.Server("session.setNotificationToken.invalidWebPush", err)
	}

	_, err = s.db.Exec(ctx, `
		UPDATE devices SET notification_token = coalesce($2, notification_token),
		                   web_push = coalesce($3, web_push),
		                   updated_at = now()
		WHERE session_id = $1
	`, sessionID, token, webPushRaw)
	return err
}
