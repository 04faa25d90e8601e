// Package user is the directory of user accounts: lifecycle, provider
// attachments, per-tenant uniqueness, and the guarded load every protected
// endpoint goes through.
package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/storage"
)

// User is the account entity with its provider attachments joined in.
type User struct {
	ID          uuid.UUID  `json:"id"`
	Name        *string    `json:"name,omitempty"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	TenantIDs []uuid.UUID `json:"tenantIds"`

	PasswordLogin  *PasswordLogin  `json:"passwordLogin,omitempty"`
	AnonymousLogin *AnonymousLogin `json:"anonymousLogin,omitempty"`
	DigidLogin     *DigidLogin     `json:"digidLogin,omitempty"`
	KeycloakLogin  *KeycloakLogin  `json:"keycloakLogin,omitempty"`
	TotpSettings   *TotpSettings   `json:"totpSettings,omitempty"`
}

// IsActive reports whether the user may authenticate.
func (u *User) IsActive() bool { return u.DeletedAt == nil }

// MemberOf reports whether the user belongs to the tenant.
func (u *User) MemberOf(tenantID uuid.UUID) bool {
	for _, id := range u.TenantIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}

// PasswordLogin is the email/password attachment, one per user.
type PasswordLogin struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"userId"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	VerifiedAt   *time.Time `json:"verifiedAt,omitempty"`
	OtpEnabledAt *time.Time `json:"otpEnabledAt,omitempty"`
	OtpSecret    *string    `json:"-"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// AnonymousLogin is the opaque-token attachment, one per user.
type AnonymousLogin struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"userId"`
	Token            string    `json:"-"`
	IsAllowedToLogin bool      `json:"isAllowedToLogin"`
}

// DigidLogin binds a user to a BSN.
type DigidLogin struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"userId"`
	BSN    string    `json:"-"`
}

// KeycloakLogin binds a user to a federated identity by email.
type KeycloakLogin struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"userId"`
	Email  string    `json:"email"`
}

// TotpSettings is the second-factor attachment.
type TotpSettings struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"userId"`
	Secret     string     `json:"-"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
}

// Verified reports whether the second factor is active.
func (t *TotpSettings) Verified() bool { return t != nil && t.VerifiedAt != nil }

// Store reads and writes user rows with their attachments.
type Store struct {
	db storage.DBTX
}

// NewStore creates the store over a pool or transaction.
func NewStore(db storage.DBTX) *Store {
	return &Store{db: db}
}

const userSelect = `
	SELECT u.id, u.name, u.last_login_at, u.deleted_at, u.created_at, u.updated_at,
	       coalesce(array_agg(DISTINCT ut.tenant_id) FILTER (WHERE ut.tenant_id IS NOT NULL), '{}'),
	       pl.id, pl.email, pl.password_hash, pl.verified_at, pl.otp_enabled_at, pl.otp_secret, pl.updated_at,
	       al.id, al.token, al.is_allowed_to_login,
	       dl.id, dl.bsn,
	       kl.id, kl.email,
	       ts.id, ts.secret, ts.verified_at
	FROM users u
	LEFT JOIN user_tenants ut ON ut.user_id = u.id
	LEFT JOIN password_logins pl ON pl.user_id = u.id
	LEFT JOIN anonymous_logins al ON al.user_id = u.id
	LEFT JOIN digid_logins dl ON dl.user_id = u.id
	LEFT JOIN keycloak_logins kl ON kl.user_id = u.id
	LEFT JOIN totp_settings ts ON ts.user_id = u.id
`

const userGroupBy = ` GROUP BY u.id, pl.id, al.id, dl.id, kl.id, ts.id`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var (
		plID, alID, dlID, klID, tsID        *uuid.UUID
		plEmail, plHash, plSecret           *string
		plVerified, plOtpEnabled            *time.Time
		plUpdated                           *time.Time
		alToken                             *string
		alAllowed                           *bool
		dlBSN, klEmail, tsSecret            *string
		tsVerified                          *time.Time
	)
	err := row.Scan(
		&u.ID, &u.Name, &u.LastLoginAt, &u.DeletedAt, &u.CreatedAt, &u.UpdatedAt,
		&u.TenantIDs,
		&plID, &plEmail, &plHash, &plVerified, &plOtpEnabled, &plSecret, &plUpdated,
		&alID, &alToken, &alAllowed,
		&dlID, &dlBSN,
		&klID, &klEmail,
		&tsID, &tsSecret, &tsVerified,
	)
	if err != nil {
		return nil, err
	}

	if plID != nil {
		u.PasswordLogin = &PasswordLogin{
			ID: *plID, UserID: u.ID, Email: *plEmail, PasswordHash: *plHash,
			VerifiedAt: plVerified, OtpEnabledAt: plOtpEnabled, OtpSecret: plSecret,
			UpdatedAt: *plUpdated,
		}
	}
	if alID != nil {
		u.AnonymousLogin = &AnonymousLogin{ID: *alID, UserID: u.ID, Token: *alToken, IsAllowedToLogin: *alAllowed}
	}
	if dlID != nil {
		u.DigidLogin = &DigidLogin{ID: *dlID, UserID: u.ID, BSN: *dlBSN}
	}
	if klID != nil {
		u.KeycloakLogin = &KeycloakLogin{ID: *klID, UserID: u.ID, Email: *klEmail}
	}
	if tsID != nil {
		u.TotpSettings = &TotpSettings{ID: *tsID, UserID: u.ID, Secret: *tsSecret, VerifiedAt: tsVerified}
	}
	return &u, nil
}

// ErrNotFound is the sentinel for lookups that matched nothing; callers map
// it to their flow-specific error key.
var ErrNotFound = errors.New("user: not found")

// ByID loads a user with all attachments, deleted or not. Callers decide
// whether a soft-deleted user is acceptable.
func (s *Store) ByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.db.QueryRow(ctx, userSelect+` WHERE u.id = $1`+userGroupBy, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// ByPasswordEmail finds the active member of a tenant owning a password
// login with the given email.
func (s *Store) ByPasswordEmail(ctx context.Context, tenantID uuid.UUID, email string) (*User, error) {
	return s.byProvider(ctx, tenantID, `pl.email = $2`, email)
}

// ByAnonymousToken finds the active member of a tenant owning the opaque
// anonymous login token.
func (s *Store) ByAnonymousToken(ctx context.Context, tenantID uuid.UUID, token string) (*User, error) {
	return s.byProvider(ctx, tenantID, `al.token = $2`, token)
}

// ByBSN finds the active member of a tenant bound to the BSN.
func (s *Store) ByBSN(ctx context.Context, tenantID uuid.UUID, bsn string) (*User, error) {
	return s.byProvider(ctx, tenantID, `dl.bsn = $2`, bsn)
}

// ByKeycloakEmail finds the active member of a tenant owning a federated
// login with the given email.
func (s *Store) ByKeycloakEmail(ctx context.Context, tenantID uuid.UUID, email string) (*User, error) {
	return s.byProvider(ctx, tenantID, `kl.email = $2`, email)
}

func (s *Store) byProvider(ctx context.Context, tenantID uuid.UUID, cond string, value any) (*User, error) {
	query := userSelect + `
		WHERE u.deleted_at IS NULL
		  AND ` + cond + `
		  AND EXISTS (SELECT 1 FROM user_tenants m WHERE m.user_id = u.id AND m.tenant_id = $1)
	` + userGroupBy
	row := s.db.QueryRow(ctx, query, tenantID, value)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return u, nil
}

// ListFilter narrows List; the zero value lists everyone in the tenant.
type ListFilter struct {
	// Provider restricts to users carrying the named login attachment:
	// passwordBased, anonymousBased, digidBased, or keycloakBased.
	Provider string
	Limit    int
	Offset   int
}

// providerConds maps the filterable provider names onto EXISTS clauses.
var providerConds = map[string]string{
	"passwordBased":  `EXISTS (SELECT 1 FROM password_logins f WHERE f.user_id = u.id)`,
	"anonymousBased": `EXISTS (SELECT 1 FROM anonymous_logins f WHERE f.user_id = u.id)`,
	"digidBased":     `EXISTS (SELECT 1 FROM digid_logins f WHERE f.user_id = u.id)`,
	"keycloakBased":  `EXISTS (SELECT 1 FROM keycloak_logins f WHERE f.user_id = u.id)`,
}

// List returns a page of a tenant's users ordered by creation time, plus the
// total count for pagination.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID, filter ListFilter) ([]*User, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	providerCond := "true"
	if filter.Provider != "" {
		cond, ok := providerConds[filter.Provider]
		if !ok {
			return nil, 0, apperr.BadRequest("authUser.list.invalidProvider", map[string]any{
				"provider": filter.Provider,
			})
		}
		providerCond = cond
	}

	var total int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM users u
		JOIN user_tenants ut ON ut.user_id = u.id
		WHERE ut.tenant_id = $1 AND `+providerCond+`
	`, tenantID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(ctx, userSelect+`
		WHERE EXISTS (SELECT 1 FROM user_tenants m WHERE m.user_id = u.id AND m.tenant_id = $1)
		  AND `+providerCond+`
	`+userGroupBy+`
		ORDER BY u.created_at, u.id
		LIMIT $2 OFFSET $3
	`, tenantID, limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

// TouchLastLogin stamps the login time.
func (s *Store) TouchLastLogin(ctx context.Context, db storage.DBTX, userID uuid.UUID) error {
	_, err := db.Exec(ctx, `UPDATE users SET last_login_at = now(), updated_at = now() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// UpdateName sets or clears the display name.
func (s *Store) UpdateName(ctx context.Context, db storage.DBTX, userID uuid.UUID, name *string) error {
	tag, err := db.Exec(ctx, `UPDATE users SET name = $2, updated_at = now() WHERE id = $1`, userID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("authUser.update.invalidUser")
	}
	return nil
}

// AddTenantMembership links a user to a tenant, ignoring an existing link.
func (s *Store) AddTenantMembership(ctx context.Context, db storage.DBTX, userID, tenantID uuid.UUID) error {
	_, err := db.Exec(ctx, `
		INSERT INTO user_tenants (user_id, tenant_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, tenantID)
	return err
}
