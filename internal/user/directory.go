package user

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/permission"
	"github.com/lightbase/lpc-backend/internal/queue"
	"github.com/lightbase/lpc-backend/internal/storage"
)

// Registration attaches a provider login to a freshly inserted user. The
// auth providers implement this so the directory stays ignorant of provider
// internals; registrations run in declaration order inside the creation
// transaction.
type Registration interface {
	Register(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error
}

// RegistrationFunc adapts a plain function to Registration.
type RegistrationFunc func(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error

func (f RegistrationFunc) Register(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	return f(ctx, tx, userID)
}

// CreateInput describes a new user.
type CreateInput struct {
	Name *string

	// TenantID scopes the membership; ignored when
	// SyncUsersAcrossAllTenants is set.
	TenantID                  *uuid.UUID
	SyncUsersAcrossAllTenants bool

	Roles         *permission.RoleSelector
	Registrations []Registration
}

// MergePolicy customizes the combine step that runs when an authenticated
// session logs in as a different user.
type MergePolicy struct {
	// ShouldCombineUsers guards the merge; nil means never combine.
	ShouldCombineUsers func(ctx context.Context, old, new *User) bool
	BeforeUserCombine  func(ctx context.Context, tx pgx.Tx, old, new *User) error
	AfterUserCombine   func(ctx context.Context, tx pgx.Tx, old, new *User) error

	// Targets lists the application tables whose user reference must be
	// re-pointed. Identity tables (provider logins, roles, memberships) are
	// never re-pointed; they die with the old user.
	Targets []MergeTarget
}

// MergeTarget names one (table, column) pair to rewrite during a combine.
type MergeTarget struct {
	Table  string
	Column string
}

// Directory is the user subsystem.
type Directory struct {
	pool  *pgxpool.Pool
	store *Store
	perms *permission.Engine
	merge MergePolicy
}

// NewDirectory creates the directory.
func NewDirectory(pool *pgxpool.Pool, perms *permission.Engine, merge MergePolicy) *Directory {
	return &Directory{
		pool:  pool,
		store: NewStore(pool),
		perms: perms,
		merge: merge,
	}
}

// Store exposes the underlying read store.
func (d *Directory) Store() *Store { return d.store }

// Create inserts a user with memberships, provider attachments, and initial
// roles, then runs the uniqueness checks. Must be called inside the request
// transaction so a failed registration leaves nothing behind.
func (d *Directory) Create(ctx context.Context, tx pgx.Tx, input CreateInput) (*User, error) {
	if err := storage.RequireTx(tx, "authUser.create"); err != nil {
		return nil, err
	}

	var userID uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO users (name) VALUES ($1) RETURNING id
	`, input.Name).Scan(&userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if input.SyncUsersAcrossAllTenants {
		_, err = tx.Exec(ctx, `
			INSERT INTO user_tenants (user_id, tenant_id)
			SELECT $1, id FROM tenants
		`, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to sync tenant memberships: %w", err)
		}
	} else if input.TenantID != nil {
		if err := d.store.AddTenantMembership(ctx, tx, userID, *input.TenantID); err != nil {
			return nil, fmt.Errorf("failed to add tenant membership: %w", err)
		}
	}

	for _, reg := range input.Registrations {
		if err := reg.Register(ctx, tx, userID); err != nil {
			return nil, err
		}
	}

	if input.Roles != nil {
		if err := d.perms.UserSyncRoles(ctx, tx, userID, *input.Roles); err != nil {
			return nil, err
		}
	}

	if err := d.CheckUnique(ctx, tx, userID); err != nil {
		return nil, err
	}

	return NewStore(tx).ByID(ctx, userID)
}

// CheckUnique verifies that no other active user in any of this user's
// tenants claims the same password or federated email.
func (d *Directory) CheckUnique(ctx context.Context, db storage.DBTX, userID uuid.UUID) error {
	checks := []struct {
		table string
		key   string
	}{
		{"password_logins", "authPasswordBased.checkUnique.duplicateEmail"},
		{"keycloak_logins", "authKeycloakBased.checkUnique.duplicateEmail"},
	}

	for _, check := range checks {
		var email string
		err := db.QueryRow(ctx, fmt.Sprintf(`
			SELECT other.email
			FROM %[1]s own
			JOIN %[1]s other ON other.email = own.email AND other.user_id <> own.user_id
			JOIN users u ON u.id = other.user_id AND u.deleted_at IS NULL
			JOIN user_tenants ot ON ot.user_id = other.user_id
			WHERE own.user_id = $1
			  AND ot.tenant_id IN (SELECT tenant_id FROM user_tenants WHERE user_id = $1)
			LIMIT 1
		`, check.table), userID).Scan(&email)
		switch err {
		case pgx.ErrNoRows:
			continue
		case nil:
			return apperr.BadRequest(check.key, map[string]any{"email": email})
		default:
			return fmt.Errorf("failed to check email uniqueness: %w", err)
		}
	}
	return nil
}

// SetActive toggles the soft-delete state. Deactivation emits the
// auth.user.softDeleted event and drops the user's live sessions so a
// disabled account loses access immediately.
func (d *Directory) SetActive(ctx context.Context, userID uuid.UUID, active bool) error {
	return storage.WithTx(ctx, d.pool, func(tx pgx.Tx) error {
		var tag string
		if active {
			tag = `UPDATE users SET deleted_at = NULL, updated_at = now() WHERE id = $1 AND deleted_at IS NOT NULL`
		} else {
			tag = `UPDATE users SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
		}
		result, err := tx.Exec(ctx, tag, userID)
		if err != nil {
			return fmt.Errorf("failed to set user active state: %w", err)
		}
		if result.RowsAffected() == 0 {
			// Already in the requested state, or unknown.
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return apperr.NotFound("authUser.setActive.invalidUser")
			}
			return nil
		}

		if !active {
			if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE data->>'userId' = $1`, userID.String()); err != nil {
				return fmt.Errorf("failed to drop sessions: %w", err)
			}
			return queue.Enqueue(ctx, tx, "auth.user.softDeleted", map[string]any{"userId": userID})
		}
		return nil
	})
}

// Combine merges the old user into the new one: application tables from the
// merge policy are re-pointed, identity rows stay with (and die with) the
// old user, and the old user is hard-deleted along with their sessions.
func (d *Directory) Combine(ctx context.Context, tx pgx.Tx, old, new *User) error {
	if err := storage.RequireTx(tx, "authUser.combine"); err != nil {
		return err
	}

	if d.merge.BeforeUserCombine != nil {
		if err := d.merge.BeforeUserCombine(ctx, tx, old, new); err != nil {
			return err
		}
	}

	for _, target := range d.merge.Targets {
		query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`, target.Table, target.Column, target.Column)
		if _, err := tx.Exec(ctx, query, new.ID, old.ID); err != nil {
			return fmt.Errorf("failed to re-point %s.%s: %w", target.Table, target.Column, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE data->>'userId' = $1`, old.ID.String()); err != nil {
		return fmt.Errorf("failed to drop sessions of merged user: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, old.ID); err != nil {
		return fmt.Errorf("failed to delete merged user: %w", err)
	}

	if d.merge.AfterUserCombine != nil {
		if err := d.merge.AfterUserCombine(ctx, tx, old, new); err != nil {
			return err
		}
	}
	return nil
}

// ShouldCombine reports whether the merge policy wants these two users
// combined.
func (d *Directory) ShouldCombine(ctx context.Context, old, new *User) bool {
	return d.merge.ShouldCombineUsers != nil && d.merge.ShouldCombineUsers(ctx, old, new)
}

// Summary resolves the user's roles and permissions within a tenant.
func (d *Directory) Summary(ctx context.Context, userID, tenantID uuid.UUID) (*permission.Summary, error) {
	return d.perms.UserSummary(ctx, userID, tenantID)
}
