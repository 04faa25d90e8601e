// Package permission synchronizes the permission catalog and mandatory
// roles with storage, answers role/permission queries, and mediates role
// editing.
package permission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/storage"
)

// Permissions the core itself registers. Applications extend this catalog
// through the engine configuration.
const (
	PermUserList            = "auth:user:list"
	PermUserManage          = "auth:user:manage"
	PermPermissionManage    = "auth:permission:manage"
	PermTotpManage          = "auth:totp:manage"
	PermImpersonationManage = "auth:impersonation:manage"
	PermFeatureFlagManage   = "auth:featureFlag:manage"
)

// CorePermissions returns the identifiers the core always declares.
func CorePermissions() []string {
	return []string{
		PermUserList,
		PermUserManage,
		PermPermissionManage,
		PermTotpManage,
		PermImpersonationManage,
		PermFeatureFlagManage,
	}
}

// Permission is a catalog entry.
type Permission struct {
	ID         uuid.UUID `json:"id"`
	Identifier string    `json:"identifier"`
}

// Role is a named permission set, global when TenantID is nil.
type Role struct {
	ID         uuid.UUID  `json:"id"`
	Identifier string     `json:"identifier"`
	TenantID   *uuid.UUID `json:"tenantId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// RoleWithPermissions is the management-facing role view.
type RoleWithPermissions struct {
	Role
	Permissions []string `json:"permissions"`
	// IsEditable is false for mandatory (config-declared) roles and for
	// global roles.
	IsEditable bool `json:"isEditable"`
}

// MandatoryRole declares a role whose permission set is kept in sync on
// every startup. TenantName nil means the role is global.
type MandatoryRole struct {
	Identifier  string
	TenantName  *string
	Permissions []string
}

// Engine is the permission subsystem.
type Engine struct {
	db storage.DBTX

	mu        sync.RWMutex
	staticIDs map[uuid.UUID]struct{}
}

// NewEngine creates the engine over a pool.
func NewEngine(db storage.DBTX) *Engine {
	return &Engine{
		db:        db,
		staticIDs: make(map[uuid.UUID]struct{}),
	}
}

// IsStatic reports whether the role id belongs to a mandatory role.
func (e *Engine) IsStatic(roleID uuid.UUID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.staticIDs[roleID]
	return ok
}

// Sync reconciles the permission catalog and mandatory roles with storage.
// It must run inside the startup synchronization transaction (advisory
// lock held) so concurrent instance starts serialize.
func (e *Engine) Sync(ctx context.Context, tx pgx.Tx, permissions []string, roles []MandatoryRole) error {
	if err := storage.RequireTx(tx, "authPermission.sync"); err != nil {
		return err
	}

	if err := validateSyncInput(permissions, roles); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM permissions WHERE NOT (identifier = ANY($1))`, permissions); err != nil {
		return fmt.Errorf("failed to delete stale permissions: %w", err)
	}

	for _, identifier := range permissions {
		_, err := tx.Exec(ctx, `
			INSERT INTO permissions (identifier) VALUES ($1)
			ON CONFLICT (identifier) DO NOTHING
		`, identifier)
		if err != nil {
			return fmt.Errorf("failed to insert permission %q: %w", identifier, err)
		}
	}

	staticIDs := make(map[uuid.UUID]struct{}, len(roles))
	for _, role := range roles {
		roleID, err := e.syncMandatoryRole(ctx, tx, role)
		if err != nil {
			return err
		}
		staticIDs[roleID] = struct{}{}
	}

	e.mu.Lock()
	e.staticIDs = staticIDs
	e.mu.Unlock()

	return nil
}

func (e *Engine) syncMandatoryRole(ctx context.Context, tx pgx.Tx, role MandatoryRole) (uuid.UUID, error) {
	var tenantID *uuid.UUID
	if role.TenantName != nil {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM tenants WHERE name = $1`, *role.TenantName).Scan(&id)
		if err != nil {
			return uuid.Nil, fmt.Errorf("mandatory role %q: unknown tenant %q: %w", role.Identifier, *role.TenantName, err)
		}
		tenantID = &id
	}

	var roleID uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT id FROM roles WHERE identifier = $1 AND tenant_id IS NOT DISTINCT FROM $2
	`, role.Identifier, tenantID).Scan(&roleID)
	switch err {
	case nil:
		// Existing role: its permission links are recreated from config.
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return uuid.Nil, fmt.Errorf("mandatory role %q: %w", role.Identifier, err)
		}
	case pgx.ErrNoRows:
		err = tx.QueryRow(ctx, `
			INSERT INTO roles (identifier, tenant_id) VALUES ($1, $2) RETURNING id
		`, role.Identifier, tenantID).Scan(&roleID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("mandatory role %q: %w", role.Identifier, err)
		}
	default:
		return uuid.Nil, fmt.Errorf("mandatory role %q: %w", role.Identifier, err)
	}

	rows, err := tx.Query(ctx, `SELECT id, identifier FROM permissions WHERE identifier = ANY($1)`, role.Permissions)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mandatory role %q: %w", role.Identifier, err)
	}
	found := make(map[string]uuid.UUID)
	for rows.Next() {
		var id uuid.UUID
		var identifier string
		if err := rows.Scan(&id, &identifier); err != nil {
			rows.Close()
			return uuid.Nil, err
		}
		found[identifier] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return uuid.Nil, err
	}

	if len(found) < len(role.Permissions) {
		// The permission catalog does not cover the declaration, which
		// means sync-permissions was skipped or the config names an
		// unregistered identifier. Fail loudly instead of silently
		// narrowing the role.
		missing := make([]string, 0)
		for _, p := range role.Permissions {
			if _, ok := found[p]; !ok {
				missing = append(missing, p)
			}
		}
		return uuid.Nil, fmt.Errorf("mandatory role %q declares unknown permissions %v", role.Identifier, missing)
	}

	for _, identifier := range role.Permissions {
		_, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
		`, roleID, found[identifier])
		if err != nil {
			return uuid.Nil, fmt.Errorf("mandatory role %q: %w", role.Identifier, err)
		}
	}

	return roleID, nil
}

func validateSyncInput(permissions []string, roles []MandatoryRole) error {
	seen := make(map[string]struct{}, len(permissions))
	for _, identifier := range permissions {
		if _, dup := seen[identifier]; dup {
			return fmt.Errorf("permission %q is declared twice", identifier)
		}
		seen[identifier] = struct{}{}
	}

	// Mandatory role identifiers must be unique within a tenant and among
	// globals.
	type scope struct {
		identifier string
		tenant     string
	}
	seenRoles := make(map[scope]struct{}, len(roles))
	for _, role := range roles {
		s := scope{identifier: role.Identifier}
		if role.TenantName != nil {
			s.tenant = *role.TenantName
		}
		if _, dup := seenRoles[s]; dup {
			return fmt.Errorf("mandatory role %q is declared twice in the same scope", role.Identifier)
		}
		seenRoles[s] = struct{}{}
	}

	return nil
}

// sortedUnique sorts a copy of values and drops duplicates.
func sortedUnique(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	dedup := out[:0]
	var prev string
	for i, v := range out {
		if i == 0 || v != prev {
			dedup = append(dedup, v)
		}
		prev = v
	}
	return dedup
}
