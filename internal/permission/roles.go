package permission

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/storage"
)

// ListPermissions returns the full catalog, sorted by identifier.
func (e *Engine) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := e.db.Query(ctx, `SELECT id, identifier FROM permissions ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Identifier); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListRoles returns the roles visible to a tenant: its own roles plus the
// global ones. isEditable is only true for non-mandatory tenant roles.
func (e *Engine) ListRoles(ctx context.Context, tenantID uuid.UUID) ([]RoleWithPermissions, error) {
	rows, err := e.db.Query(ctx, `
		SELECT r.id, r.identifier, r.tenant_id, r.created_at,
		       coalesce(array_agg(p.identifier ORDER BY p.identifier) FILTER (WHERE p.identifier IS NOT NULL), '{}')
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE r.tenant_id = $1 OR r.tenant_id IS NULL
		GROUP BY r.id
		ORDER BY r.identifier
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoleWithPermissions
	for rows.Next() {
		var role RoleWithPermissions
		if err := rows.Scan(&role.ID, &role.Identifier, &role.TenantID, &role.CreatedAt, &role.Permissions); err != nil {
			return nil, err
		}
		role.IsEditable = !e.IsStatic(role.ID) && role.TenantID != nil
		out = append(out, role)
	}
	return out, rows.Err()
}

// CreateRole creates a tenant-scoped role with a per-tenant unique
// identifier.
func (e *Engine) CreateRole(ctx context.Context, tenantID uuid.UUID, identifier string) (*Role, error) {
	if identifier == "" {
		return nil, apperr.BadRequest("authPermission.createRole.invalidIdentifier", nil)
	}

	var exists bool
	err := e.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM roles WHERE identifier = $1 AND tenant_id = $2)
	`, identifier, tenantID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.BadRequest("authPermission.createRole.duplicateIdentifier", map[string]any{
			"identifier": identifier,
		})
	}

	role := &Role{Identifier: identifier, TenantID: &tenantID}
	err = e.db.QueryRow(ctx, `
		INSERT INTO roles (identifier, tenant_id) VALUES ($1, $2) RETURNING id, created_at
	`, identifier, tenantID).Scan(&role.ID, &role.CreatedAt)
	if err != nil {
		return nil, err
	}

	return role, nil
}

// DeleteRole removes a role and its links. Mandatory roles are refused.
func (e *Engine) DeleteRole(ctx context.Context, roleID uuid.UUID) error {
	if e.IsStatic(roleID) {
		return apperr.BadRequest("authPermission.deleteRole.staticRole", nil)
	}

	tag, err := e.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("authPermission.deleteRole.unknownRole")
	}
	return nil
}

// AddPermissions links permissions to a role. Already-linked identifiers
// are ignored; unknown identifiers are rejected.
func (e *Engine) AddPermissions(ctx context.Context, roleID uuid.UUID, identifiers []string) error {
	identifiers = sortedUnique(identifiers)

	ids, err := e.permissionIDs(ctx, identifiers)
	if err != nil {
		return err
	}

	for _, identifier := range identifiers {
		_, err := e.db.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, roleID, ids[identifier])
		if err != nil {
			return err
		}
	}
	return nil
}

// RemovePermissions unlinks permissions from a role. Identifiers that are
// not linked are rejected.
func (e *Engine) RemovePermissions(ctx context.Context, roleID uuid.UUID, identifiers []string) error {
	identifiers = sortedUnique(identifiers)

	ids, err := e.permissionIDs(ctx, identifiers)
	if err != nil {
		return err
	}

	for _, identifier := range identifiers {
		tag, err := e.db.Exec(ctx, `
			DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2
		`, roleID, ids[identifier])
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.BadRequest("authPermission.removePermissions.permissionNotAssigned", map[string]any{
				"identifier": identifier,
			})
		}
	}
	return nil
}

func (e *Engine) permissionIDs(ctx context.Context, identifiers []string) (map[string]uuid.UUID, error) {
	rows, err := e.db.Query(ctx, `SELECT id, identifier FROM permissions WHERE identifier = ANY($1)`, identifiers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uuid.UUID, len(identifiers))
	for rows.Next() {
		var id uuid.UUID
		var identifier string
		if err := rows.Scan(&id, &identifier); err != nil {
			return nil, err
		}
		out[identifier] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, identifier := range identifiers {
		if _, ok := out[identifier]; !ok {
			return nil, apperr.BadRequest("authPermission.requirePermissions.unknownPermission", map[string]any{
				"identifier": identifier,
			})
		}
	}
	return out, nil
}

// AssignRole adds a role to a user; assigning a role the user already has
// is a validation error.
func (e *Engine) AssignRole(ctx context.Context, userID, roleID uuid.UUID) error {
	var exists bool
	err := e.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.BadRequest("authPermission.assignRole.unknownRole", nil)
	}

	tag, err := e.db.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.BadRequest("authPermission.assignRole.userHasRole", nil)
	}
	return nil
}

// RemoveRole removes a role from a user; removing a role the user does not
// have is a validation error.
func (e *Engine) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error {
	tag, err := e.db.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.BadRequest("authPermission.removeRole.userDoesNotHaveRole", nil)
	}
	return nil
}

// RoleSelector picks roles either by id or by identifier; exactly one of
// the two must be set.
type RoleSelector struct {
	IDIn         []uuid.UUID
	IdentifierIn []string
}

// UserSyncRoles reconciles a user's role memberships with the selector:
// missing roles are added, surplus ones removed. Runs inside the caller's
// transaction because it is part of user creation.
func (e *Engine) UserSyncRoles(ctx context.Context, tx pgx.Tx, userID uuid.UUID, selector RoleSelector) error {
	if err := storage.RequireTx(tx, "authPermission.userSyncRoles"); err != nil {
		return err
	}
	if (len(selector.IDIn) == 0) == (len(selector.IdentifierIn) == 0) {
		return apperr.BadRequest("authPermission.userSyncRoles.invalidArguments", map[string]any{
			"message": "exactly one of idIn or identifierIn must be set",
		})
	}

	target := selector.IDIn
	if len(selector.IdentifierIn) > 0 {
		rows, err := tx.Query(ctx, `SELECT id FROM roles WHERE identifier = ANY($1)`, selector.IdentifierIn)
		if err != nil {
			return err
		}
		target = nil
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			target = append(target, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(target) < len(sortedUnique(selector.IdentifierIn)) {
			return apperr.BadRequest("authPermission.userSyncRoles.unknownRole", nil)
		}
	}

	rows, err := tx.Query(ctx, `SELECT role_id FROM user_roles WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	var current []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		current = append(current, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	add, remove := RoleDelta(current, target)

	for _, id := range add {
		if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)`, userID, id); err != nil {
			return err
		}
	}
	for _, id := range remove {
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, id); err != nil {
			return err
		}
	}
	return nil
}

// Summary is the resolved role/permission view of a user.
type Summary struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// UserSummary collects the unique role identifiers and permission
// identifiers a user holds within a tenant (tenant roles plus globals),
// both sorted.
func (e *Engine) UserSummary(ctx context.Context, userID, tenantID uuid.UUID) (*Summary, error) {
	rows, err := e.db.Query(ctx, `
		SELECT r.identifier,
		       coalesce(array_agg(p.identifier) FILTER (WHERE p.identifier IS NOT NULL), '{}')
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1 AND (r.tenant_id = $2 OR r.tenant_id IS NULL)
		GROUP BY r.id
	`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := make([]string, 0)
	permSet := make(map[string]struct{})
	for rows.Next() {
		var identifier string
		var perms []string
		if err := rows.Scan(&identifier, &perms); err != nil {
			return nil, err
		}
		roles = append(roles, identifier)
		for _, p := range perms {
			permSet[p] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	perms := make([]string, 0, len(permSet))
	for p := range permSet {
		perms = append(perms, p)
	}

	return &Summary{
		Roles:       sortedUnique(roles),
		Permissions: sortedUnique(perms),
	}, nil
}

// HasPermissions reports whether the summary covers all required
// identifiers, returning the missing ones.
func (s *Summary) HasPermissions(required []string) (bool, []string) {
	have := make(map[string]struct{}, len(s.Permissions))
	for _, p := range s.Permissions {
		have[p] = struct{}{}
	}

	var missing []string
	for _, p := range required {
		if _, ok := have[p]; !ok {
			missing = append(missing, p)
		}
	}
	return len(missing) == 0, missing
}

// RoleDelta computes which ids to add and remove to move current onto
// target. Order of the inputs is irrelevant.
func RoleDelta(current, target []uuid.UUID) (add, remove []uuid.UUID) {
	cur := make(map[uuid.UUID]struct{}, len(current))
	for _, id := range current {
		cur[id] = struct{}{}
	}
	tgt := make(map[uuid.UUID]struct{}, len(target))
	for _, id := range target {
		tgt[id] = struct{}{}
	}

	for _, id := range target {
		if _, ok := cur[id]; !ok {
			add = append(add, id)
		}
	}
	for _, id := range current {
		if _, ok := tgt[id]; !ok {
			remove = append(remove, id)
		}
	}
	return add, remove
}

