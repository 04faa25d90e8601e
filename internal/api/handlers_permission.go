package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/user"
)

// handleOwnPermissionSummary returns the caller's roles and permissions for
// the current tenant.
func (s *Server) handleOwnPermissionSummary(w http.ResponseWriter, r *http.Request) {
	s.requireUser(user.RequireOptions{EventKey: "authPermission.summary"},
		func(w http.ResponseWriter, r *http.Request, u *user.User) {
			cur := TenantFromContext(r.Context())
			summary, err := s.perms.UserSummary(r.Context(), u.ID, cur.Tenant.ID)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			s.respond(w, http.StatusOK, summary)
		})(w, r)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request, _ *user.User) {
	permissions, err := s.perms.ListPermissions(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"permissions": permissions})
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request, _ *user.User) {
	cur := TenantFromContext(r.Context())
	roles, err := s.perms.ListRoles(r.Context(), cur.Tenant.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"roles": roles})
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request, _ *user.User) {
	var body struct {
		Identifier string `json:"identifier"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if body.Identifier == "" {
		s.respondError(w, r, apperr.BadRequest("authPermission.createRole.invalidArguments", nil))
		return
	}

	cur := TenantFromContext(r.Context())
	role, err := s.perms.CreateRole(r.Context(), cur.Tenant.ID, body.Identifier)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request, _ *user.User) {
	id, err := urlParamID(r, "authPermission.deleteRole")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.perms.DeleteRole(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleAddPermissions(w http.ResponseWriter, r *http.Request, _ *user.User) {
	s.mutateRolePermissions(w, r, "authPermission.addPermissions", s.perms.AddPermissions)
}

func (s *Server) handleRemovePermissions(w http.ResponseWriter, r *http.Request, _ *user.User) {
	s.mutateRolePermissions(w, r, "authPermission.removePermissions", s.perms.RemovePermissions)
}

func (s *Server) mutateRolePermissions(
	w http.ResponseWriter,
	r *http.Request,
	eventKey string,
	mutate func(ctx context.Context, roleID uuid.UUID, identifiers []string) error,
) {
	id, err := urlParamID(r, eventKey)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var body struct {
		Permissions []string `json:"permissions"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(body.Permissions) == 0 {
		s.respondError(w, r, apperr.BadRequest(eventKey+".invalidArguments", nil))
		return
	}

	if err := mutate(r.Context(), id, body.Permissions); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request, _ *user.User) {
	s.mutateUserRole(w, r, "authPermission.assignRole", s.perms.AssignRole)
}

func (s *Server) handleRemoveRole(w http.ResponseWriter, r *http.Request, _ *user.User) {
	s.mutateUserRole(w, r, "authPermission.removeRole", s.perms.RemoveRole)
}

func (s *Server) mutateUserRole(
	w http.ResponseWriter,
	r *http.Request,
	eventKey string,
	mutate func(ctx context.Context, userID, roleID uuid.UUID) error,
) {
	userID, err := urlParamID(r, eventKey)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var body struct {
		RoleID uuid.UUID `json:"roleId"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if body.RoleID == uuid.Nil {
		s.respondError(w, r, apperr.BadRequest(eventKey+".invalidArguments", nil))
		return
	}

	if err := mutate(r.Context(), userID, body.RoleID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

func (s *Server) handleUserPermissionSummary(w http.ResponseWriter, r *http.Request, _ *user.User) {
	id, err := urlParamID(r, "authPermission.userSummary")
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	cur := TenantFromContext(r.Context())
	summary, err := s.perms.UserSummary(r.Context(), id, cur.Tenant.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, summary)
}
