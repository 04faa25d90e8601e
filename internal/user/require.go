package user

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/session"
)

// RequireOptions configures the guarded user load that protected endpoints
// run before doing anything else. EventKey prefixes every error key so
// failures are attributable to the operation that rejected them.
type RequireOptions struct {
	EventKey string

	// TenantID, when set, additionally requires tenant membership.
	TenantID *uuid.UUID

	// SkipSessionIsUserCheck admits two-step and update-password sessions;
	// used by the endpoints that complete those flows.
	SkipSessionIsUserCheck bool

	// AllowedLoginTypes restricts which provider the session must have been
	// created by. Empty means any.
	AllowedLoginTypes []string

	RequiredPermissions []string
}

// Require loads the session's user and enforces the ordered checks: the
// user exists and is active, the session type is "user", the login type is
// allowed, and the permission set covers the requirements. The first failed
// check wins and its error key names the operation.
func (d *Directory) Require(ctx context.Context, sess *session.Session, opts RequireOptions) (*User, error) {
	if opts.EventKey == "" {
		opts.EventKey = "authUser.require"
	}

	if sess == nil || sess.Data.UserID == uuid.Nil {
		return nil, apperr.Unauthorized(opts.EventKey + ".invalidUser")
	}

	u, err := d.store.ByID(ctx, sess.Data.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.Unauthorized(opts.EventKey + ".invalidUser")
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive() {
		return nil, apperr.Unauthorized(opts.EventKey + ".invalidUser")
	}
	if opts.TenantID != nil && !u.MemberOf(*opts.TenantID) {
		return nil, apperr.Unauthorized(opts.EventKey + ".invalidUser")
	}

	if !opts.SkipSessionIsUserCheck && sess.Data.Type != session.TypeUser {
		return nil, apperr.Unauthorized(opts.EventKey + ".incorrectSessionType")
	}

	if len(opts.AllowedLoginTypes) > 0 {
		allowed := false
		for _, lt := range opts.AllowedLoginTypes {
			if sess.Data.LoginType == lt {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, apperr.Unauthorized(opts.EventKey + ".incorrectLoginType")
		}
	}

	if len(opts.RequiredPermissions) > 0 {
		if opts.TenantID == nil {
			return nil, apperr.Server(opts.EventKey+".missingTenant", nil)
		}
		summary, err := d.perms.UserSummary(ctx, u.ID, *opts.TenantID)
		if err != nil {
			return nil, err
		}
		if ok, missing := summary.HasPermissions(opts.RequiredPermissions); !ok {
			err := apperr.Forbidden(opts.EventKey + ".missingPermissions")
			return nil, err.WithInfo(map[string]any{"missing": missing})
		}
	}

	return u, nil
}
