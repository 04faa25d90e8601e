package api

import (
	"context"

	"github.com/lightbase/lpc-backend/internal/session"
	"github.com/lightbase/lpc-backend/internal/tenant"
)

type contextKey int

const (
	tenantKey contextKey = iota
	sessionKey
	clientIPKey
)

func withTenant(ctx context.Context, cur *tenant.Current) context.Context {
	return context.WithValue(ctx, tenantKey, cur)
}

// TenantFromContext returns the tenant resolved for this request; the
// middleware guarantees presence on all routes behind it.
func TenantFromContext(ctx context.Context) *tenant.Current {
	cur, _ := ctx.Value(tenantKey).(*tenant.Current)
	return cur
}

func withSession(ctx context.Context, sess *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext returns the loaded session, or nil on anonymous
// requests.
func SessionFromContext(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(sessionKey).(*session.Session)
	return sess
}

func withClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

func clientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}
