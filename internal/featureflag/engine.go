// Package featureflag resolves boolean feature flags per tenant.
//
// The set of known flags is declared at startup and synchronized to storage
// under the advisory lock: undeclared flags are deleted, missing declarations
// inserted. Resolution precedence is tenantValues[tenant] ?? globalValue,
// with a short-TTL pull-through cache in front of storage.
package featureflag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/storage"
)

// ReservedPrefix marks internal platform flags; they are always declared and
// cannot be deleted through the management interface.
const ReservedPrefix = "__FEATURE_LPC_"

// Internal reserved flags.
const (
	// FlagExample seeds an empty declaration list so the engine never runs
	// with zero known flags.
	FlagExample = "__FEATURE_LPC_EXAMPLE_FLAG"

	// FlagReduceErrorInfo coalesces password-flow errors that would allow
	// account enumeration into generic ones.
	FlagReduceErrorInfo = "__FEATURE_LPC_AUTH_REDUCE_ERROR_KEY_INFO"

	// FlagLoginAttemptBlocking enables the rolling-window login attempt
	// limit on the password provider.
	FlagLoginAttemptBlocking = "__FEATURE_LPC_AUTH_LOGIN_ATTEMPT_BLOCKING"

	// FlagPasswordMaxAge forces a password rotation when the stored hash is
	// older than six months.
	FlagPasswordMaxAge = "__FEATURE_LPC_AUTH_PASSWORD_MAX_AGE"
)

func internalFlags() []string {
	return []string{FlagExample, FlagReduceErrorInfo, FlagLoginAttemptBlocking, FlagPasswordMaxAge}
}

// Flag is the persisted flag entity.
type Flag struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	GlobalValue  bool            `json:"globalValue"`
	TenantValues map[string]bool `json:"tenantValues,omitempty"`
}

// Engine resolves flags for tenants.
type Engine struct {
	store    Storage
	declared map[string]string // name -> description
	cache    *cache
}

// Storage is the persistence surface the engine reads through its cache.
type Storage interface {
	All(ctx context.Context) ([]Flag, error)
	Set(ctx context.Context, name string, global *bool, tenantValues map[string]bool) error
}

// NewEngine validates the declared flag names and builds the engine. The
// internal reserved flags are always included; duplicates and non-reserved
// names carrying the reserved prefix are rejected.
func NewEngine(store Storage, declared map[string]string) (*Engine, error) {
	all := make(map[string]string, len(declared)+4)
	for _, name := range internalFlags() {
		all[name] = "Internal platform flag."
	}

	for name, description := range declared {
		if strings.HasPrefix(name, ReservedPrefix) {
			return nil, fmt.Errorf("feature flag %q uses the reserved prefix %q", name, ReservedPrefix)
		}
		if _, dup := all[name]; dup {
			return nil, fmt.Errorf("feature flag %q is declared twice", name)
		}
		all[name] = description
	}

	return &Engine{
		store:    store,
		declared: all,
		cache:    newCache(5 * time.Second),
	}, nil
}

// DeclaredNames returns the sorted known flag names.
func (e *Engine) DeclaredNames() []string {
	names := make([]string, 0, len(e.declared))
	for name := range e.declared {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsDeclared reports whether name is a known flag.
func (e *Engine) IsDeclared(name string) bool {
	_, ok := e.declared[name]
	return ok
}

// Sync reconciles storage with the declaration list: flags absent from the
// declarations are deleted, missing declarations inserted with
// globalValue=false. Runs inside the startup synchronization transaction.
func (e *Engine) Sync(ctx context.Context, tx pgx.Tx) error {
	if err := storage.RequireTx(tx, "featureFlag.sync"); err != nil {
		return err
	}

	names := e.DeclaredNames()

	if _, err := tx.Exec(ctx, `DELETE FROM feature_flags WHERE NOT (name = ANY($1))`, names); err != nil {
		return fmt.Errorf("failed to delete undeclared flags: %w", err)
	}

	for _, name := range names {
		_, err := tx.Exec(ctx, `
			INSERT INTO feature_flags (name, description)
			VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET description = excluded.description
		`, name, e.declared[name])
		if err != nil {
			return fmt.Errorf("failed to sync flag %q: %w", name, err)
		}
	}

	e.cache.clear()
	return nil
}

// CurrentForTenant resolves the full flag set for a tenant: only declared
// names are returned, each with tenantValues[tenant] ?? globalValue; flags
// declared but missing from storage default to false.
func (e *Engine) CurrentForTenant(ctx context.Context, tenantName string) (map[string]bool, error) {
	stored, err := e.all(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(e.declared))
	for name := range e.declared {
		out[name] = false
	}
	for _, flag := range stored {
		if !e.IsDeclared(flag.Name) {
			// Stale rows between sync runs are filtered, not surfaced.
			continue
		}
		out[flag.Name] = resolve(flag, tenantName)
	}
	return out, nil
}

// GetDynamic resolves one flag with the same per-tenant precedence. An
// undeclared identifier is a programmer error.
func (e *Engine) GetDynamic(ctx context.Context, tenantName, name string) (bool, error) {
	if !e.IsDeclared(name) {
		return false, apperr.Server("featureFlag.getDynamic.unknownFlag", fmt.Errorf("flag %q is not declared", name))
	}

	stored, err := e.all(ctx)
	if err != nil {
		return false, err
	}
	for _, flag := range stored {
		if flag.Name == name {
			return resolve(flag, tenantName), nil
		}
	}
	return false, nil
}

// SetDynamic updates the global and/or per-tenant values of a flag and
// clears the cache.
func (e *Engine) SetDynamic(ctx context.Context, name string, global *bool, tenantValues map[string]bool) error {
	if !e.IsDeclared(name) {
		return apperr.BadRequest("featureFlag.setDynamic.unknownFlag", map[string]any{"name": name})
	}

	if err := e.store.Set(ctx, name, global, tenantValues); err != nil {
		return err
	}

	e.cache.clear()
	return nil
}

// List returns all stored declared flags, for the management interface.
func (e *Engine) List(ctx context.Context) ([]Flag, error) {
	stored, err := e.all(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Flag, 0, len(stored))
	for _, flag := range stored {
		if e.IsDeclared(flag.Name) {
			out = append(out, flag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// all reads every flag through the cache; an empty cache is primed with one
// storage read that warms the whole set.
func (e *Engine) all(ctx context.Context) ([]Flag, error) {
	if flags, ok := e.cache.get(); ok {
		return flags, nil
	}

	flags, err := e.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load feature flags: %w", err)
	}

	e.cache.put(flags)
	return flags, nil
}

func resolve(flag Flag, tenantName string) bool {
	if value, ok := flag.TenantValues[tenantName]; ok {
		return value
	}
	return flag.GlobalValue
}
