package featureflag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lightbase/lpc-backend/internal/storage"
)

// Store is the PostgreSQL-backed Storage implementation.
type Store struct {
	db storage.DBTX
}

// NewStore creates a flag store over a pool or transaction.
func NewStore(db storage.DBTX) *Store {
	return &Store{db: db}
}

// All returns every stored flag.
func (s *Store) All(ctx context.Context) ([]Flag, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, global_value, tenant_values
		FROM feature_flags
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Flag
	for rows.Next() {
		var flag Flag
		var tenantValues []byte
		if err := rows.Scan(&flag.ID, &flag.Name, &flag.Description, &flag.GlobalValue, &tenantValues); err != nil {
			return nil, err
		}
		if len(tenantValues) > 0 {
			if err := json.Unmarshal(tenantValues, &flag.TenantValues); err != nil {
				return nil, fmt.Errorf("flag %s: invalid tenant values: %w", flag.Name, err)
			}
		}
		out = append(out, flag)
	}
	return out, rows.Err()
}

// Set updates the global value and/or merges per-tenant overrides.
func (s *Store) Set(ctx context.Context, name string, global *bool, tenantValues map[string]bool) error {
	if global != nil {
		tag, err := s.db.Exec(ctx, `UPDATE feature_flags SET global_value = $2, updated_at = now() WHERE name = $1`, name, *global)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("flag %q is not stored", name)
		}
	}

	if len(tenantValues) > 0 {
		merged, err := json.Marshal(tenantValues)
		if err != nil {
			return err
		}
		_, err = s.db.Exec(ctx, `
			UPDATE feature_flags
			SET tenant_values = coalesce(tenant_values, '{}'::jsonb) || $2::jsonb, updated_at = now()
			WHERE name = $1
		`, name, merged)
		if err != nil {
			return err
		}
	}

	return nil
}
