package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Current is the per-request tenant context produced by resolution: the
// stored entity plus the URLs derived from the matched url-config entry.
type Current struct {
	Tenant    Tenant
	PublicURL string
	APIURL    string
	URLConfig URLEntry
}

// Service combines the static registry, the persistent store, and the
// pull-through cache.
type Service struct {
	Registry *Registry
	store    *Store
	cache    *Cache
}

// NewService creates the tenant service.
func NewService(registry *Registry, store *Store) *Service {
	return &Service{
		Registry: registry,
		store:    store,
		cache:    NewCache(),
	}
}

// ResolveRequest determines (tenant, publicUrl, apiUrl, urlConfig) from the
// request headers.
func (s *Service) ResolveRequest(ctx context.Context, host, origin, override string) (*Current, error) {
	resolved, err := s.Registry.ResolveRequest(host, origin, override)
	if err != nil {
		return nil, err
	}

	t, err := s.byKey(ctx, resolved.Entry.Name, func(c context.Context) (*Tenant, error) {
		return s.store.ByName(c, resolved.Entry.Name)
	})
	if err != nil {
		return nil, err
	}

	return &Current{
		Tenant:    *t,
		PublicURL: resolved.PublicURL,
		APIURL:    resolved.APIURL,
		URLConfig: resolved.URLConfig,
	}, nil
}

// ByName resolves a tenant for background contexts where no request headers
// exist. The tenant must still be enabled in the registry.
func (s *Service) ByName(ctx context.Context, name string) (*Current, error) {
	entry, ok := s.Registry.ByName(name)
	if !ok {
		return nil, ErrInvalidTenant
	}

	t, err := s.byKey(ctx, name, func(c context.Context) (*Tenant, error) {
		return s.store.ByName(c, name)
	})
	if err != nil {
		return nil, err
	}

	// Pick a deterministic url-config entry for link building in jobs.
	var publicURL string
	var cfg URLEntry
	for pub, c := range entry.URLConfig {
		if publicURL == "" || pub < publicURL {
			publicURL, cfg = pub, c
		}
	}

	return &Current{Tenant: *t, PublicURL: publicURL, APIURL: cfg.APIURL, URLConfig: cfg}, nil
}

// ByID resolves a tenant by id for background contexts.
func (s *Service) ByID(ctx context.Context, id uuid.UUID) (*Current, error) {
	t, err := s.byKey(ctx, id.String(), func(c context.Context) (*Tenant, error) {
		return s.store.ByID(c, id)
	})
	if err != nil {
		return nil, err
	}
	return s.ByName(ctx, t.Name)
}

// ClearCache drops all cached tenants; used after administrative updates.
func (s *Service) ClearCache() {
	s.cache.Clear()
}

func (s *Service) byKey(ctx context.Context, key string, fetch func(context.Context) (*Tenant, error)) (*Tenant, error) {
	cached, hit, sample := s.cache.Get(key)
	if hit && !sample {
		return cached, nil
	}

	if hit && sample {
		// Freshness sampling: compare updated_at and evict on drift.
		updatedAt, err := s.store.UpdatedAt(ctx, cached.ID)
		if err == nil && updatedAt.Equal(cached.UpdatedAt) {
			return cached, nil
		}
		s.cache.Evict(cached)
	}

	t, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Put(t)
	return t, nil
}
