// Package tenant resolves the current tenant for every request.
//
// The set of tenants is a static document validated at startup. Entries whose
// environment does not match the deployment environment are dropped; tenants
// without a single remaining url-config entry are disabled. Resolution maps
// the request's host/origin headers onto the precomputed indexes.
package tenant

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/config"
)

// OriginHeader is the override header SSR frontends send in development and
// acceptance environments.
const OriginHeader = "x-lpc-tenant-origin"

// ErrInvalidTenant is returned whenever a request cannot be mapped onto an
// enabled tenant.
var ErrInvalidTenant = apperr.BadRequest("multitenant.require.invalidTenant", nil)

// URLEntry is one url-config entry of a tenant: a public URL bound to an
// environment and an api URL.
type URLEntry struct {
	Environment string `json:"environment"`
	APIURL      string `json:"apiUrl"`
}

// Document is the on-disk shape of the tenant configuration.
type Document struct {
	Tenants map[string]DocumentTenant `json:"tenants"`
}

// DocumentTenant is one tenant declaration.
type DocumentTenant struct {
	Data      map[string]any      `json:"data"`
	URLConfig map[string]URLEntry `json:"urlConfig"`
}

// Entry is an enabled tenant after environment filtering.
type Entry struct {
	Name string
	Data map[string]any
	// URLConfig is keyed by public URL and only contains entries matching
	// the deployment environment.
	URLConfig map[string]URLEntry
}

// Registry holds the validated tenant configuration and its indexes. It is
// built once at startup and read concurrently afterwards.
type Registry struct {
	env     string
	byName  map[string]*Entry
	byPub   map[string]*Entry
	byAPI   map[string]*Entry
	entries []*Entry

	// hasUniqueAPIURLs is true iff every enabled apiUrl appears exactly once
	// across all tenants, which allows resolution by request host alone.
	hasUniqueAPIURLs bool
}

// LoadRegistry reads and validates the tenant document at path.
func LoadRegistry(path, environment string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant config: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tenant config %s: %w", path, err)
	}

	return NewRegistry(doc, environment)
}

// NewRegistry validates a document against the deployment environment and
// precomputes the lookup indexes.
func NewRegistry(doc Document, environment string) (*Registry, error) {
	r := &Registry{
		env:    environment,
		byName: make(map[string]*Entry),
		byPub:  make(map[string]*Entry),
		byAPI:  make(map[string]*Entry),
	}

	apiCounts := make(map[string]int)

	// Deterministic iteration keeps validation errors stable.
	names := make([]string, 0, len(doc.Tenants))
	for name := range doc.Tenants {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dt := doc.Tenants[name]
		entry := &Entry{
			Name:      name,
			Data:      dt.Data,
			URLConfig: make(map[string]URLEntry),
		}

		for publicURL, cfg := range dt.URLConfig {
			if cfg.Environment != environment {
				continue
			}
			if cfg.APIURL == "" {
				return nil, fmt.Errorf("tenant %q: urlConfig %q has no apiUrl", name, publicURL)
			}
			if _, exists := r.byPub[publicURL]; exists {
				return nil, fmt.Errorf("tenant %q: public url %q already used by another tenant", name, publicURL)
			}
			entry.URLConfig[publicURL] = cfg
			r.byPub[publicURL] = entry
			r.byAPI[cfg.APIURL] = entry
			apiCounts[cfg.APIURL]++
		}

		// No url-config entry for this environment disables the tenant.
		if len(entry.URLConfig) == 0 {
			continue
		}

		r.byName[name] = entry
		r.entries = append(r.entries, entry)
	}

	if len(r.entries) == 0 {
		return nil, fmt.Errorf("tenant config: no tenant is enabled for environment %q", environment)
	}

	r.hasUniqueAPIURLs = true
	for _, count := range apiCounts {
		if count > 1 {
			r.hasUniqueAPIURLs = false
			break
		}
	}

	return r, nil
}

// Names returns the enabled tenant names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByName returns the enabled entry for a tenant name.
func (r *Registry) ByName(name string) (*Entry, bool) {
	entry, ok := r.byName[name]
	return entry, ok
}

// ResolvedURLs is the outcome of request resolution: the matched entry plus
// the concrete URLs for this request.
type ResolvedURLs struct {
	Entry     *Entry
	PublicURL string
	APIURL    string
	URLConfig URLEntry
}

// ResolveRequest maps request headers onto a tenant. See the resolution
// order in the package documentation; any miss returns ErrInvalidTenant.
func (r *Registry) ResolveRequest(host, origin, override string) (*ResolvedURLs, error) {
	host = normalizeHost(host)
	origin = normalizeHost(origin)
	override = normalizeHost(override)

	if host == "" {
		return nil, ErrInvalidTenant
	}

	// Development/acceptance SSR setups address the api through tunnels, so
	// the override wins and the host becomes the api URL.
	if override != "" && (r.env == config.EnvDevelopment || r.env == config.EnvAcceptance) {
		entry, ok := r.byPub[override]
		if !ok {
			return nil, ErrInvalidTenant
		}
		cfg := entry.URLConfig[override]
		return &ResolvedURLs{Entry: entry, PublicURL: override, APIURL: host, URLConfig: cfg}, nil
	}

	if r.hasUniqueAPIURLs {
		entry, ok := r.byAPI[host]
		if !ok {
			return nil, ErrInvalidTenant
		}

		publicURL := origin
		if _, owns := entry.URLConfig[publicURL]; !owns {
			publicURL = ""
			for pub, cfg := range entry.URLConfig {
				if cfg.APIURL == host {
					publicURL = pub
					break
				}
			}
			if publicURL == "" {
				return nil, ErrInvalidTenant
			}
		}

		return &ResolvedURLs{
			Entry:     entry,
			PublicURL: publicURL,
			APIURL:    host,
			URLConfig: entry.URLConfig[publicURL],
		}, nil
	}

	// Shared api URLs: the origin decides which tenant this is.
	publicURL := origin
	if override != "" {
		publicURL = override
	}
	entry, ok := r.byPub[publicURL]
	if !ok {
		return nil, ErrInvalidTenant
	}
	cfg := entry.URLConfig[publicURL]

	return &ResolvedURLs{Entry: entry, PublicURL: publicURL, APIURL: cfg.APIURL, URLConfig: cfg}, nil
}

// normalizeHost strips the scheme and any path from a header value, so both
// "https://app.acme.example" and "app.acme.example" match config keys.
func normalizeHost(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if idx := strings.Index(value, "://"); idx >= 0 {
		value = value[idx+3:]
	}
	if idx := strings.IndexByte(value, '/'); idx >= 0 {
		value = value[:idx]
	}
	return strings.ToLower(value)
}
