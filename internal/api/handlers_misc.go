package api

import (
	"net/http"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/tenant"
	"github.com/lightbase/lpc-backend/internal/user"
)

type currentTenantResponse struct {
	Tenant tenant.Tenant `json:"tenant"`
	URLs   currentURLs   `json:"urls"`
}

type currentURLs struct {
	PublicURL string `json:"publicUrl"`
	APIURL    string `json:"apiUrl"`
}

func (s *Server) handleCurrentTenant(w http.ResponseWriter, r *http.Request) {
	cur := TenantFromContext(r.Context())
	s.respond(w, http.StatusOK, currentTenantResponse{
		Tenant: cur.Tenant,
		URLs: currentURLs{
			PublicURL: cur.PublicURL,
			APIURL:    cur.APIURL,
		},
	})
}

// handleCurrentFlags is public: clients need flag values before login.
func (s *Server) handleCurrentFlags(w http.ResponseWriter, r *http.Request) {
	cur := TenantFromContext(r.Context())
	flags, err := s.flags.CurrentForTenant(r.Context(), cur.Tenant.Name)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"flags": flags})
}

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request, _ *user.User) {
	flags, err := s.flags.List(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"flags": flags})
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request, _ *user.User) {
	var body struct {
		Name         string          `json:"name"`
		GlobalValue  *bool           `json:"globalValue"`
		TenantValues map[string]bool `json:"tenantValues"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if body.Name == "" {
		s.respondError(w, r, apperr.BadRequest("featureFlag.set.invalidArguments", nil))
		return
	}

	if err := s.flags.SetDynamic(r.Context(), body.Name, body.GlobalValue, body.TenantValues); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, successBody)
}

// handleRequestMagicLink is unauthenticated on purpose: the caller proves
// membership of the workspace, not of any tenant.
func (s *Server) handleRequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SlackUserID string `json:"slackUserId"`
	}
	if err := decode(r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}

	result, err := s.mgmt.RequestMagicLink(r.Context(), TenantFromContext(r.Context()), body.SlackUserID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}
