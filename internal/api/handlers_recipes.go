package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/scrapeworks/harvester/internal/scrape"
)

// recipeSummary is the list view: enough to pick a recipe without
// shipping the full selector tree.
type recipeSummary struct {
	Name          string `json:"name"`
	SiteURL       string `json:"siteUrl"`
	Version       string `json:"version,omitempty"`
	UsesBrowser   bool   `json:"usesBrowser"`
	HasVariations bool   `json:"hasVariations"`
}

func (s *Server) handleRecipeList(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	summaries := make([]recipeSummary, 0, len(all))
	for _, rcp := range all {
		summaries = append(summaries, recipeSummary{
			Name:          rcp.Name,
			SiteURL:       rcp.SiteURL,
			Version:       rcp.Version,
			UsesBrowser:   rcp.Behavior.UseBrowser,
			HasVariations: rcp.Selectors.Variations.Enabled(),
		})
	}
	s.respond(w, r, http.StatusOK, summaries, "")
}

func (s *Server) handleRecipeAll(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.registry.All(), "")
}

func (s *Server) handleRecipeNames(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.registry.Names(), "")
}

func (s *Server) handleRecipeGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rcp, ok := s.registry.Get(name)
	if !ok {
		s.respondError(w, r, &scrape.NotFoundError{Kind: "recipe", ID: name})
		return
	}
	s.respond(w, r, http.StatusOK, rcp, "")
}

func (s *Server) handleRecipeBySite(w http.ResponseWriter, r *http.Request) {
	siteURL := r.URL.Query().Get("siteUrl")
	if siteURL == "" {
		s.respondError(w, r, &scrape.ValidationError{Field: "siteUrl", Reason: "query parameter required"})
		return
	}
	rcp, ok := s.registry.GetBySite(siteURL)
	if !ok {
		s.respondError(w, r, &scrape.NotFoundError{Kind: "recipe for site", ID: siteURL})
		return
	}
	s.respond(w, r, http.StatusOK, rcp, "")
}

// handleRecipeValidate reports whether a recipe name resolves to a
// loaded, valid recipe.
func (s *Server) handleRecipeValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipeName string `json:"recipeName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RecipeName) == "" {
		s.respondError(w, r, &scrape.ValidationError{Field: "recipeName", Reason: "must not be empty"})
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{
		"isValid": s.registry.IsValid(req.RecipeName),
	}, "")
}
