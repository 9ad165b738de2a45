package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, stats, "")
}

// handleStorageJob returns the stored result for a job, CSV bodies
// included. A nil variation CSV stays null so clients can tell "no
// variation file" apart from an empty one.
func (s *Server) handleStorageJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	result, err := s.store.GetResult(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var variationCSV *string
	if result.VariationCSV != nil {
		v := string(result.VariationCSV)
		variationCSV = &v
	}
	s.respond(w, r, http.StatusOK, map[string]any{
		"jobId":          result.JobID,
		"parentCsv":      string(result.ParentCSV),
		"variationCsv":   variationCSV,
		"productCount":   result.ProductCount,
		"variationCount": result.VariationCount,
		"generatedAt":    result.GeneratedAt,
		"metadata":       result.Metadata,
	}, "")
}

func (s *Server) handleStorageClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, nil, "storage cleared")
}
