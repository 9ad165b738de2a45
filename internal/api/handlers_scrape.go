package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scrapeworks/harvester/internal/scrape"
)

// initRequest is the POST /api/scrape/init body.
type initRequest struct {
	SiteURL string            `json:"siteUrl"`
	Recipe  string            `json:"recipe"`
	Options scrape.JobOptions `json:"options"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	jobID, err := s.orch.Init(r.Context(), req.SiteURL, req.Recipe, req.Options)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusAccepted, map[string]string{"jobId": jobID}, "scrape job created")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetStatus(chi.URLParam(r, "jobId"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, job, "")
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.orch.ListJobs(), "")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if err := s.orch.Cancel(jobID); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]string{"jobId": jobID}, "cancellation requested")
}

// handleDownload streams a generated CSV artifact. The variation
// artifact may legitimately be absent; that is a 404, distinct from an
// empty file.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	kind := chi.URLParam(r, "type")
	if kind != "parent" && kind != "variation" {
		s.respondError(w, r, &scrape.ValidationError{Field: "type", Reason: "must be parent or variation"})
		return
	}

	result, err := s.store.GetResult(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	body := result.ParentCSV
	if kind == "variation" {
		body = result.VariationCSV
		if body == nil {
			s.respondError(w, r, &scrape.NotFoundError{Kind: "variation csv", ID: jobID})
			return
		}
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", jobID+"-"+kind+".csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.tracker.Overall(), "")
}

func (s *Server) handlePerformanceLive(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, s.tracker.Snapshot(), "")
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]any{
		"recommendations": s.tracker.Recommendations(),
	}, "")
}
