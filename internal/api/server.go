// Package api exposes the REST surface of the scrape engine: job
// control, recipe inspection, artifact download, performance views, and
// storage administration.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/scrapeworks/harvester/internal/metrics"
	"github.com/scrapeworks/harvester/internal/orchestrator"
	"github.com/scrapeworks/harvester/internal/recipe"
	"github.com/scrapeworks/harvester/internal/scrape"
	"github.com/scrapeworks/harvester/internal/storage"
	"github.com/scrapeworks/harvester/internal/telemetry"
)

// Options configures the HTTP layer.
type Options struct {
	APIKey string // empty disables authentication
}

// Server wires the orchestrator, registry, storage, and telemetry into
// an http.Handler.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *recipe.Registry
	store    storage.Provider
	tracker  *telemetry.Tracker
	clock    scrape.Clock
	logger   *zap.Logger
	opts     Options
}

// NewServer constructs the API server.
func NewServer(
	orch *orchestrator.Orchestrator,
	registry *recipe.Registry,
	store storage.Provider,
	tracker *telemetry.Tracker,
	clock scrape.Clock,
	logger *zap.Logger,
	opts Options,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		orch:     orch,
		registry: registry,
		store:    store,
		tracker:  tracker,
		clock:    clock,
		logger:   logger,
		opts:     opts,
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Unauthenticated operational endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.opts.APIKey != "" {
			r.Use(apiKeyAuth(s.opts.APIKey))
		}

		r.Route("/scrape", func(r chi.Router) {
			r.Post("/init", s.handleInit)
			r.Get("/status/{jobId}", s.handleStatus)
			r.Get("/jobs", s.handleJobs)
			r.Post("/cancel/{jobId}", s.handleCancel)
			r.Get("/download/{jobId}/{type}", s.handleDownload)
			r.Get("/performance", s.handlePerformance)
			r.Get("/performance/live", s.handlePerformanceLive)
			r.Get("/performance/recommendations", s.handleRecommendations)
		})

		r.Route("/recipes", func(r chi.Router) {
			r.Get("/list", s.handleRecipeList)
			r.Get("/all", s.handleRecipeAll)
			r.Get("/names", s.handleRecipeNames)
			r.Get("/get/{name}", s.handleRecipeGet)
			r.Get("/getBySite", s.handleRecipeBySite)
			r.Post("/validate", s.handleRecipeValidate)
		})

		r.Route("/storage", func(r chi.Router) {
			r.Get("/stats", s.handleStorageStats)
			r.Get("/job/{jobId}", s.handleStorageJob)
			r.Delete("/clear", s.handleStorageClear)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK, map[string]string{"status": "ok"}, "")
}

// handleReadyz reports ready once storage answers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Stats(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]string{"status": "ready"}, "")
}
