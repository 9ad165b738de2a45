package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapeworks/harvester/internal/metrics"
	"github.com/scrapeworks/harvester/internal/orchestrator"
	"github.com/scrapeworks/harvester/internal/recipe"
	"github.com/scrapeworks/harvester/internal/scheduler"
	"github.com/scrapeworks/harvester/internal/scrape"
	"github.com/scrapeworks/harvester/internal/storage"
	memorystore "github.com/scrapeworks/harvester/internal/storage/memory"
	"github.com/scrapeworks/harvester/internal/telemetry"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

// blockedRunner never finishes on its own; jobs stay running until
// cancelled, which keeps handler tests deterministic.
type blockedRunner struct{}

func (blockedRunner) Run(ctx context.Context, _ scrape.Job, _ *recipe.Recipe, flag *scrape.CancelFlag, _ scheduler.Reporter) (scheduler.Result, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return scheduler.Result{}, ctx.Err()
		case <-ticker.C:
			if flag.Raised() {
				return scheduler.Result{}, scrape.ErrCancelled
			}
		}
	}
}

type testEnv struct {
	handler http.Handler
	store   *memorystore.Store
	orch    *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	store := memorystore.New()
	registry := recipe.NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register(&recipe.Recipe{
		Name:    "shop",
		SiteURL: "https://shop.test",
		Selectors: recipe.Selectors{
			Title: recipe.FieldSelector{Selector: "h1"},
			Price: recipe.FieldSelector{Selector: ".price"},
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := fakeClock{t: time.Unix(5000, 0)}
	orch, err := orchestrator.New(ctx, registry, blockedRunner{}, store,
		clock, &seqIDs{}, zap.NewNop())
	require.NoError(t, err)

	tracker := telemetry.New(orch, clock, telemetry.Config{})
	server := NewServer(orch, registry, store, tracker, clock, zap.NewNop(), opts)
	return &testEnv{handler: server.Router(), store: store, orch: orch}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealthzEnvelope(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	rec, body := doJSON(t, env.handler, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.RequestID)
	assert.False(t, body.Timestamp.IsZero())
}

func TestInitAndStatus(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	rec, body := doJSON(t, env.handler, http.MethodPost, "/api/scrape/init", map[string]any{
		"siteUrl": "https://shop.test/collections",
		"recipe":  "shop",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, body.Success)

	data, ok := body.Data.(map[string]any)
	require.True(t, ok)
	jobID, _ := data["jobId"].(string)
	require.NotEmpty(t, jobID)

	rec, body = doJSON(t, env.handler, http.MethodGet, "/api/scrape/status/"+jobID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, body.Success)
	job, ok := body.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, jobID, job["id"])
}

func TestInitValidationError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	rec, body := doJSON(t, env.handler, http.MethodPost, "/api/scrape/init", map[string]any{
		"siteUrl": "",
		"recipe":  "shop",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, body.Success)
	assert.Contains(t, body.Error, "siteUrl")
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	rec, body := doJSON(t, env.handler, http.MethodGet, "/api/scrape/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, body.Success)
}

func TestCancelFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	_, body := doJSON(t, env.handler, http.MethodPost, "/api/scrape/init", map[string]any{
		"siteUrl": "https://shop.test",
		"recipe":  "shop",
	})
	jobID := body.Data.(map[string]any)["jobId"].(string)

	rec, body := doJSON(t, env.handler, http.MethodPost, "/api/scrape/cancel/"+jobID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)

	require.Eventually(t, func() bool {
		job, err := env.orch.GetStatus(jobID)
		return err == nil && job.Status == scrape.JobStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	// A second cancel hits a terminal job.
	rec, body = doJSON(t, env.handler, http.MethodPost, "/api/scrape/cancel/"+jobID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, body.Success)
}

func TestDownload(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	require.NoError(t, env.store.SaveResult(context.Background(), storage.JobResult{
		JobID:        "job-x",
		ParentCSV:    []byte("sku,title\nA-1,Widget\n"),
		ProductCount: 1,
		GeneratedAt:  time.Unix(5000, 0),
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/scrape/download/job-x/parent", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "job-x-parent.csv")
	assert.Equal(t, "sku,title\nA-1,Widget\n", rec.Body.String())

	// The variation artifact was never generated: absent, not empty.
	rec, body := doJSON(t, env.handler, http.MethodGet, "/api/scrape/download/job-x/variation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, body.Success)

	rec, _ = doJSON(t, env.handler, http.MethodGet, "/api/scrape/download/job-x/sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecipesEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	rec, body := doJSON(t, env.handler, http.MethodGet, "/api/recipes/names", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"shop"}, body.Data)

	rec, body = doJSON(t, env.handler, http.MethodGet, "/api/recipes/list", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	summaries := body.Data.([]any)
	require.Len(t, summaries, 1)
	assert.Equal(t, "shop", summaries[0].(map[string]any)["name"])

	rec, body = doJSON(t, env.handler, http.MethodGet, "/api/recipes/get/shop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shop", body.Data.(map[string]any)["name"])

	rec, _ = doJSON(t, env.handler, http.MethodGet, "/api/recipes/get/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = doJSON(t, env.handler, http.MethodGet, "/api/recipes/getBySite?siteUrl=https://www.shop.test/x", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shop", body.Data.(map[string]any)["name"])

	rec, _ = doJSON(t, env.handler, http.MethodGet, "/api/recipes/getBySite", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecipeValidate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	rec, body := doJSON(t, env.handler, http.MethodPost, "/api/recipes/validate", map[string]any{
		"recipeName": "shop",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body.Data.(map[string]any)["isValid"])

	rec, body = doJSON(t, env.handler, http.MethodPost, "/api/recipes/validate", map[string]any{
		"recipeName": "ghost",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body.Data.(map[string]any)["isValid"])

	rec, _ = doJSON(t, env.handler, http.MethodPost, "/api/recipes/validate", map[string]any{
		"recipeName": "",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})
	require.NoError(t, env.store.SaveResult(context.Background(), storage.JobResult{
		JobID:     "job-x",
		ParentCSV: []byte("sku\n"),
	}))

	rec, body := doJSON(t, env.handler, http.MethodGet, "/api/storage/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body.Data.(map[string]any)["totalResults"])

	rec, body = doJSON(t, env.handler, http.MethodGet, "/api/storage/job/job-x", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := body.Data.(map[string]any)
	assert.Equal(t, "sku\n", data["parentCsv"])
	assert.Nil(t, data["variationCsv"], "never generated means null, not empty")

	rec, _ = doJSON(t, env.handler, http.MethodDelete, "/api/storage/clear", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, env.handler, http.MethodGet, "/api/storage/job/job-x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPerformanceEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{})

	rec, body := doJSON(t, env.handler, http.MethodGet, "/api/scrape/performance", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)

	rec, body = doJSON(t, env.handler, http.MethodGet, "/api/scrape/performance/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	live := body.Data.(map[string]any)
	assert.Contains(t, live, "activeJobs")
	assert.Contains(t, live, "host")

	rec, body = doJSON(t, env.handler, http.MethodGet, "/api/scrape/performance/recommendations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body.Data.(map[string]any), "recommendations")
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Options{APIKey: "sekrit"})

	// Health stays open.
	rec, _ := doJSON(t, env.handler, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// API routes require the key.
	rec, _ = doJSON(t, env.handler, http.MethodGet, "/api/scrape/jobs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/scrape/jobs", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec2 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)
}
