// Package orchestrator owns the job lifecycle: creation, state
// transitions, progress aggregation, and cancellation. It is the single
// writer of Job records; every other component reads through it or
// reports through its update API.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrapeworks/harvester/internal/metrics"
	"github.com/scrapeworks/harvester/internal/recipe"
	"github.com/scrapeworks/harvester/internal/scheduler"
	"github.com/scrapeworks/harvester/internal/scrape"
	"github.com/scrapeworks/harvester/internal/storage"
)

// Runner executes the extraction pipeline for one job. Implemented by
// *scheduler.Scheduler; faked in tests.
type Runner interface {
	Run(ctx context.Context, job scrape.Job, rcp *recipe.Recipe, flag *scrape.CancelFlag, rep scheduler.Reporter) (scheduler.Result, error)
}

// CompletionObserver receives throughput figures for each successfully
// completed job. Implemented by the telemetry tracker.
type CompletionObserver interface {
	RecordCompletion(products int, duration time.Duration)
}

// Orchestrator tracks all jobs in memory and mirrors every mutation to
// the storage provider so state survives restarts.
type Orchestrator struct {
	mu   sync.RWMutex
	jobs map[string]*jobHandle

	registry *recipe.Registry
	runner   Runner
	store    storage.Provider
	clock    scrape.Clock
	idGen    scrape.IDGenerator
	logger   *zap.Logger
	observer CompletionObserver

	baseCtx context.Context
	wg      sync.WaitGroup
}

// jobHandle pairs a job record with its run-control state. The handle
// mutex serializes all mutations of the record, so concurrent
// reportProgress calls from in-flight tasks never lose updates.
type jobHandle struct {
	mu     sync.Mutex
	job    scrape.Job
	flag   scrape.CancelFlag
	cancel context.CancelFunc
}

// New constructs an Orchestrator and restores persisted jobs. Jobs that
// were pending or running when the previous process died are marked
// failed; their goroutines are gone and cannot be resumed.
func New(
	ctx context.Context,
	registry *recipe.Registry,
	runner Runner,
	store storage.Provider,
	clock scrape.Clock,
	idGen scrape.IDGenerator,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		jobs:     make(map[string]*jobHandle),
		registry: registry,
		runner:   runner,
		store:    store,
		clock:    clock,
		idGen:    idGen,
		logger:   logger,
		baseCtx:  ctx,
	}
	if err := o.restore(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// SetCompletionObserver registers the telemetry sink. Must be called
// before any job is started.
func (o *Orchestrator) SetCompletionObserver(obs CompletionObserver) {
	o.observer = obs
}

func (o *Orchestrator) restore(ctx context.Context) error {
	persisted, err := o.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	for _, job := range persisted {
		if !job.Status.Terminal() {
			job.Status = scrape.JobStatusFailed
			job.Error = "interrupted by process restart"
			now := o.clock.Now()
			job.UpdatedAt = now
			job.CompletedAt = &now
			if err := o.store.SaveJob(ctx, job); err != nil {
				o.logger.Warn("persist restored job failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		o.jobs[job.ID] = &jobHandle{job: job}
	}
	if len(persisted) > 0 {
		o.logger.Info("jobs restored from storage", zap.Int("count", len(persisted)))
	}
	return nil
}

// Init validates the request, creates a pending job, and hands it to
// the runner asynchronously. It returns the new job ID immediately.
func (o *Orchestrator) Init(ctx context.Context, siteURL, recipeName string, options scrape.JobOptions) (string, error) {
	siteURL = strings.TrimSpace(siteURL)
	if siteURL == "" {
		return "", &scrape.ValidationError{Field: "siteUrl", Reason: "must not be empty"}
	}
	u, err := url.Parse(siteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &scrape.ValidationError{Field: "siteUrl", Reason: "must be an absolute http(s) URL"}
	}
	if strings.TrimSpace(recipeName) == "" {
		return "", &scrape.ValidationError{Field: "recipe", Reason: "must not be empty"}
	}
	rcp, ok := o.registry.Get(recipeName)
	if !ok {
		// A recipe name may also resolve through the site family.
		if rcp, ok = o.registry.GetBySite(siteURL); !ok {
			return "", &scrape.RecipeError{Name: recipeName, Err: fmt.Errorf("not found")}
		}
	}

	id, err := o.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := o.clock.Now()
	job := scrape.Job{
		ID:         id,
		SiteURL:    siteURL,
		RecipeName: recipeName,
		Status:     scrape.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		Options:    options.Clamp(),
		Metadata:   map[string]string{"resolvedRecipe": rcp.Name},
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	handle := &jobHandle{job: job, cancel: cancel}

	o.mu.Lock()
	o.jobs[id] = handle
	o.mu.Unlock()
	o.persist(ctx, job)

	o.wg.Add(1)
	go o.runJob(runCtx, handle, rcp)

	o.logger.Info("job created",
		zap.String("job_id", id), zap.String("site", siteURL), zap.String("recipe", rcp.Name))
	return id, nil
}

func (o *Orchestrator) runJob(ctx context.Context, handle *jobHandle, rcp *recipe.Recipe) {
	defer o.wg.Done()

	// The cancel flag may already be raised if the job was cancelled
	// while still pending; in that case the transition happened in
	// Cancel and there is nothing to run.
	if !o.transitionRunning(handle) {
		return
	}

	job := o.Snapshot(handle)
	result, err := o.runner.Run(ctx, job, rcp, &handle.flag, o)
	switch {
	case err == scrape.ErrCancelled || handle.flag.Raised():
		// Cancelled: by policy, accumulated records are discarded.
		o.finalize(handle, scrape.JobStatusCancelled, "", nil)
	case err != nil:
		o.finalize(handle, scrape.JobStatusFailed, err.Error(), resultArtifacts(job.ID, result, o.clock))
	default:
		o.finalize(handle, scrape.JobStatusCompleted, "", resultArtifacts(job.ID, result, o.clock))
	}
}

func resultArtifacts(jobID string, result scheduler.Result, clock scrape.Clock) *storage.JobResult {
	if len(result.ParentCSV) == 0 {
		return nil
	}
	return &storage.JobResult{
		JobID:          jobID,
		ParentCSV:      result.ParentCSV,
		VariationCSV:   result.VariationCSV,
		ProductCount:   len(result.Parents),
		VariationCount: len(result.Variations),
		GeneratedAt:    clock.Now(),
	}
}

func (o *Orchestrator) transitionRunning(handle *jobHandle) bool {
	handle.mu.Lock()
	if handle.job.Status != scrape.JobStatusPending {
		handle.mu.Unlock()
		return false
	}
	now := o.clock.Now()
	handle.job.Status = scrape.JobStatusRunning
	handle.job.StartedAt = &now
	handle.job.UpdatedAt = now
	job := handle.job
	handle.mu.Unlock()
	o.persist(o.baseCtx, job)
	return true
}

// finalize applies a terminal transition exactly once. Calling it on an
// already-terminal job is a logged no-op: cooperative cancellation
// legitimately races with natural completion.
func (o *Orchestrator) finalize(handle *jobHandle, status scrape.JobStatus, errText string, artifacts *storage.JobResult) {
	handle.mu.Lock()
	if handle.job.Status.Terminal() {
		handle.mu.Unlock()
		o.logger.Debug("terminal transition ignored on terminal job",
			zap.String("job_id", handle.job.ID), zap.String("requested", string(status)))
		return
	}
	now := o.clock.Now()
	handle.job.Status = status
	handle.job.Error = errText
	handle.job.UpdatedAt = now
	handle.job.CompletedAt = &now
	if status == scrape.JobStatusCompleted {
		handle.job.Progress = 1.0
	}
	job := handle.job
	handle.mu.Unlock()

	if handle.cancel != nil {
		handle.cancel()
	}
	o.persist(o.baseCtx, job)
	if artifacts != nil {
		if err := o.store.SaveResult(o.baseCtx, *artifacts); err != nil {
			o.logger.Error("persist job result failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if status == scrape.JobStatusCompleted && o.observer != nil && job.StartedAt != nil {
		products := 0
		if artifacts != nil {
			products = artifacts.ProductCount
		}
		o.observer.RecordCompletion(products, now.Sub(*job.StartedAt))
	}
	metrics.ObserveJob(string(status))
	o.logger.Info("job finished",
		zap.String("job_id", job.ID), zap.String("status", string(status)), zap.String("error", errText))
}

// ReportProgress is called by the scheduler after each batch. Progress
// is clamped to [0,1] and never decreases while the job is running.
func (o *Orchestrator) ReportProgress(jobID string, processed, total int) {
	handle, ok := o.handle(jobID)
	if !ok {
		return
	}
	handle.mu.Lock()
	if handle.job.Status != scrape.JobStatusRunning {
		handle.mu.Unlock()
		return
	}
	if total > 0 {
		t := total
		handle.job.TotalProducts = &t
		if processed > total {
			processed = total
		}
		fraction := float64(processed) / float64(total)
		if fraction > handle.job.Progress {
			handle.job.Progress = fraction
		}
	}
	if processed > handle.job.ProcessedProducts {
		handle.job.ProcessedProducts = processed
	}
	handle.job.UpdatedAt = o.clock.Now()
	job := handle.job
	handle.mu.Unlock()
	o.persist(o.baseCtx, job)
}

// GetStatus returns a snapshot of the job.
func (o *Orchestrator) GetStatus(jobID string) (scrape.Job, error) {
	handle, ok := o.handle(jobID)
	if !ok {
		return scrape.Job{}, &scrape.NotFoundError{Kind: "job", ID: jobID}
	}
	return o.Snapshot(handle), nil
}

// ListJobs returns all known jobs, most recently created first.
func (o *Orchestrator) ListJobs() []scrape.Job {
	o.mu.RLock()
	handles := make([]*jobHandle, 0, len(o.jobs))
	for _, h := range o.jobs {
		handles = append(handles, h)
	}
	o.mu.RUnlock()

	jobs := make([]scrape.Job, 0, len(handles))
	for _, h := range handles {
		jobs = append(jobs, o.Snapshot(h))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Cancel requests cancellation. A pending job transitions immediately;
// a running job gets its flag raised and transitions once the scheduler
// acknowledges at the next batch boundary. Cancelling a terminal job is
// an InvalidStateError, reported softly by the API layer.
func (o *Orchestrator) Cancel(jobID string) error {
	handle, ok := o.handle(jobID)
	if !ok {
		return &scrape.NotFoundError{Kind: "job", ID: jobID}
	}
	handle.mu.Lock()
	status := handle.job.Status
	handle.mu.Unlock()

	switch status {
	case scrape.JobStatusPending:
		handle.flag.Set()
		o.finalize(handle, scrape.JobStatusCancelled, "", nil)
		return nil
	case scrape.JobStatusRunning:
		handle.flag.Set()
		o.logger.Info("cancellation requested", zap.String("job_id", jobID))
		return nil
	default:
		return &scrape.InvalidStateError{JobID: jobID, Status: status, Op: "cancel"}
	}
}

// Snapshot returns a copy of the handle's job record.
func (o *Orchestrator) Snapshot(handle *jobHandle) scrape.Job {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	job := handle.job
	if handle.job.TotalProducts != nil {
		t := *handle.job.TotalProducts
		job.TotalProducts = &t
	}
	return job
}

// Drain waits for all running jobs to finish, bounded by ctx.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain jobs: %w", ctx.Err())
	}
}

func (o *Orchestrator) handle(jobID string) (*jobHandle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.jobs[jobID]
	return h, ok
}

func (o *Orchestrator) persist(ctx context.Context, job scrape.Job) {
	if err := o.store.SaveJob(ctx, job); err != nil {
		o.logger.Error("persist job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
