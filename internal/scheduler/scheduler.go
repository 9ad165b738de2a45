// Package scheduler executes one job's extraction pipeline under
// bounded concurrency and adaptive rate limiting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/scrapeworks/harvester/internal/csvgen"
	"github.com/scrapeworks/harvester/internal/extract"
	"github.com/scrapeworks/harvester/internal/metrics"
	"github.com/scrapeworks/harvester/internal/normalize"
	"github.com/scrapeworks/harvester/internal/recipe"
	"github.com/scrapeworks/harvester/internal/scrape"
)

// Reporter receives progress updates after each batch. The orchestrator
// implements it; the scheduler never mutates job state directly.
type Reporter interface {
	ReportProgress(jobID string, processed, total int)
}

// Config carries the pipeline defaults that per-job options and recipe
// behavior refine.
type Config struct {
	UserAgent          string
	FetchTimeout       time.Duration
	MaxDelay           time.Duration
	MaxProductsDefault int
	MaxPagesDefault    int
	JobBudget          time.Duration
	SkipFailThreshold  float64
}

// Result is what a finished (or partially finished) run hands back.
// VariationCSV is nil when the recipe produced no variation data.
type Result struct {
	Parents         []scrape.ProductRecord
	Variations      []scrape.VariationRecord
	ParentCSV       []byte
	VariationCSV    []byte
	Skipped         int
	TotalDiscovered int
}

// Scheduler drives the fetch→extract→normalize loop for jobs. One
// Scheduler serves all jobs; per-job state lives in each Run call.
type Scheduler struct {
	httpFetcher    scrape.Fetcher
	browserFetcher scrape.Fetcher
	retry          *scrape.ExponentialRetryPolicy
	clock          scrape.Clock
	logger         *zap.Logger
	cfg            Config
}

// New constructs a Scheduler. browserFetcher may be nil when the
// headless path is disabled; recipes requesting it fall back to HTTP.
func New(
	httpFetcher scrape.Fetcher,
	browserFetcher scrape.Fetcher,
	clock scrape.Clock,
	logger *zap.Logger,
	cfg Config,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SkipFailThreshold <= 0 {
		cfg.SkipFailThreshold = 0.5
	}
	if cfg.JobBudget <= 0 {
		cfg.JobBudget = 10 * time.Minute
	}
	return &Scheduler{
		httpFetcher:    httpFetcher,
		browserFetcher: browserFetcher,
		retry:          scrape.NewExponentialRetryPolicy(),
		clock:          clock,
		logger:         logger,
		cfg:            cfg,
	}
}

// Run executes the whole pipeline for one job and returns the
// accumulated result. On scrape.ErrCancelled the result is empty by
// policy (cancel means "stop and produce nothing"); on other fatal
// errors the partial result is still returned so the orchestrator can
// persist it alongside the failure.
func (s *Scheduler) Run(
	ctx context.Context,
	job scrape.Job,
	rcp *recipe.Recipe,
	flag *scrape.CancelFlag,
	rep Reporter,
) (Result, error) {
	opts := job.Options.Clamp()
	budget := s.cfg.JobBudget
	if opts.TimeoutSeconds > 0 {
		budget = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	fetcher, path := s.pickFetcher(rcp)
	logger := s.logger.With(zap.String("job_id", job.ID), zap.String("recipe", rcp.Name))

	run := &jobRun{
		sched:   s,
		job:     job,
		opts:    opts,
		rcp:     rcp,
		adapter: extract.New(rcp),
		fetcher: fetcher,
		path:    path,
		flag:    flag,
		rep:     rep,
		logger:  logger,
		acc:     normalize.NewAccumulator(),
		delay:   newDelayController(time.Duration(opts.DelayMs)*time.Millisecond, s.cfg.MaxDelay),
		limiter: rateLimiterFor(rcp),
	}
	return run.execute(ctx)
}

func (s *Scheduler) pickFetcher(rcp *recipe.Recipe) (scrape.Fetcher, string) {
	if rcp.Behavior.UseBrowser && s.browserFetcher != nil {
		return s.browserFetcher, "browser"
	}
	return s.httpFetcher, "http"
}

func rateLimiterFor(rcp *recipe.Recipe) *rate.Limiter {
	if rcp.Behavior.RateLimitRPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rcp.Behavior.RateLimitRPS), 1)
}

// jobRun is the per-job pipeline state.
type jobRun struct {
	sched   *Scheduler
	job     scrape.Job
	opts    scrape.JobOptions
	rcp     *recipe.Recipe
	adapter *extract.Adapter
	fetcher scrape.Fetcher
	path    string
	flag    *scrape.CancelFlag
	rep     Reporter
	logger  *zap.Logger
	acc     *normalize.Accumulator
	delay   *delayController
	limiter *rate.Limiter

	processed atomic.Int64
	skipped   atomic.Int64
}

func (r *jobRun) execute(ctx context.Context) (Result, error) {
	items, err := r.discover(ctx)
	if err != nil {
		return Result{}, err
	}
	total := len(items)
	r.logger.Info("work items discovered", zap.Int("count", total))
	r.rep.ReportProgress(r.job.ID, 0, total)

	batches := partition(items, r.opts.BatchSize)
	sem := semaphore.NewWeighted(int64(r.maxConcurrent()))

	for _, batch := range batches {
		// Cancellation is cooperative: polled here, at the batch
		// boundary, never mid-fetch.
		if r.flag.Raised() {
			return Result{}, scrape.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return r.finish(total, budgetError(err))
		}

		g, batchCtx := errgroup.WithContext(ctx)
		for _, item := range batch {
			item := item
			g.Go(func() error {
				if err := sem.Acquire(batchCtx, 1); err != nil {
					return nil //nolint:nilerr // budget expiry is handled at the boundary
				}
				defer sem.Release(1)
				r.processItem(batchCtx, item)
				return nil
			})
		}
		_ = g.Wait()

		r.rep.ReportProgress(r.job.ID, int(r.processed.Load()+r.skipped.Load()), total)
		newDelay := r.delay.Adjust()
		metrics.ObserveAdaptiveDelay(r.job.SiteURL, newDelay)
	}

	return r.finish(total, nil)
}

func (r *jobRun) maxConcurrent() int {
	mc := r.opts.MaxConcurrent
	if b := r.rcp.Behavior.MaxConcurrent; b > 0 && b < mc {
		mc = b
	}
	return mc
}

// discover fetches listing pages sequentially, collecting product URLs
// up to the page and product caps. When the start page yields no
// product links it is treated as a single product page.
func (r *jobRun) discover(ctx context.Context) ([]scrape.WorkItem, error) {
	maxProducts := r.opts.MaxProducts
	if maxProducts <= 0 {
		maxProducts = r.sched.cfg.MaxProductsDefault
	}
	maxPages := r.opts.MaxPages
	if maxPages <= 0 {
		maxPages = r.sched.cfg.MaxPagesDefault
	}

	var items []scrape.WorkItem
	seen := map[string]struct{}{}
	pageURL := r.job.SiteURL
	for page := 0; page < maxPages && pageURL != ""; page++ {
		if r.flag.Raised() {
			return nil, scrape.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, budgetError(err)
		}
		resp, err := r.fetchWithRetry(ctx, pageURL)
		if err != nil {
			if page == 0 {
				return nil, fmt.Errorf("fetch start page: %w", err)
			}
			r.logger.Warn("pagination fetch failed, stopping discovery",
				zap.String("url", pageURL), zap.Error(err))
			break
		}
		links, err := r.adapter.ProductLinks(resp.URL, resp.Body)
		if err != nil {
			return nil, fmt.Errorf("extract product links: %w", err)
		}
		if page == 0 && len(links) == 0 {
			return []scrape.WorkItem{{URL: pageURL}}, nil
		}
		for _, link := range links {
			if len(items) >= maxProducts {
				return items, nil
			}
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			items = append(items, scrape.WorkItem{URL: link, Batch: len(items) / r.opts.BatchSize})
		}
		next, ok := r.adapter.NextPage(resp.URL, resp.Body)
		if !ok {
			break
		}
		pageURL = next
	}
	return items, nil
}

// processItem runs the fetch→extract→normalize pipeline for one URL.
// Failures degrade to skips; only the aggregate skip rate can fail the
// job.
func (r *jobRun) processItem(ctx context.Context, item scrape.WorkItem) {
	metrics.IncActiveTasks()
	defer metrics.DecActiveTasks()

	r.pace(ctx)

	resp, err := r.fetchWithRetry(ctx, item.URL)
	if err != nil {
		r.skip(item.URL, "fetch", err)
		return
	}
	raw, err := r.adapter.Product(resp.URL, resp.Body, int(r.processed.Load()))
	if err != nil {
		r.skip(item.URL, "no_data", err)
		return
	}
	parent, variations, generated := normalize.Record(raw, r.job.SiteURL, r.rcp.Transforms)
	if r.acc.Add(parent, variations, generated) {
		metrics.ObserveProducts(r.job.SiteURL, 1)
	}
	r.processed.Add(1)
	metrics.ObservePage(r.job.SiteURL, "ok")
}

// pace applies the recipe rate limit and the adaptive delay before a
// request. Both honor context expiry.
func (r *jobRun) pace(ctx context.Context) {
	if r.limiter != nil {
		_ = r.limiter.Wait(ctx)
	}
	delay := r.delay.Delay()
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *jobRun) fetchWithRetry(ctx context.Context, url string) (scrape.FetchResponse, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		resp, err := r.fetcher.Fetch(ctx, scrape.FetchRequest{
			JobID:   r.job.ID,
			URL:     url,
			Timeout: r.rcp.Behavior.Timeout(r.sched.cfg.FetchTimeout),
		})
		r.delay.Observe(time.Since(start), err != nil)
		metrics.ObserveFetch(r.path, time.Since(start))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !r.sched.retry.ShouldRetry(err, attempt+1) {
			return scrape.FetchResponse{}, lastErr
		}
		backoff := r.sched.retry.Backoff(attempt)
		r.logger.Debug("transient fetch failure, backing off",
			zap.String("url", url), zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff), zap.Error(err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return scrape.FetchResponse{}, lastErr
		case <-timer.C:
		}
	}
}

func (r *jobRun) skip(url, reason string, err error) {
	r.skipped.Add(1)
	metrics.ObserveSkip(r.job.SiteURL, reason)
	metrics.ObservePage(r.job.SiteURL, "skip")
	r.logger.Warn("work item skipped",
		zap.String("url", url), zap.String("reason", reason), zap.Error(err))
}

// finish materializes CSVs from whatever was accumulated and decides
// the final verdict. Partial results ride along with the error so a
// failed job still exposes its downloadable output.
func (r *jobRun) finish(total int, fatal error) (Result, error) {
	parents, variations := r.acc.Snapshot()
	result := Result{
		Parents:         parents,
		Variations:      variations,
		Skipped:         int(r.skipped.Load()),
		TotalDiscovered: total,
	}
	if len(parents) > 0 {
		parentCSV, err := csvgen.Parents(parents)
		if err != nil {
			return result, fmt.Errorf("generate parent csv: %w", err)
		}
		variationCSV, err := csvgen.Variations(variations)
		if err != nil {
			return result, fmt.Errorf("generate variation csv: %w", err)
		}
		result.ParentCSV = parentCSV
		result.VariationCSV = variationCSV
	}

	if fatal != nil {
		return result, fatal
	}
	if total > 0 && len(parents) == 0 {
		return result, errors.New("no products could be extracted")
	}
	if total > 0 {
		skipRate := float64(result.Skipped) / float64(total)
		if skipRate > r.sched.cfg.SkipFailThreshold {
			return result, fmt.Errorf("skip rate %.0f%% exceeds threshold", skipRate*100)
		}
	}
	return result, nil
}

func budgetError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return scrape.ErrJobTimeout
	}
	return err
}

func partition(items []scrape.WorkItem, size int) [][]scrape.WorkItem {
	if size <= 0 {
		size = scrape.DefaultBatchSize
	}
	var out [][]scrape.WorkItem
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
