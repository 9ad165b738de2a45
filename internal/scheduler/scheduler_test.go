package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapeworks/harvester/internal/metrics"
	"github.com/scrapeworks/harvester/internal/recipe"
	"github.com/scrapeworks/harvester/internal/scrape"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

// fakeFetcher serves canned pages and tracks the peak number of
// concurrent Fetch calls.
type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string][]byte
	fail      map[string]bool
	active    int64
	maxActive int64
	calls     atomic.Int64
}

func (f *fakeFetcher) Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.FetchResponse, error) {
	f.calls.Add(1)
	cur := atomic.AddInt64(&f.active, 1)
	for {
		peak := atomic.LoadInt64(&f.maxActive)
		if cur <= peak || atomic.CompareAndSwapInt64(&f.maxActive, peak, cur) {
			break
		}
	}
	defer atomic.AddInt64(&f.active, -1)

	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	body, ok := f.pages[req.URL]
	failing := f.fail[req.URL]
	f.mu.Unlock()

	if failing {
		return scrape.FetchResponse{}, &scrape.FetchError{URL: req.URL, StatusCode: 404}
	}
	if !ok {
		return scrape.FetchResponse{}, &scrape.FetchError{URL: req.URL, StatusCode: 404}
	}
	return scrape.FetchResponse{URL: req.URL, StatusCode: 200, Body: body}, nil
}

type recordingReporter struct {
	mu    sync.Mutex
	calls []int
}

func (r *recordingReporter) ReportProgress(_ string, processed, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, processed)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func listingPage(count int) []byte {
	body := `<div class="products">`
	for i := 1; i <= count; i++ {
		body += fmt.Sprintf(`<a class="p" href="/p/%d">Product %d</a>`, i, i)
	}
	return []byte(body + `</div>`)
}

func productPage(n int) []byte {
	return []byte(fmt.Sprintf(`<h1>Product %d</h1><span class="price">$%d.00</span><span class="sku">SKU-%d</span>`, n, n, n))
}

func testRecipe() *recipe.Recipe {
	return &recipe.Recipe{
		Name:    "test",
		SiteURL: "https://shop.test",
		Selectors: recipe.Selectors{
			ProductLinks: recipe.FieldSelector{Selector: "a.p"},
			Title:        recipe.FieldSelector{Selector: "h1"},
			Price:        recipe.FieldSelector{Selector: ".price"},
			SKU:          recipe.FieldSelector{Selector: ".sku"},
		},
	}
}

func testFetcher(products int) *fakeFetcher {
	pages := map[string][]byte{
		"https://shop.test/start": listingPage(products),
	}
	for i := 1; i <= products; i++ {
		pages[fmt.Sprintf("https://shop.test/p/%d", i)] = productPage(i)
	}
	return &fakeFetcher{pages: pages, fail: map[string]bool{}}
}

func testJob(opts scrape.JobOptions) scrape.Job {
	return scrape.Job{
		ID:      "job-1",
		SiteURL: "https://shop.test/start",
		Options: opts,
	}
}

func newTestScheduler(f *fakeFetcher) *Scheduler {
	return New(f, nil, fixedClock{t: time.Now()}, zap.NewNop(), Config{
		FetchTimeout:       time.Second,
		MaxDelay:           50 * time.Millisecond,
		MaxProductsDefault: 100,
		MaxPagesDefault:    5,
		JobBudget:          30 * time.Second,
		SkipFailThreshold:  0.5,
	})
}

func TestRunExtractsAllProducts(t *testing.T) {
	t.Parallel()
	fetcher := testFetcher(8)
	sched := newTestScheduler(fetcher)
	rep := &recordingReporter{}
	var flag scrape.CancelFlag

	result, err := sched.Run(context.Background(),
		testJob(scrape.JobOptions{DelayMs: 1, BatchSize: 4, MaxConcurrent: 2}),
		testRecipe(), &flag, rep)
	require.NoError(t, err)

	assert.Len(t, result.Parents, 8)
	assert.Equal(t, 8, result.TotalDiscovered)
	assert.Zero(t, result.Skipped)
	assert.NotEmpty(t, result.ParentCSV)
	assert.Nil(t, result.VariationCSV, "no variation selectors means no variation artifact")

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.NotEmpty(t, rep.calls)
	assert.Equal(t, 8, rep.calls[len(rep.calls)-1], "final progress report covers every item")
}

func TestRunHonorsConcurrencyBound(t *testing.T) {
	t.Parallel()
	fetcher := testFetcher(12)
	sched := newTestScheduler(fetcher)
	var flag scrape.CancelFlag

	_, err := sched.Run(context.Background(),
		testJob(scrape.JobOptions{DelayMs: 1, BatchSize: 12, MaxConcurrent: 3}),
		testRecipe(), &flag, &recordingReporter{})
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt64(&fetcher.maxActive), int64(3),
		"in-flight fetches must never exceed maxConcurrent")
}

func TestRunRecipeConcurrencyTightensJobOption(t *testing.T) {
	t.Parallel()
	fetcher := testFetcher(8)
	sched := newTestScheduler(fetcher)
	rcp := testRecipe()
	rcp.Behavior.MaxConcurrent = 1
	var flag scrape.CancelFlag

	_, err := sched.Run(context.Background(),
		testJob(scrape.JobOptions{DelayMs: 1, BatchSize: 8, MaxConcurrent: 5}),
		rcp, &flag, &recordingReporter{})
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt64(&fetcher.maxActive))
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	fetcher := testFetcher(4)
	sched := newTestScheduler(fetcher)
	var flag scrape.CancelFlag
	flag.Set()

	result, err := sched.Run(context.Background(),
		testJob(scrape.JobOptions{DelayMs: 1}),
		testRecipe(), &flag, &recordingReporter{})
	require.ErrorIs(t, err, scrape.ErrCancelled)
	assert.Empty(t, result.Parents, "cancel discards accumulated records")
}

func TestRunSkipRateFailure(t *testing.T) {
	t.Parallel()
	fetcher := testFetcher(8)
	for i := 1; i <= 6; i++ {
		fetcher.fail[fmt.Sprintf("https://shop.test/p/%d", i)] = true
	}
	sched := newTestScheduler(fetcher)
	var flag scrape.CancelFlag

	result, err := sched.Run(context.Background(),
		testJob(scrape.JobOptions{DelayMs: 1, BatchSize: 8, MaxConcurrent: 4}),
		testRecipe(), &flag, &recordingReporter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "skip rate")
	assert.Len(t, result.Parents, 2, "partial results survive a skip-rate failure")
	assert.Equal(t, 6, result.Skipped)
}

func TestRunMaxProductsCap(t *testing.T) {
	t.Parallel()
	fetcher := testFetcher(10)
	sched := newTestScheduler(fetcher)
	var flag scrape.CancelFlag

	result, err := sched.Run(context.Background(),
		testJob(scrape.JobOptions{DelayMs: 1, MaxProducts: 3, BatchSize: 3, MaxConcurrent: 2}),
		testRecipe(), &flag, &recordingReporter{})
	require.NoError(t, err)
	assert.Len(t, result.Parents, 3)
}

func TestRunSingleProductPage(t *testing.T) {
	t.Parallel()
	// Start URL is itself a product page: no listing links anywhere.
	fetcher := &fakeFetcher{
		pages: map[string][]byte{"https://shop.test/start": productPage(1)},
		fail:  map[string]bool{},
	}
	sched := newTestScheduler(fetcher)
	var flag scrape.CancelFlag

	result, err := sched.Run(context.Background(),
		testJob(scrape.JobOptions{DelayMs: 1}),
		testRecipe(), &flag, &recordingReporter{})
	require.NoError(t, err)
	require.Len(t, result.Parents, 1)
	assert.Equal(t, "SKU-1", result.Parents[0].SKU)
}

func TestDelayControllerGrowsOnErrors(t *testing.T) {
	t.Parallel()
	c := newDelayController(100*time.Millisecond, 5*time.Second)
	for i := 0; i < 10; i++ {
		c.Observe(50*time.Millisecond, i < 3) // 30% errors
	}
	got := c.Adjust()
	assert.Equal(t, 200*time.Millisecond, got)
}

func TestDelayControllerGrowsOnSlowLatency(t *testing.T) {
	t.Parallel()
	c := newDelayController(100*time.Millisecond, 5*time.Second)
	for i := 0; i < 5; i++ {
		c.Observe(3*time.Second, false)
	}
	got := c.Adjust()
	assert.Equal(t, 200*time.Millisecond, got)
}

func TestDelayControllerShrinksWhenClean(t *testing.T) {
	t.Parallel()
	c := newDelayController(100*time.Millisecond, 5*time.Second)
	for i := 0; i < 5; i++ {
		c.Observe(100*time.Millisecond, false)
	}
	got := c.Adjust()
	assert.Equal(t, 75*time.Millisecond, got)
}

func TestDelayControllerRespectsBounds(t *testing.T) {
	t.Parallel()
	c := newDelayController(100*time.Millisecond, 300*time.Millisecond)
	for round := 0; round < 5; round++ {
		for i := 0; i < 5; i++ {
			c.Observe(3*time.Second, true)
		}
		c.Adjust()
	}
	assert.Equal(t, 300*time.Millisecond, c.Delay(), "delay must cap at the configured maximum")

	c2 := newDelayController(100*time.Millisecond, 300*time.Millisecond)
	for round := 0; round < 10; round++ {
		for i := 0; i < 5; i++ {
			c2.Observe(10*time.Millisecond, false)
		}
		c2.Adjust()
	}
	assert.Equal(t, 25*time.Millisecond, c2.Delay(), "delay must floor at a quarter of the base")
}

func TestDelayControllerNoSamplesKeepsDelay(t *testing.T) {
	t.Parallel()
	c := newDelayController(100*time.Millisecond, time.Second)
	assert.Equal(t, 100*time.Millisecond, c.Adjust())
}
