// Package telemetry aggregates run statistics across jobs and exposes
// live snapshots of engine and host health.
package telemetry

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/scrapeworks/harvester/internal/scrape"
)

// JobLister provides current job snapshots. Implemented by the
// orchestrator.
type JobLister interface {
	ListJobs() []scrape.Job
}

// Config tunes the recommendation thresholds.
type Config struct {
	// SlowProductSeconds is the average seconds-per-product above which
	// a job is considered slow.
	SlowProductSeconds float64
	// MaxActiveJobs is the concurrent-job count above which throughput
	// degrades on a typical host.
	MaxActiveJobs int
}

// Overall is the cumulative view across all finished jobs.
type Overall struct {
	TotalJobs             int     `json:"totalJobs"`
	TotalProducts         int     `json:"totalProducts"`
	AverageTimePerProduct float64 `json:"averageTimePerProduct"`
	TotalDurationSeconds  float64 `json:"totalDurationSeconds"`
}

// ActiveJob is the live view of one running job.
type ActiveJob struct {
	JobID             string  `json:"jobId"`
	SiteURL           string  `json:"siteUrl"`
	Progress          float64 `json:"progress"`
	ProcessedProducts int     `json:"processedProducts"`
	ElapsedSeconds    float64 `json:"elapsedSeconds"`
	ProductsPerSecond float64 `json:"productsPerSecond"`
}

// HostStats is a point-in-time host and runtime snapshot.
type HostStats struct {
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
	MemoryUsedMB      uint64  `json:"memoryUsedMb"`
	CPUPercent        float64 `json:"cpuPercent"`
	Goroutines        int     `json:"goroutines"`
	HeapAllocMB       uint64  `json:"heapAllocMb"`
}

// Live is the response of the live-metrics endpoint.
type Live struct {
	ActiveJobs  []ActiveJob `json:"activeJobs"`
	QueueLength int         `json:"queueLength"`
	Host        HostStats   `json:"host"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Tracker accumulates completion stats and produces live snapshots.
type Tracker struct {
	mu            sync.Mutex
	totalJobs     int
	totalProducts int
	totalDuration time.Duration

	lister JobLister
	clock  scrape.Clock
	cfg    Config
}

// New constructs a Tracker.
func New(lister JobLister, clock scrape.Clock, cfg Config) *Tracker {
	if cfg.SlowProductSeconds <= 0 {
		cfg.SlowProductSeconds = 5
	}
	if cfg.MaxActiveJobs <= 0 {
		cfg.MaxActiveJobs = 3
	}
	return &Tracker{lister: lister, clock: clock, cfg: cfg}
}

// RecordCompletion folds one finished job into the cumulative stats.
func (t *Tracker) RecordCompletion(products int, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalJobs++
	t.totalProducts += products
	t.totalDuration += duration
}

// Overall returns the cumulative stats.
func (t *Tracker) Overall() Overall {
	t.mu.Lock()
	defer t.mu.Unlock()
	o := Overall{
		TotalJobs:            t.totalJobs,
		TotalProducts:        t.totalProducts,
		TotalDurationSeconds: t.totalDuration.Seconds(),
	}
	if t.totalProducts > 0 {
		o.AverageTimePerProduct = t.totalDuration.Seconds() / float64(t.totalProducts)
	}
	return o
}

// Snapshot builds the live view: per-running-job throughput, pending
// queue length, and host stats.
func (t *Tracker) Snapshot() Live {
	now := t.clock.Now()
	live := Live{
		ActiveJobs: []ActiveJob{},
		Timestamp:  now,
		Host:       hostStats(),
	}
	for _, job := range t.lister.ListJobs() {
		switch job.Status {
		case scrape.JobStatusPending:
			live.QueueLength++
		case scrape.JobStatusRunning:
			active := ActiveJob{
				JobID:             job.ID,
				SiteURL:           job.SiteURL,
				Progress:          job.Progress,
				ProcessedProducts: job.ProcessedProducts,
			}
			if job.StartedAt != nil {
				elapsed := now.Sub(*job.StartedAt)
				active.ElapsedSeconds = elapsed.Seconds()
				if elapsed > 0 {
					active.ProductsPerSecond = float64(job.ProcessedProducts) / elapsed.Seconds()
				}
			}
			live.ActiveJobs = append(live.ActiveJobs, active)
		}
	}
	return live
}

// Recommendations inspects current load and cumulative throughput and
// suggests operator actions. An empty slice means all clear.
func (t *Tracker) Recommendations() []string {
	recs := []string{}

	overall := t.Overall()
	if overall.TotalProducts > 0 && overall.AverageTimePerProduct > t.cfg.SlowProductSeconds {
		recs = append(recs,
			"average extraction time per product is high; enable fast mode on the recipe or reduce per-job concurrency")
	}

	live := t.Snapshot()
	if len(live.ActiveJobs) > t.cfg.MaxActiveJobs {
		recs = append(recs,
			"more jobs are running than the host comfortably supports; let current jobs drain before submitting more")
	}
	if live.Host.MemoryUsedPercent > 85 {
		recs = append(recs,
			"host memory pressure is high; lower batch sizes or run fewer concurrent jobs")
	}
	return recs
}

func hostStats() HostStats {
	stats := HostStats{Goroutines: runtime.NumGoroutine()}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats.HeapAllocMB = ms.HeapAlloc / 1024 / 1024

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsedPercent = vm.UsedPercent
		stats.MemoryUsedMB = vm.Used / 1024 / 1024
	}
	// Non-blocking sample: percentage since the previous call.
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		stats.CPUPercent = pcts[0]
	}
	return stats
}
