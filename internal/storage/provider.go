// Package storage persists job snapshots and CSV artifacts.
package storage

import (
	"context"
	"time"

	"github.com/scrapeworks/harvester/internal/scrape"
)

// JobResult holds the CSV artifacts and metadata produced by one job.
// VariationCSV is nil when the job produced no variation data; that
// distinction is preserved all the way to the download endpoint.
type JobResult struct {
	JobID          string            `json:"jobId"`
	ParentCSV      []byte            `json:"parentCsv"`
	VariationCSV   []byte            `json:"variationCsv,omitempty"`
	ProductCount   int               `json:"productCount"`
	VariationCount int               `json:"variationCount"`
	GeneratedAt    time.Time         `json:"generatedAt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes stored state for the stats endpoint.
type Stats struct {
	TotalJobs     int   `json:"totalJobs"`
	TotalResults  int   `json:"totalResults"`
	TotalCSVBytes int64 `json:"totalCsvBytes"`
}

// Provider is the persistence contract. Implementations must be safe
// for concurrent use; the orchestrator calls SaveJob from multiple
// in-flight jobs.
type Provider interface {
	SaveJob(ctx context.Context, job scrape.Job) error
	GetJob(ctx context.Context, jobID string) (scrape.Job, error)
	ListJobs(ctx context.Context) ([]scrape.Job, error)
	SaveResult(ctx context.Context, result JobResult) error
	GetResult(ctx context.Context, jobID string) (JobResult, error)
	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) error
	Close() error
}
