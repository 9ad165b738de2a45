// Package scrape defines core types shared across subsystems.
package scrape

import (
	"net/http"
	"sync/atomic"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobOptions captures per-job knobs requested by the client. Zero values
// mean "use the configured default". DelayMs is the base inter-request
// delay; TimeoutSeconds bounds the whole job's wall clock.
type JobOptions struct {
	MaxProducts    int `json:"maxProducts,omitempty"`
	MaxPages       int `json:"maxPages,omitempty"`
	DelayMs        int `json:"delay,omitempty"`
	TimeoutSeconds int `json:"timeout,omitempty"`
	MaxConcurrent  int `json:"maxConcurrent,omitempty"`
	BatchSize      int `json:"batchSize,omitempty"`
}

// Hard bounds on client-supplied options.
const (
	MinBatchSize     = 1
	MaxBatchSize     = 50
	MinConcurrent    = 1
	MaxConcurrent    = 20
	DefaultBatchSize = 10
	DefaultParallel  = 5
	DefaultDelayMs   = 200
)

// Clamp forces options into their documented bounds, substituting
// defaults for unset values.
func (o JobOptions) Clamp() JobOptions {
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize < MinBatchSize {
		o.BatchSize = MinBatchSize
	}
	if o.BatchSize > MaxBatchSize {
		o.BatchSize = MaxBatchSize
	}
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = DefaultParallel
	}
	if o.MaxConcurrent < MinConcurrent {
		o.MaxConcurrent = MinConcurrent
	}
	if o.MaxConcurrent > MaxConcurrent {
		o.MaxConcurrent = MaxConcurrent
	}
	if o.DelayMs <= 0 {
		o.DelayMs = DefaultDelayMs
	}
	return o
}

// Job is the metadata tracked for each submitted scrape request.
// Progress is always a 0-1 fraction.
type Job struct {
	ID                string            `json:"id"`
	SiteURL           string            `json:"siteUrl"`
	RecipeName        string            `json:"recipeName"`
	Status            JobStatus         `json:"status"`
	Progress          float64           `json:"progress"`
	TotalProducts     *int              `json:"totalProducts"`
	ProcessedProducts int               `json:"processedProducts"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	StartedAt         *time.Time        `json:"startedAt,omitempty"`
	CompletedAt       *time.Time        `json:"completedAt,omitempty"`
	Error             string            `json:"error,omitempty"`
	Options           JobOptions        `json:"options"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// StockStatus is the canonical availability enum for normalized records.
type StockStatus string

// Canonical stock states.
const (
	StockInStock    StockStatus = "in_stock"
	StockOutOfStock StockStatus = "out_of_stock"
	StockUnknown    StockStatus = "unknown"
)

// ProductRecord is one normalized parent product row.
type ProductRecord struct {
	SKU        string            `json:"sku"`
	Title      string            `json:"title"`
	Slug       string            `json:"slug"`
	Price      float64           `json:"price"`
	PriceKnown bool              `json:"priceKnown"`
	Images     []string          `json:"images"`
	Stock      StockStatus       `json:"stock"`
	Attributes map[string]string `json:"attributes"`
	URL        string            `json:"url"`
}

// VariationRecord is one purchasable variant of a parent product.
type VariationRecord struct {
	SKU        string            `json:"sku"`
	ParentSKU  string            `json:"parentSku"`
	Price      float64           `json:"price"`
	PriceKnown bool              `json:"priceKnown"`
	Stock      StockStatus       `json:"stock"`
	Attributes map[string]string `json:"attributes"`
}

// WorkItem is a unit the scheduler dispatches: one product page URL.
type WorkItem struct {
	URL     string
	Retries int
	Batch   int
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Body        []byte
	Duration    time.Duration
	UsedBrowser bool
}

// CancelFlag is the cooperative cancellation signal polled by the
// scheduler at batch boundaries.
type CancelFlag struct {
	set atomic.Bool
}

// Set raises the flag. Safe to call from any goroutine, idempotent.
func (f *CancelFlag) Set() { f.set.Store(true) }

// Raised reports whether cancellation was requested.
func (f *CancelFlag) Raised() bool { return f.set.Load() }
