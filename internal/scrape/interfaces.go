package scrape

import (
	"context"
	"time"
)

// Fetcher retrieves a page body for a work item. Implementations exist
// for a plain HTTP client and for a headless browser.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Clock returns the current time (swappable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
