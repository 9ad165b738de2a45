// Package memory provides an in-memory storage provider for
// development and testing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/scrapeworks/harvester/internal/scrape"
	"github.com/scrapeworks/harvester/internal/storage"
)

// Store implements storage.Provider with maps guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]scrape.Job
	results map[string]storage.JobResult
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]scrape.Job),
		results: make(map[string]storage.JobResult),
	}
}

// SaveJob upserts a job snapshot.
func (s *Store) SaveJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job snapshot by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, &scrape.NotFoundError{Kind: "job", ID: jobID}
	}
	return job, nil
}

// ListJobs returns all job snapshots, most recently created first.
func (s *Store) ListJobs(_ context.Context) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SaveResult upserts a job's CSV artifacts.
func (s *Store) SaveResult(_ context.Context, result storage.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.JobID] = result
	return nil
}

// GetResult fetches a job's CSV artifacts.
func (s *Store) GetResult(_ context.Context, jobID string) (storage.JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[jobID]
	if !ok {
		return storage.JobResult{}, &scrape.NotFoundError{Kind: "result", ID: jobID}
	}
	return result, nil
}

// Stats summarizes stored state.
func (s *Store) Stats(_ context.Context) (storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := storage.Stats{
		TotalJobs:    len(s.jobs),
		TotalResults: len(s.results),
	}
	for _, r := range s.results {
		stats.TotalCSVBytes += int64(len(r.ParentCSV) + len(r.VariationCSV))
	}
	return stats, nil
}

// Clear wipes all jobs and results.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]scrape.Job)
	s.results = make(map[string]storage.JobResult)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
