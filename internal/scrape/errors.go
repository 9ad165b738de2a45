package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ValidationError reports a bad or missing init input. Mapped to 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown job, recipe, or artifact. Mapped to 404.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidStateError reports an operation against a job whose status
// forbids it, e.g. cancelling a terminal job. Mapped to 409.
type InvalidStateError struct {
	JobID  string
	Status JobStatus
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Op, e.JobID, e.Status)
}

// RecipeError reports an unresolvable or malformed recipe. Fatal to job init.
type RecipeError struct {
	Name string
	Err  error
}

func (e *RecipeError) Error() string {
	return fmt.Sprintf("recipe %q: %v", e.Name, e.Err)
}

func (e *RecipeError) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FetchError carries the HTTP status (if any) alongside the underlying
// transport error so the retry policy can classify it.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrNoData marks an extraction that matched no selectors. Recorded as a
// skipped item without retry.
var ErrNoData = errors.New("no data extracted")

// ErrCancelled is returned by the scheduler when the cooperative
// cancellation flag is observed at a batch boundary.
var ErrCancelled = errors.New("job cancelled")

// ErrJobTimeout is returned when the job-level wall-clock budget expires.
var ErrJobTimeout = errors.New("job timed out")

// IsTransient reports whether err warrants a retry: network timeouts,
// connection resets, and 5xx responses. Context cancellation and
// selector misses are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNoData) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.StatusCode >= 500 {
			return true
		}
		if fe.StatusCode >= 400 {
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var fe2 *FetchError
	if errors.As(err, &fe2) && fe2.StatusCode == 0 {
		// Transport-level failure without a status: treat as transient.
		return true
	}
	return false
}
