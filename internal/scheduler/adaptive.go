package scheduler

import (
	"sync"
	"time"
)

// delayController is the adaptive rate-limit state machine. It tracks a
// moving average of recent fetch latencies and the per-batch error rate,
// and adjusts the inter-request delay after each batch: shrink while the
// target responds quickly and cleanly, grow (up to a ceiling) when
// responses slow down or errors rise.
//
// The adjustment runs only at batch boundaries, so all in-flight tasks
// within a batch observe one consistent delay.
type delayController struct {
	mu      sync.Mutex
	base    time.Duration
	min     time.Duration
	max     time.Duration
	current time.Duration

	// Batch window counters, reset by Adjust.
	latencySum time.Duration
	samples    int
	errors     int

	// Exponential moving average across batches.
	avgLatency time.Duration
}

// Tuning constants for the adjustment rule.
const (
	slowLatency      = 2 * time.Second
	fastLatency      = 500 * time.Millisecond
	errRateThreshold = 0.2
	growFactor       = 2.0
	shrinkFactor     = 0.75
	emaWeight        = 0.3
)

func newDelayController(base, max time.Duration) *delayController {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if max < base {
		max = 10 * base
	}
	return &delayController{
		base:    base,
		min:     base / 4,
		max:     max,
		current: base,
	}
}

// Delay returns the current inter-request delay.
func (c *delayController) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Observe records one fetch outcome within the current batch window.
func (c *delayController) Observe(latency time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples++
	c.latencySum += latency
	if failed {
		c.errors++
	}
}

// Adjust applies the adjustment rule over the batch window and resets
// it. It returns the new delay.
func (c *delayController) Adjust() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.samples == 0 {
		return c.current
	}
	batchAvg := c.latencySum / time.Duration(c.samples)
	if c.avgLatency == 0 {
		c.avgLatency = batchAvg
	} else {
		c.avgLatency = time.Duration(float64(c.avgLatency)*(1-emaWeight) + float64(batchAvg)*emaWeight)
	}
	errRate := float64(c.errors) / float64(c.samples)

	switch {
	case errRate > errRateThreshold || c.avgLatency > slowLatency:
		c.current = time.Duration(float64(c.current) * growFactor)
		if c.current > c.max {
			c.current = c.max
		}
	case errRate == 0 && c.avgLatency < fastLatency:
		c.current = time.Duration(float64(c.current) * shrinkFactor)
		if c.current < c.min {
			c.current = c.min
		}
	}

	c.latencySum = 0
	c.samples = 0
	c.errors = 0
	return c.current
}
