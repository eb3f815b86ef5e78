// Package tracker keeps per-operation call statistics for the generator
// and the merge engine.
package tracker

import (
	"sync"
	"sync/atomic"
)

// Tracker tracks usage statistics per operation ("video", "script", "speech", "merge").
type Tracker struct {
	mu    sync.RWMutex
	stats map[string]*OpStats
}

// OpStats holds counters for a specific operation.
// Fields are accessed atomically.
type OpStats struct {
	Success   int64 `json:"success"`
	Failures  int64 `json:"failures"`
	Retries   int64 `json:"retries"`
	QuotaHits int64 `json:"quota_hits"`
}

// New creates a new Tracker.
func New() *Tracker {
	return &Tracker{
		stats: make(map[string]*OpStats),
	}
}

// getStats returns the stats object for an operation, creating it if needed.
func (t *Tracker) getStats(op string) *OpStats {
	t.mu.RLock()
	s, ok := t.stats[op]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Double check
	if s, ok = t.stats[op]; ok {
		return s
	}
	s = &OpStats{}
	t.stats[op] = s
	return s
}

func (t *Tracker) TrackSuccess(op string) {
	atomic.AddInt64(&t.getStats(op).Success, 1)
}

func (t *Tracker) TrackFailure(op string) {
	atomic.AddInt64(&t.getStats(op).Failures, 1)
}

// TrackRetry counts a transient failure that was retried.
func (t *Tracker) TrackRetry(op string) {
	atomic.AddInt64(&t.getStats(op).Retries, 1)
}

// TrackQuota counts a quota rejection, including calls refused during cooldown.
func (t *Tracker) TrackQuota(op string) {
	atomic.AddInt64(&t.getStats(op).QuotaHits, 1)
}

// Snapshot returns a copy of the current stats.
func (t *Tracker) Snapshot() map[string]OpStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]OpStats, len(t.stats))
	for k, v := range t.stats {
		result[k] = OpStats{
			Success:   atomic.LoadInt64(&v.Success),
			Failures:  atomic.LoadInt64(&v.Failures),
			Retries:   atomic.LoadInt64(&v.Retries),
			QuotaHits: atomic.LoadInt64(&v.QuotaHits),
		}
	}
	return result
}
