package alarm

import (
	"sync"
	"time"

	"telemetry-relay/internal/db"
)

const pruneThreshold = 1024

// reservations remembers which dedup keys were scheduled within the window
// in this process. It closes the gap between enqueueing a job and the job
// writing its notification log row. A job that fails for good releases its
// key, leaving the sent log as the only suppression.
type reservations struct {
	window time.Duration
	mu     sync.Mutex
	until  map[db.DedupKey]time.Time
}

func newReservations(window time.Duration) *reservations {
	return &reservations{window: window, until: make(map[db.DedupKey]time.Time)}
}

// reserve claims key for one window starting at now. It reports false while
// an earlier reservation is unexpired.
func (r *reservations) reserve(key db.DedupKey, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.until) > pruneThreshold {
		for k, until := range r.until {
			if !now.Before(until) {
				delete(r.until, k)
			}
		}
	}
	if until, ok := r.until[key]; ok && now.Before(until) {
		return false
	}
	r.until[key] = now.Add(r.window)
	return true
}

func (r *reservations) release(key db.DedupKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.until, key)
}
