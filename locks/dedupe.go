package locks

import (
	"time"
)

// Result is the outcome of a duplicate check. RetryAfter is only meaningful
// when Allowed is false.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Deduplicator suppresses re-processing of the same user action received
// twice in quick succession. Unlike the raw Store, a collision refreshes the
// entry to now+window: a steady stream of duplicate submissions keeps the
// entry alive until the stream stops for a full window.
type Deduplicator struct {
	store *Store
}

func NewDeduplicator(store *Store) *Deduplicator {
	return &Deduplicator{store: store}
}

// Check allows the first attempt within a window and rejects the rest. It
// never fails; a caller that forgets Release leaves the entry to expire on
// its own.
func (d *Deduplicator) Check(user, action string, window time.Duration) Result {
	if d.store.Acquire(user, action, window) {
		return Result{Allowed: true}
	}
	d.store.touch(user, action, window)
	left := d.store.TimeLeft(user, action)
	if left <= 0 {
		// The entry expired between the failed acquire and the touch.
		if d.store.Acquire(user, action, window) {
			return Result{Allowed: true}
		}
		left = window
	}
	return Result{Allowed: false, RetryAfter: left}
}

// Release drops the entry so the next attempt is allowed immediately.
func (d *Deduplicator) Release(user, action string) {
	d.store.Release(user, action)
}
