// Package locks provides the short-lived coordination entries that guard
// double submissions: a disk-snapshotted lock store and a sliding-window
// de-duplicator layered on top of it.
package locks

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type lockKey struct {
	User   string
	Action string
}

// Store maps (user, action) to an absolute expiry instant. An entry whose
// expiry has passed is equivalent to absence. The full live set is written to
// disk after every mutation; persistence failures degrade to memory-only
// operation, they never block a caller.
type Store struct {
	mu      sync.Mutex
	entries map[lockKey]time.Time
	path    string
	now     func() time.Time
}

type lockSnapshot struct {
	Locks   []snapshotEntry `json:"locks"`
	SavedAt int64           `json:"savedAt"`
}

type snapshotEntry struct {
	UserID  string `json:"userId"`
	Action  string `json:"action"`
	Expires int64  `json:"expires"` // unix millis
}

// NewStore loads any snapshot at path, keeping only entries that have not yet
// expired.
func NewStore(path string) *Store {
	s := &Store{
		entries: make(map[lockKey]time.Time),
		path:    path,
		now:     time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var snap lockSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("[Locks] Snapshot %s unreadable: %v", s.path, err)
		return
	}
	now := s.now()
	for _, e := range snap.Locks {
		if e.UserID == "" || e.Action == "" {
			continue
		}
		exp := time.UnixMilli(e.Expires)
		if exp.After(now) {
			s.entries[lockKey{e.UserID, e.Action}] = exp
		}
	}
	if len(s.entries) > 0 {
		log.Printf("[Locks] Loaded %d active locks", len(s.entries))
	}
}

// saveLocked writes the live entry set. Callers hold s.mu.
func (s *Store) saveLocked() {
	now := s.now()
	snap := lockSnapshot{Locks: []snapshotEntry{}, SavedAt: now.UnixMilli()}
	for k, exp := range s.entries {
		if exp.After(now) {
			snap.Locks = append(snap.Locks, snapshotEntry{
				UserID:  k.User,
				Action:  k.Action,
				Expires: exp.UnixMilli(),
			})
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.Printf("[Locks] Snapshot marshal failed: %v", err)
		return
	}
	_ = os.MkdirAll(filepath.Dir(s.path), 0755)
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		log.Printf("[Locks] Snapshot write failed: %v (continuing in memory)", err)
	}
}

// Acquire records a lock for ttl and returns true, or returns false without
// touching an existing live entry.
func (s *Store) Acquire(user, action string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{user, action}
	now := s.now()
	if exp, ok := s.entries[k]; ok && exp.After(now) {
		return false
	}
	s.entries[k] = now.Add(ttl)
	s.saveLocked()
	return true
}

// Release removes the entry if present. Idempotent.
func (s *Store) Release(user, action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{user, action}
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	s.saveLocked()
	return true
}

// IsLocked reports whether a live entry exists, evicting it when it turns out
// to be expired.
func (s *Store) IsLocked(user, action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{user, action}
	exp, ok := s.entries[k]
	if !ok {
		return false
	}
	if !exp.After(s.now()) {
		delete(s.entries, k)
		return false
	}
	return true
}

// TimeLeft returns how long the entry remains live, or zero when there is no
// live entry.
func (s *Store) TimeLeft(user, action string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{user, action}
	exp, ok := s.entries[k]
	if !ok {
		return 0
	}
	left := exp.Sub(s.now())
	if left <= 0 {
		delete(s.entries, k)
		return 0
	}
	return left
}

// touch refreshes an existing live entry to now+ttl. Used by the
// de-duplicator's sliding-window policy; plain Acquire never extends.
func (s *Store) touch(user, action string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := lockKey{user, action}
	exp, ok := s.entries[k]
	if !ok || !exp.After(s.now()) {
		return false
	}
	s.entries[k] = s.now().Add(ttl)
	s.saveLocked()
	return true
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, exp := range s.entries {
		if !exp.After(now) {
			delete(s.entries, k)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[Locks] Swept %d expired locks", removed)
		s.saveLocked()
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until stop is closed.
func (s *Store) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}()
}
