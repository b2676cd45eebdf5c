package ticket

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Activity tracks when a ticket channel last saw a message. Warned and
// SentReminders belong to the current inactivity episode and reset whenever
// the timestamp advances.
type Activity struct {
	LastActivityTime time.Time `json:"lastActivityTime"`
	LastActivityUser string    `json:"lastActivityUser,omitempty"`
	Warned           bool      `json:"warned,omitempty"`
	SentReminders    []int     `json:"sentReminders,omitempty"`
}

func (a *Activity) reminded(hours int) bool {
	for _, h := range a.SentReminders {
		if h == hours {
			return true
		}
	}
	return false
}

// ActivityStore maps channel id to activity, persisted best-effort: a failed
// write is logged and the store keeps working from memory.
type ActivityStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Activity
	now     func() time.Time
}

func NewActivityStore(path string) *ActivityStore {
	s := &ActivityStore{
		path:    path,
		entries: make(map[string]*Activity),
		now:     time.Now,
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, &s.entries); err != nil {
			log.Printf("[Tickets] Cannot parse %s, starting with empty activity: %v", path, err)
			s.entries = make(map[string]*Activity)
		}
	}
	return s
}

func (s *ActivityStore) saveLocked() {
	raw, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		log.Printf("[Tickets] Cannot serialize activity: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		log.Printf("[Tickets] Cannot save activity: %v", err)
		return
	}
	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		log.Printf("[Tickets] Cannot save activity: %v", err)
	}
}

// Touch records a message in a ticket channel and starts a new inactivity
// episode.
func (s *ActivityStore) Touch(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[channelID] = &Activity{
		LastActivityTime: s.now(),
		LastActivityUser: userID,
	}
	s.saveLocked()
}

// Seed backfills an entry for a ticket that predates activity tracking,
// without starting a new episode for channels already tracked.
func (s *ActivityStore) Seed(channelID, userID string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[channelID]; ok {
		return
	}
	s.entries[channelID] = &Activity{
		LastActivityTime: t,
		LastActivityUser: userID,
	}
	s.saveLocked()
}

func (s *ActivityStore) Get(channelID string) (Activity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.entries[channelID]
	if !ok {
		return Activity{}, false
	}
	c := *a
	c.SentReminders = append([]int(nil), a.SentReminders...)
	return c, true
}

func (s *ActivityStore) MarkWarned(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.entries[channelID]; ok {
		a.Warned = true
		s.saveLocked()
	}
}

func (s *ActivityStore) MarkReminded(channelID string, hours int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.entries[channelID]
	if !ok || a.reminded(hours) {
		return
	}
	a.SentReminders = append(a.SentReminders, hours)
	s.saveLocked()
}

func (s *ActivityStore) Remove(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[channelID]; ok {
		delete(s.entries, channelID)
		s.saveLocked()
	}
}
