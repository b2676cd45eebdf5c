package ticket

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// UserStats counts a staff member's ticket work inside one guild. Inactive
// is the auto-closed share of Closed's neighbourhood: tickets the member had
// claimed that timed out instead of being resolved.
type UserStats struct {
	Claimed  int `json:"claimed"`
	Closed   int `json:"closed"`
	Inactive int `json:"inactive"`
}

// StatsStore persists per-guild per-user counters, best-effort like the
// activity store.
type StatsStore struct {
	mu   sync.Mutex
	path string
	data map[string]map[string]*UserStats
}

func NewStatsStore(path string) *StatsStore {
	s := &StatsStore{
		path: path,
		data: make(map[string]map[string]*UserStats),
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			log.Printf("[Tickets] Cannot parse %s, starting with empty stats: %v", path, err)
			s.data = make(map[string]map[string]*UserStats)
		}
	}
	return s
}

func (s *StatsStore) saveLocked() {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		log.Printf("[Tickets] Cannot serialize stats: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		log.Printf("[Tickets] Cannot save stats: %v", err)
		return
	}
	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		log.Printf("[Tickets] Cannot save stats: %v", err)
	}
}

func (s *StatsStore) entryLocked(guildID, userID string) *UserStats {
	guild, ok := s.data[guildID]
	if !ok {
		guild = make(map[string]*UserStats)
		s.data[guildID] = guild
	}
	st, ok := guild[userID]
	if !ok {
		st = &UserStats{}
		guild[userID] = st
	}
	return st
}

func (s *StatsStore) RecordClaim(guildID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(guildID, userID).Claimed++
	s.saveLocked()
}

func (s *StatsStore) RecordClose(guildID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(guildID, userID).Closed++
	s.saveLocked()
}

// RecordAutoClose charges an inactivity close to the staff member who had
// the ticket claimed.
func (s *StatsStore) RecordAutoClose(guildID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entryLocked(guildID, userID)
	st.Closed++
	st.Inactive++
	s.saveLocked()
}

func (s *StatsStore) User(guildID, userID string) UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if guild, ok := s.data[guildID]; ok {
		if st, ok := guild[userID]; ok {
			return *st
		}
	}
	return UserStats{}
}

// Totals sums the whole guild.
func (s *StatsStore) Totals(guildID string) UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total UserStats
	for _, st := range s.data[guildID] {
		total.Claimed += st.Claimed
		total.Closed += st.Closed
		total.Inactive += st.Inactive
	}
	return total
}

// RankingEntry is one row of the staff leaderboard.
type RankingEntry struct {
	UserID string
	Stats  UserStats
}

// Ranking orders a guild's staff by closed tickets, claims as tiebreaker.
func (s *StatsStore) Ranking(guildID string) []RankingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []RankingEntry
	for userID, st := range s.data[guildID] {
		rows = append(rows, RankingEntry{UserID: userID, Stats: *st})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Stats.Closed != rows[j].Stats.Closed {
			return rows[i].Stats.Closed > rows[j].Stats.Closed
		}
		if rows[i].Stats.Claimed != rows[j].Stats.Claimed {
			return rows[i].Stats.Claimed > rows[j].Stats.Claimed
		}
		return rows[i].UserID < rows[j].UserID
	})
	return rows
}
