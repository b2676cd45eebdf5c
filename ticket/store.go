// Package ticket implements the support ticket records, their lifecycle
// engine and the background inactivity timers.
package ticket

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Close reasons written by the background scans.
const (
	ClosedReasonInactivity = "Inactividad - Cierre automático"
	ClosedReasonOrphan     = "Canal eliminado - purga automática"
)

var ErrTicketNotFound = errors.New("ticket not found")

// Record is one support ticket. Records are never deleted; a closed ticket
// keeps its audit fields.
type Record struct {
	ID             int        `json:"id"`
	UserID         string     `json:"userId"`
	GuildID        string     `json:"guildId"`
	ChannelID      string     `json:"channelId"`
	Category       string     `json:"category"`
	Status         string     `json:"status"`
	ClaimedBy      string     `json:"claimedBy,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	AdditionalInfo string     `json:"additionalInfo,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	ClosedBy       string     `json:"closedBy,omitempty"`
	ClosedReason   string     `json:"closedReason,omitempty"`
}

type storeData struct {
	Tickets []*Record `json:"tickets"`
	Counter int       `json:"counter"`
}

// Store persists the ticket list and the global id counter as one JSON
// document. The counter only ever goes up, also across restarts.
type Store struct {
	mu   sync.Mutex
	path string
	data *storeData
}

func NewStore(path string) *Store {
	s := &Store{path: path, data: &storeData{}}
	s.load()
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		log.Printf("[Tickets] Cannot read %s: %v", s.path, err)
		return
	}
	var data storeData
	if err := json.Unmarshal(raw, &data); err != nil {
		corrupted := fmt.Sprintf("%s.corrupted.%d", s.path, time.Now().UnixMilli())
		if copyErr := copyFile(s.path, corrupted); copyErr == nil {
			log.Printf("[Tickets] %s is corrupt, copy kept at %s", s.path, corrupted)
		}
		return
	}
	s.data = &data
}

// saveLocked writes atomically, keeping the previous version as .backup.
// Callers hold s.mu.
func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if _, err := os.Stat(s.path); err == nil {
		_ = copyFile(s.path, s.path+".backup")
	}
	tmp, err := os.CreateTemp(dir, ".tickets-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Reserve allocates the next ticket id. The increment is persisted before the
// id is handed out so a failed creation never leads to id reuse.
func (s *Store) Reserve() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Counter++
	if err := s.saveLocked(); err != nil {
		s.data.Counter--
		return 0, err
	}
	return s.data.Counter, nil
}

// Add appends a record created by the engine.
func (s *Store) Add(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Tickets = append(s.data.Tickets, rec)
	if err := s.saveLocked(); err != nil {
		s.data.Tickets = s.data.Tickets[:len(s.data.Tickets)-1]
		return err
	}
	return nil
}

// Update applies mutate to the record backing channelID and persists. The
// in-memory mutation is kept even when the write fails.
func (s *Store) Update(channelID string, mutate func(*Record)) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.byChannelLocked(channelID)
	if rec == nil {
		return nil, ErrTicketNotFound
	}
	mutate(rec)
	err := s.saveLocked()
	return cloneTicket(rec), err
}

func (s *Store) byChannelLocked(channelID string) *Record {
	for _, rec := range s.data.Tickets {
		if rec.ChannelID == channelID {
			return rec
		}
	}
	return nil
}

func (s *Store) ByChannel(channelID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.byChannelLocked(channelID); rec != nil {
		return cloneTicket(rec)
	}
	return nil
}

func (s *Store) ByID(id int) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.data.Tickets {
		if rec.ID == id {
			return cloneTicket(rec)
		}
	}
	return nil
}

// Open returns every open ticket, oldest first.
func (s *Store) Open() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*Record
	for _, rec := range s.data.Tickets {
		if rec.Status == StatusOpen {
			open = append(open, cloneTicket(rec))
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open
}

func (s *Store) OpenByUser(userID, guildID string) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*Record
	for _, rec := range s.data.Tickets {
		if rec.Status == StatusOpen && rec.UserID == userID && rec.GuildID == guildID {
			open = append(open, cloneTicket(rec))
		}
	}
	return open
}

// OpenInCategory reports the user's open ticket in one category, if any.
// There is at most one: creation enforces it.
func (s *Store) OpenInCategory(userID, guildID, category string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.data.Tickets {
		if rec.Status == StatusOpen && rec.UserID == userID && rec.GuildID == guildID && rec.Category == category {
			return cloneTicket(rec)
		}
	}
	return nil
}

// LastCreated returns the user's most recent ticket in a category, whatever
// its status. Drives the per-category creation rate limit.
func (s *Store) LastCreated(userID, guildID, category string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *Record
	for _, rec := range s.data.Tickets {
		if rec.UserID != userID || rec.GuildID != guildID || rec.Category != category {
			continue
		}
		if last == nil || rec.CreatedAt.After(last.CreatedAt) {
			last = rec
		}
	}
	if last == nil {
		return nil
	}
	return cloneTicket(last)
}

// CreatedSince counts the user's tickets created at or after t.
func (s *Store) CreatedSince(userID, guildID string, t time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.data.Tickets {
		if rec.UserID == userID && rec.GuildID == guildID && !rec.CreatedAt.Before(t) {
			n++
		}
	}
	return n
}

var channelIDSuffix = regexp.MustCompile(`-(\d+)$`)

// Adopt recovers a ticket whose stored channel id went stale, matching the
// numeric suffix of the channel name against open ticket ids. On a match the
// record adopts channelID.
func (s *Store) Adopt(channelName, channelID string) *Record {
	m := channelIDSuffix.FindStringSubmatch(channelName)
	if m == nil {
		return nil
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.data.Tickets {
		if rec.ID != id || rec.Status != StatusOpen {
			continue
		}
		old := rec.ChannelID
		rec.ChannelID = channelID
		if err := s.saveLocked(); err != nil {
			log.Printf("[Tickets] Save failed adopting channel %s for ticket %d: %v", channelID, id, err)
		}
		log.Printf("[Tickets] Ticket %d recovered by channel name %s (channel %s -> %s)", id, channelName, old, channelID)
		return cloneTicket(rec)
	}
	return nil
}

func (s *Store) Counter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Counter
}

func cloneTicket(rec *Record) *Record {
	c := *rec
	return &c
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
