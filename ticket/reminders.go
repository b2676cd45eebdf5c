package ticket

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ReminderConfig is the persisted reminder policy for claimed tickets,
// adjustable through the /recordatorios command. Intervals are hours of
// inactivity, ascending.
type ReminderConfig struct {
	Enabled           bool  `json:"enabled"`
	ReminderIntervals []int `json:"reminderIntervals"`
	ChannelReminders  bool  `json:"channelReminders"`
	DMReminders       bool  `json:"dmReminders"`
}

func defaultReminderConfig() ReminderConfig {
	return ReminderConfig{
		Enabled:           true,
		ReminderIntervals: []int{2, 6, 24},
		ChannelReminders:  true,
		DMReminders:       true,
	}
}

type ReminderSettings struct {
	mu   sync.Mutex
	path string
	cfg  ReminderConfig
}

func NewReminderSettings(path string) *ReminderSettings {
	s := &ReminderSettings{path: path, cfg: defaultReminderConfig()}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, &s.cfg); err != nil {
			log.Printf("[Reminders] Cannot parse %s, using defaults: %v", path, err)
			s.cfg = defaultReminderConfig()
		}
	}
	if len(s.cfg.ReminderIntervals) == 0 {
		s.cfg.ReminderIntervals = []int{2, 6, 24}
	}
	sort.Ints(s.cfg.ReminderIntervals)
	return s
}

func (s *ReminderSettings) saveLocked() {
	raw, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		log.Printf("[Reminders] Cannot save config: %v", err)
		return
	}
	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		log.Printf("[Reminders] Cannot save config: %v", err)
	}
}

func (s *ReminderSettings) Snapshot() ReminderConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.ReminderIntervals = append([]int(nil), s.cfg.ReminderIntervals...)
	return cfg
}

func (s *ReminderSettings) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Enabled = enabled
	s.saveLocked()
}

func (s *ReminderSettings) SetChannelReminders(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ChannelReminders = enabled
	s.saveLocked()
}

func (s *ReminderSettings) SetDMReminders(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.DMReminders = enabled
	s.saveLocked()
}

// SetIntervals replaces the thresholds. Values must be positive; duplicates
// collapse and the list is kept sorted.
func (s *ReminderSettings) SetIntervals(hours []int) bool {
	if len(hours) == 0 {
		return false
	}
	seen := make(map[int]bool)
	var clean []int
	for _, h := range hours {
		if h <= 0 {
			return false
		}
		if !seen[h] {
			seen[h] = true
			clean = append(clean, h)
		}
	}
	sort.Ints(clean)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.ReminderIntervals = clean
	s.saveLocked()
	return true
}

// ReminderSweeper nags assignees of claimed tickets that have gone quiet.
// One reminder per threshold per inactivity episode; delivery (channel
// and/or DM) is the Notify callback's job, driven by the config snapshot it
// receives.
type ReminderSweeper struct {
	engine   *Engine
	settings *ReminderSettings
	now      func() time.Time

	Notify func(rec *Record, hours int, inactive time.Duration, cfg ReminderConfig)
}

func NewReminderSweeper(engine *Engine, settings *ReminderSettings) *ReminderSweeper {
	return &ReminderSweeper{engine: engine, settings: settings, now: time.Now}
}

// Run blocks until stop closes. Production wiring uses a 1 minute initial
// delay and a 15 minute interval.
func (s *ReminderSweeper) Run(initialDelay, interval time.Duration, stop <-chan struct{}) {
	initial := time.NewTimer(initialDelay)
	defer initial.Stop()
	select {
	case <-initial.C:
		s.Sweep()
	case <-stop:
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-stop:
			return
		}
	}
}

func (s *ReminderSweeper) Sweep() {
	cfg := s.settings.Snapshot()
	if !cfg.Enabled || (!cfg.ChannelReminders && !cfg.DMReminders) {
		return
	}

	now := s.now()
	for _, rec := range s.engine.Store().Open() {
		if rec.ClaimedBy == "" {
			continue
		}

		a, ok := s.engine.Activity().Get(rec.ChannelID)
		if !ok {
			s.engine.Activity().Seed(rec.ChannelID, rec.UserID, rec.CreatedAt)
			a = Activity{LastActivityTime: rec.CreatedAt}
		}
		inactive := now.Sub(a.LastActivityTime)

		for _, hours := range cfg.ReminderIntervals {
			if inactive < time.Duration(hours)*time.Hour || a.reminded(hours) {
				continue
			}
			s.engine.Activity().MarkReminded(rec.ChannelID, hours)
			if s.Notify != nil {
				s.Notify(rec, hours, inactive, cfg)
			}
		}
	}
}
