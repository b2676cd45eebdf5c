package ticket

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AutoCloseConfig is the persisted auto-close policy, adjustable at runtime
// through the /autoclose command.
type AutoCloseConfig struct {
	Enabled          bool     `json:"enabled"`
	WarningHours     int      `json:"warningHours"`
	CloseHours       int      `json:"closeHours"`
	ExemptCategories []string `json:"exemptCategories"`
}

func defaultAutoCloseConfig() AutoCloseConfig {
	return AutoCloseConfig{
		Enabled:      true,
		WarningHours: 24,
		CloseHours:   48,
	}
}

// AutoCloseSettings wraps the config file with concurrency-safe mutators.
type AutoCloseSettings struct {
	mu   sync.Mutex
	path string
	cfg  AutoCloseConfig
}

func NewAutoCloseSettings(path string) *AutoCloseSettings {
	s := &AutoCloseSettings{path: path, cfg: defaultAutoCloseConfig()}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, &s.cfg); err != nil {
			log.Printf("[AutoClose] Cannot parse %s, using defaults: %v", path, err)
			s.cfg = defaultAutoCloseConfig()
		}
	}
	if s.cfg.WarningHours <= 0 {
		s.cfg.WarningHours = 24
	}
	if s.cfg.CloseHours <= s.cfg.WarningHours {
		s.cfg.CloseHours = s.cfg.WarningHours * 2
	}
	return s
}

func (s *AutoCloseSettings) saveLocked() {
	raw, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		log.Printf("[AutoClose] Cannot save config: %v", err)
		return
	}
	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		log.Printf("[AutoClose] Cannot save config: %v", err)
	}
}

func (s *AutoCloseSettings) Snapshot() AutoCloseConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.ExemptCategories = append([]string(nil), s.cfg.ExemptCategories...)
	return cfg
}

func (s *AutoCloseSettings) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Enabled = enabled
	s.saveLocked()
}

func (s *AutoCloseSettings) SetWarningHours(hours int) bool {
	if hours <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if hours >= s.cfg.CloseHours {
		return false
	}
	s.cfg.WarningHours = hours
	s.saveLocked()
	return true
}

func (s *AutoCloseSettings) SetCloseHours(hours int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hours <= s.cfg.WarningHours {
		return false
	}
	s.cfg.CloseHours = hours
	s.saveLocked()
	return true
}

// ToggleExempt flips a category's exemption and reports whether it is now
// exempt.
func (s *AutoCloseSettings) ToggleExempt(category string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.cfg.ExemptCategories {
		if c == category {
			s.cfg.ExemptCategories = append(s.cfg.ExemptCategories[:i], s.cfg.ExemptCategories[i+1:]...)
			s.saveLocked()
			return false
		}
	}
	s.cfg.ExemptCategories = append(s.cfg.ExemptCategories, category)
	s.saveLocked()
	return true
}

func (c *AutoCloseConfig) exempt(category string) bool {
	for _, e := range c.ExemptCategories {
		if e == category {
			return true
		}
	}
	return false
}

// AutoCloseSweeper walks the open tickets on a fixed interval and warns or
// closes the inactive ones. Warn and Closed are handler callbacks; Closed
// runs after the record is already closed and typically archives the
// transcript and tears the channel down.
type AutoCloseSweeper struct {
	engine   *Engine
	settings *AutoCloseSettings
	now      func() time.Time

	Warn   func(rec *Record, inactive time.Duration, closeIn time.Duration)
	Closed func(rec *Record, inactive time.Duration)
}

func NewAutoCloseSweeper(engine *Engine, settings *AutoCloseSettings) *AutoCloseSweeper {
	return &AutoCloseSweeper{engine: engine, settings: settings, now: time.Now}
}

// Run blocks until stop closes. First sweep after initialDelay, then every
// interval; production wiring uses 5 minutes and 30 minutes.
func (s *AutoCloseSweeper) Run(initialDelay, interval time.Duration, stop <-chan struct{}) {
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

// Sweep runs one pass. Exported so commands can force a scan.
func (s *AutoCloseSweeper) Sweep() {
	cfg := s.settings.Snapshot()
	if !cfg.Enabled {
		return
	}

	now := s.now()
	warnAfter := time.Duration(cfg.WarningHours) * time.Hour
	closeAfter := time.Duration(cfg.CloseHours) * time.Hour

	for _, rec := range s.engine.Store().Open() {
		if cfg.exempt(rec.Category) {
			continue
		}

		last := rec.CreatedAt
		warned := false
		if a, ok := s.engine.Activity().Get(rec.ChannelID); ok {
			last = a.LastActivityTime
			warned = a.Warned
		} else {
			s.engine.Activity().Seed(rec.ChannelID, rec.UserID, rec.CreatedAt)
		}
		inactive := now.Sub(last)

		switch {
		case inactive >= closeAfter:
			res := s.engine.Close(rec.ChannelID, "", "system", ClosedReasonInactivity, false, true)
			if res.OK && !res.AlreadyClosing && s.Closed != nil {
				s.Closed(res.Ticket, inactive)
			}
		case inactive >= warnAfter && !warned:
			s.engine.Activity().MarkWarned(rec.ChannelID)
			if s.Warn != nil {
				s.Warn(rec, inactive, closeAfter-inactive)
			}
		}
	}
}
