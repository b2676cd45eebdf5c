// Package storage is the long-term archive: license audit events and ticket
// transcripts. The bot works fine without it; callers treat a nil archive as
// "archiving off".
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"zonebot/config"
)

type LicenseEvent struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Transcript struct {
	ID        int64     `json:"id"`
	TicketID  int       `json:"ticket_id"`
	GuildID   string    `json:"guild_id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Archive interface {
	Init() error
	Close() error

	AddLicenseEvent(ev LicenseEvent) error
	LicenseEvents(key string, limit int) ([]LicenseEvent, error)

	SaveTranscript(tr Transcript) error
	Transcripts(guildID string, limit int) ([]Transcript, error)
}

// NewArchive builds and initialises the configured driver.
func NewArchive(cfg *config.DatabaseConfig) (Archive, error) {
	var a Archive
	switch cfg.Driver {
	case "sqlite":
		a = &SQLiteArchive{Path: cfg.SQLite.Path}
	case "json":
		a = &JSONArchive{Path: cfg.SQLite.Path + ".json"}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (use \"sqlite\" or \"json\")", cfg.Driver)
	}
	if err := a.Init(); err != nil {
		return nil, err
	}
	return a, nil
}

type SQLiteArchive struct {
	Path string
	db   *sql.DB
}

func (s *SQLiteArchive) Init() error {
	_ = os.MkdirAll(filepath.Dir(s.Path), 0755)

	db, err := sql.Open("sqlite", s.Path)
	if err != nil {
		return fmt.Errorf("sqlite open: %w", err)
	}
	s.db = db

	schema := `
	CREATE TABLE IF NOT EXISTS license_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		key         TEXT NOT NULL,
		action      TEXT NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		details     TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_license_events_key ON license_events(key);

	CREATE TABLE IF NOT EXISTS transcripts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id   INTEGER NOT NULL,
		guild_id    TEXT NOT NULL,
		channel_id  TEXT NOT NULL DEFAULT '',
		user_id     TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT '',
		content     TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcripts_guild ON transcripts(guild_id);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	log.Printf("[Archive] SQLite initialised at %s", s.Path)
	return nil
}

func (s *SQLiteArchive) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteArchive) AddLicenseEvent(ev LicenseEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO license_events (key, action, actor, details, created_at) VALUES (?, ?, ?, ?, ?)",
		ev.Key, ev.Action, ev.Actor, ev.Details, ev.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *SQLiteArchive) LicenseEvents(key string, limit int) ([]LicenseEvent, error) {
	rows, err := s.db.Query(
		"SELECT id, key, action, actor, details, created_at FROM license_events WHERE key = ? ORDER BY id DESC LIMIT ?",
		key, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []LicenseEvent
	for rows.Next() {
		var ev LicenseEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.Key, &ev.Action, &ev.Actor, &ev.Details, &ts); err != nil {
			continue
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteArchive) SaveTranscript(tr Transcript) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO transcripts (ticket_id, guild_id, channel_id, user_id, category, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		tr.TicketID, tr.GuildID, tr.ChannelID, tr.UserID, tr.Category, tr.Content, tr.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *SQLiteArchive) Transcripts(guildID string, limit int) ([]Transcript, error) {
	rows, err := s.db.Query(
		"SELECT id, ticket_id, guild_id, channel_id, user_id, category, content, created_at FROM transcripts WHERE guild_id = ? ORDER BY id DESC LIMIT ?",
		guildID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transcripts []Transcript
	for rows.Next() {
		var tr Transcript
		var ts string
		if err := rows.Scan(&tr.ID, &tr.TicketID, &tr.GuildID, &tr.ChannelID, &tr.UserID, &tr.Category, &tr.Content, &ts); err != nil {
			continue
		}
		tr.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		transcripts = append(transcripts, tr)
	}
	return transcripts, rows.Err()
}

// JSONArchive is the flat-file fallback driver.
type JSONArchive struct {
	Path string

	mu   sync.Mutex
	data jsonArchiveData
}

type jsonArchiveData struct {
	LicenseEvents []LicenseEvent `json:"licenseEvents"`
	Transcripts   []Transcript   `json:"transcripts"`
}

func (j *JSONArchive) Init() error {
	_ = os.MkdirAll(filepath.Dir(j.Path), 0755)

	raw, err := os.ReadFile(j.Path)
	if err == nil {
		if err := json.Unmarshal(raw, &j.data); err != nil {
			return fmt.Errorf("parse %s: %w", j.Path, err)
		}
	}
	log.Printf("[Archive] JSON archive initialised at %s", j.Path)
	return nil
}

func (j *JSONArchive) Close() error { return nil }

func (j *JSONArchive) saveLocked() error {
	raw, err := json.MarshalIndent(&j.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(j.Path, raw, 0644)
}

func (j *JSONArchive) AddLicenseEvent(ev LicenseEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	ev.ID = int64(len(j.data.LicenseEvents) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	j.data.LicenseEvents = append(j.data.LicenseEvents, ev)
	return j.saveLocked()
}

func (j *JSONArchive) LicenseEvents(key string, limit int) ([]LicenseEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var events []LicenseEvent
	for i := len(j.data.LicenseEvents) - 1; i >= 0 && len(events) < limit; i-- {
		if j.data.LicenseEvents[i].Key == key {
			events = append(events, j.data.LicenseEvents[i])
		}
	}
	return events, nil
}

func (j *JSONArchive) SaveTranscript(tr Transcript) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tr.ID = int64(len(j.data.Transcripts) + 1)
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}
	j.data.Transcripts = append(j.data.Transcripts, tr)
	return j.saveLocked()
}

func (j *JSONArchive) Transcripts(guildID string, limit int) ([]Transcript, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var transcripts []Transcript
	for i := len(j.data.Transcripts) - 1; i >= 0 && len(transcripts) < limit; i-- {
		if j.data.Transcripts[i].GuildID == guildID {
			transcripts = append(transcripts, j.data.Transcripts[i])
		}
	}
	return transcripts, nil
}

// Auditor adapts the archive to the license manager's audit hook. Failures
// are logged and swallowed: the archive never blocks a license operation.
type Auditor struct {
	Archive Archive
}

func (a *Auditor) LicenseEvent(action, key, actor, details string) {
	if a == nil || a.Archive == nil {
		return
	}
	err := a.Archive.AddLicenseEvent(LicenseEvent{
		Key:     key,
		Action:  action,
		Actor:   actor,
		Details: details,
	})
	if err != nil {
		log.Printf("[Archive] Cannot record license event %s for %s: %v", action, key, err)
	}
}
