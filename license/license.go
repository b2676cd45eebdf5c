// Package license implements issuing, verification and lifecycle management
// of ZonePlugin license keys.
package license

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is an issued license. Records are mutated in place and never
// physically deleted; a revoked or expired license keeps its audit trail.
type Record struct {
	Key           string     `json:"-"              bson:"key"`
	ClientName    string     `json:"clientName"     bson:"client_name"`
	ServerID      string     `json:"serverId,omitempty" bson:"server_id,omitempty"`
	CreatedBy     string     `json:"createdBy,omitempty" bson:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"      bson:"created_at"`
	ExpiresAt     time.Time  `json:"expiresAt"      bson:"expires_at"`
	Active        bool       `json:"active"         bson:"active"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty" bson:"revoked_at,omitempty"`
	RevokedBy     string     `json:"revokedBy,omitempty" bson:"revoked_by,omitempty"`
	RevokedReason string     `json:"revokedReason,omitempty" bson:"revoked_reason,omitempty"`
	RenewedAt     *time.Time `json:"renewedAt,omitempty" bson:"renewed_at,omitempty"`
	RenewedBy     string     `json:"renewedBy,omitempty" bson:"renewed_by,omitempty"`
	RenewalDays   int        `json:"renewalDays,omitempty" bson:"renewal_days,omitempty"`
}

// Verification failure reasons, also spoken on the wire by the gateway.
const (
	ReasonNoExists    = "no_exists"
	ReasonRevoked     = "revoked"
	ReasonExpired     = "expired"
	ReasonWrongServer = "wrong_server"
)

const (
	reasonAutoExpiry = "Expiración automática"
	reasonPurge      = "Expirada - Purga automática"
)

var (
	ErrNotFound        = errors.New("license not found")
	ErrAlreadyRevoked  = errors.New("license already revoked")
	ErrInvalidDuration = errors.New("renewal days must be between 1 and 365")
)

// VerifyResult is what the verify command and the gateway report back.
type VerifyResult struct {
	Valid      bool
	Reason     string
	ClientName string
	ServerID   string
	ExpiresAt  time.Time
	DaysLeft   int
}

// Auditor receives license lifecycle events. A nil auditor is allowed.
type Auditor interface {
	LicenseEvent(action, key, actor, details string)
}

// Manager owns the license record set: every operation loads the full set,
// mutates it and persists through the backend under one lock.
type Manager struct {
	mu      sync.Mutex
	backend Backend
	audit   Auditor
	now     func() time.Time

	cacheTTL time.Duration
	cache    map[string]cacheItem
}

type cacheItem struct {
	result  VerifyResult
	expires time.Time
}

func NewManager(backend Backend, audit Auditor, cacheTTL time.Duration) *Manager {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Manager{
		backend:  backend,
		audit:    audit,
		now:      time.Now,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheItem),
	}
}

// Key generation. 32-symbol alphabet without the visually ambiguous I, O, 0
// and 1, grouped XXXX-XXXX-XXXX-XXXX.
const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateKey(existing map[string]*Record) (string, error) {
	for {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("key entropy: %w", err)
		}
		var sb strings.Builder
		for i, b := range buf {
			if i > 0 && i%4 == 0 {
				sb.WriteByte('-')
			}
			sb.WriteByte(keyAlphabet[int(b)%len(keyAlphabet)])
		}
		key := sb.String()
		if _, taken := existing[key]; !taken {
			return key, nil
		}
	}
}

// Issue creates a new license valid for days from now. serverID may be empty
// for a license valid on any deployment.
func (m *Manager) Issue(clientName string, days int, serverID, issuedBy string) (*Record, error) {
	if clientName == "" {
		return nil, errors.New("client name required")
	}
	if days <= 0 {
		return nil, errors.New("validity must be a positive number of days")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backend.Load()
	if err != nil {
		return nil, err
	}
	key, err := generateKey(records)
	if err != nil {
		return nil, err
	}

	now := m.now()
	rec := &Record{
		Key:        key,
		ClientName: clientName,
		ServerID:   serverID,
		CreatedBy:  issuedBy,
		CreatedAt:  now,
		ExpiresAt:  now.AddDate(0, 0, days),
		Active:     true,
	}
	records[key] = rec
	if err := m.backend.Save(records); err != nil {
		return nil, err
	}
	m.invalidateLocked(key)
	m.logEvent("issue", key, issuedBy, fmt.Sprintf("cliente=%s dias=%d", clientName, days))
	return cloneRecord(rec), nil
}

// Verify checks a key, optionally against a deployment target. A license
// found active but past its expiry is flipped inactive here: expiry
// enforcement is lazy, driven by verification and purge.
func (m *Manager) Verify(key, serverID string) VerifyResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	ck := cacheKey(key, serverID)
	if item, ok := m.cache[ck]; ok {
		if m.now().Before(item.expires) {
			return item.result
		}
		delete(m.cache, ck)
	}

	records, err := m.backend.Load()
	if err != nil {
		log.Printf("[Licenses] Load failed during verify: %v", err)
		return VerifyResult{Valid: false, Reason: ReasonNoExists}
	}

	rec, ok := records[key]
	if !ok {
		return VerifyResult{Valid: false, Reason: ReasonNoExists}
	}
	if !rec.Active {
		return VerifyResult{Valid: false, Reason: ReasonRevoked}
	}

	now := m.now()
	if rec.ExpiresAt.Before(now) {
		rec.Active = false
		at := now
		rec.RevokedAt = &at
		rec.RevokedReason = reasonAutoExpiry
		if err := m.backend.Save(records); err != nil {
			log.Printf("[Licenses] Save failed during lazy expiry of %s: %v", key, err)
		}
		m.invalidateLocked(key)
		m.logEvent("expire", key, "", reasonAutoExpiry)
		return VerifyResult{Valid: false, Reason: ReasonExpired, ExpiresAt: rec.ExpiresAt}
	}

	if serverID != "" && rec.ServerID != "" && rec.ServerID != serverID {
		return VerifyResult{Valid: false, Reason: ReasonWrongServer}
	}

	result := VerifyResult{
		Valid:      true,
		ClientName: rec.ClientName,
		ServerID:   rec.ServerID,
		ExpiresAt:  rec.ExpiresAt,
		DaysLeft:   daysBetween(now, rec.ExpiresAt),
	}
	m.cache[ck] = cacheItem{result: result, expires: now.Add(m.cacheTTL)}
	return result
}

// Renew extends a license by days. An already expired license restarts from
// now rather than the stale expiry, and the record is forced active again.
func (m *Manager) Renew(key string, days int, renewedBy string) (*Record, error) {
	if days <= 0 || days > 365 {
		return nil, ErrInvalidDuration
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backend.Load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[key]
	if !ok {
		return nil, ErrNotFound
	}

	now := m.now()
	start := rec.ExpiresAt
	if start.Before(now) {
		start = now
	}
	rec.ExpiresAt = start.AddDate(0, 0, days)
	rec.Active = true
	at := now
	rec.RenewedAt = &at
	rec.RenewedBy = renewedBy
	rec.RenewalDays += days

	// A renewal wipes an expiry-driven revocation from the audit trail; an
	// explicit revocation stays visible.
	if rec.RevokedReason == reasonAutoExpiry || rec.RevokedReason == reasonPurge {
		rec.RevokedAt = nil
		rec.RevokedBy = ""
		rec.RevokedReason = ""
	}

	if err := m.backend.Save(records); err != nil {
		return nil, err
	}
	m.invalidateLocked(key)
	m.logEvent("renew", key, renewedBy, fmt.Sprintf("dias=%d", days))
	return cloneRecord(rec), nil
}

// Revoke deactivates a license. Revoking an already inactive license is an
// error, not a no-op.
func (m *Manager) Revoke(key, revokedBy, reason string) (*Record, error) {
	if reason == "" {
		reason = "No especificada"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backend.Load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.Active {
		return nil, ErrAlreadyRevoked
	}

	now := m.now()
	rec.Active = false
	rec.RevokedAt = &now
	rec.RevokedBy = revokedBy
	rec.RevokedReason = reason

	if err := m.backend.Save(records); err != nil {
		return nil, err
	}
	m.invalidateLocked(key)
	m.logEvent("revoke", key, revokedBy, reason)
	return cloneRecord(rec), nil
}

// PurgeResult lists what a purge found (or would find, when simulating).
type PurgeResult struct {
	Simulation bool
	Count      int
	Affected   []*Record
}

// Purge deactivates every license that is still active but past its expiry.
// With simulate set nothing is written.
func (m *Manager) Purge(executor string, simulate bool) (*PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backend.Load()
	if err != nil {
		return nil, err
	}

	now := m.now()
	res := &PurgeResult{Simulation: simulate}
	for key, rec := range records {
		if !rec.Active || !rec.ExpiresAt.Before(now) {
			continue
		}
		res.Count++
		if !simulate {
			rec.Active = false
			at := now
			rec.RevokedAt = &at
			rec.RevokedBy = executor
			rec.RevokedReason = reasonPurge
			m.invalidateLocked(key)
		}
		res.Affected = append(res.Affected, cloneRecord(rec))
	}
	sort.Slice(res.Affected, func(i, j int) bool {
		return res.Affected[i].ExpiresAt.Before(res.Affected[j].ExpiresAt)
	})

	if !simulate && res.Count > 0 {
		if err := m.backend.Save(records); err != nil {
			return nil, err
		}
		m.logEvent("purge", "", executor, fmt.Sprintf("%d licencias", res.Count))
	}
	return res, nil
}

// Stats aggregates the record set.
type Stats struct {
	Total        int
	Active       int
	Revoked      int
	Expired      int // active but past expiry; purge candidates
	ExpiringSoon int // active, expiring within 7 days
	Clients      map[string]int
	Issuers      map[string]int
}

func (m *Manager) Stats() (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backend.Load()
	if err != nil {
		return nil, err
	}

	now := m.now()
	stats := &Stats{
		Clients: make(map[string]int),
		Issuers: make(map[string]int),
	}
	for _, rec := range records {
		stats.Total++
		if rec.CreatedBy != "" {
			stats.Issuers[rec.CreatedBy]++
		}
		if !rec.Active {
			stats.Revoked++
			continue
		}
		stats.Active++
		stats.Clients[rec.ClientName]++
		switch {
		case rec.ExpiresAt.Before(now):
			stats.Expired++
		case daysBetween(now, rec.ExpiresAt) <= 7:
			stats.ExpiringSoon++
		}
	}
	return stats, nil
}

// Get returns one record, or ErrNotFound.
func (m *Manager) Get(key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backend.Load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Active returns the active records sorted by expiry, soonest first. Used by
// the paginated list command.
func (m *Manager) Active() ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backend.Load()
	if err != nil {
		return nil, err
	}
	var active []*Record
	for _, rec := range records {
		if rec.Active {
			active = append(active, cloneRecord(rec))
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].ExpiresAt.Before(active[j].ExpiresAt)
	})
	return active, nil
}

// FindDuplicate reports an active license already covering the same client
// and deployment, surfaced as a warning when issuing.
func (m *Manager) FindDuplicate(clientName, serverID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.backend.Load()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if !rec.Active || rec.ClientName != clientName {
			continue
		}
		if rec.ServerID == serverID {
			return cloneRecord(rec), nil
		}
	}
	return nil, nil
}

func (m *Manager) logEvent(action, key, actor, details string) {
	if m.audit == nil {
		return
	}
	m.audit.LicenseEvent(action, key, actor, details)
}

// invalidateLocked drops every cache entry for a key, whatever server it was
// verified against. Callers hold m.mu.
func (m *Manager) invalidateLocked(key string) {
	prefix := key + "\x00"
	for ck := range m.cache {
		if strings.HasPrefix(ck, prefix) {
			delete(m.cache, ck)
		}
	}
}

func cacheKey(key, serverID string) string {
	if serverID == "" {
		serverID = "any"
	}
	return key + "\x00" + serverID
}

func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}

func cloneRecord(rec *Record) *Record {
	c := *rec
	return &c
}
