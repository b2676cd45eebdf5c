package license

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recordedEvent struct {
	action, key, actor, details string
}

type recordingAuditor struct {
	events []recordedEvent
}

func (a *recordingAuditor) LicenseEvent(action, key, actor, details string) {
	a.events = append(a.events, recordedEvent{action, key, actor, details})
}

func newTestManager(t *testing.T) (*Manager, *fakeClock, Backend) {
	t.Helper()
	backend := NewFileBackend(filepath.Join(t.TempDir(), "licenses.json"))
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(backend, nil, time.Minute)
	m.now = clk.now
	return m, clk, backend
}

var keyFormat = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

func TestIssueKeyFormatAndUniqueness(t *testing.T) {
	m, _, _ := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		rec, err := m.Issue("Kenibox", 30, "", "staff1")
		require.NoError(t, err)
		require.Regexp(t, keyFormat, rec.Key)
		assert.NotContains(t, rec.Key, "I")
		assert.NotContains(t, rec.Key, "O")
		assert.NotContains(t, rec.Key, "0")
		assert.NotContains(t, rec.Key, "1")
		assert.False(t, seen[rec.Key], "duplicate key %s", rec.Key)
		seen[rec.Key] = true
	}
}

func TestIssueValidation(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Issue("", 30, "", "staff1")
	assert.Error(t, err)
	_, err = m.Issue("Kenibox", 0, "", "staff1")
	assert.Error(t, err)
}

func TestVerifyReasons(t *testing.T) {
	m, clk, _ := newTestManager(t)

	res := m.Verify("AAAA-BBBB-CCCC-DDDD", "")
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNoExists, res.Reason)

	rec, err := m.Issue("Kenibox", 30, "srv-1", "staff1")
	require.NoError(t, err)

	res = m.Verify(rec.Key, "srv-1")
	assert.True(t, res.Valid)
	assert.Equal(t, "Kenibox", res.ClientName)
	assert.Equal(t, 30, res.DaysLeft)

	res = m.Verify(rec.Key, "srv-2")
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonWrongServer, res.Reason)

	_, err = m.Revoke(rec.Key, "staff1", "abuso")
	require.NoError(t, err)
	res = m.Verify(rec.Key, "srv-1")
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonRevoked, res.Reason)

	_ = clk
}

func TestUnboundLicenseValidOnAnyServer(t *testing.T) {
	m, _, _ := newTestManager(t)

	rec, err := m.Issue("Kenibox", 30, "", "staff1")
	require.NoError(t, err)

	assert.True(t, m.Verify(rec.Key, "srv-1").Valid)
	assert.True(t, m.Verify(rec.Key, "srv-2").Valid)
	assert.True(t, m.Verify(rec.Key, "").Valid)
}

func TestVerifyLazyExpiry(t *testing.T) {
	m, clk, backend := newTestManager(t)

	rec, err := m.Issue("Kenibox", 1, "", "staff1")
	require.NoError(t, err)

	clk.advance(48 * time.Hour)

	res := m.Verify(rec.Key, "")
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonExpired, res.Reason)

	// The expiry must be enforced on disk, not just reported.
	records, err := backend.Load()
	require.NoError(t, err)
	stored := records[rec.Key]
	require.NotNil(t, stored)
	assert.False(t, stored.Active)
	assert.Equal(t, "Expiración automática", stored.RevokedReason)
}

func TestRenewResetsClockOnExpiredLicense(t *testing.T) {
	m, clk, _ := newTestManager(t)

	rec, err := m.Issue("Kenibox", 5, "", "staff1")
	require.NoError(t, err)

	// Expire it 10 days ago, then renew for 5 more.
	clk.advance(15 * 24 * time.Hour)
	renewed, err := m.Renew(rec.Key, 5, "staff2")
	require.NoError(t, err)

	want := clk.now().AddDate(0, 0, 5)
	assert.WithinDuration(t, want, renewed.ExpiresAt, time.Second)
	assert.True(t, renewed.Active)
	assert.Equal(t, 5, renewed.RenewalDays)
}

func TestRenewExtendsUnexpiredLicenseFromExpiry(t *testing.T) {
	m, _, _ := newTestManager(t)

	rec, err := m.Issue("Kenibox", 10, "", "staff1")
	require.NoError(t, err)

	renewed, err := m.Renew(rec.Key, 20, "staff1")
	require.NoError(t, err)
	assert.WithinDuration(t, rec.ExpiresAt.AddDate(0, 0, 20), renewed.ExpiresAt, time.Second)
}

func TestRenewClearsExpiryRevocationAudit(t *testing.T) {
	m, clk, _ := newTestManager(t)

	rec, err := m.Issue("Kenibox", 1, "", "staff1")
	require.NoError(t, err)
	clk.advance(72 * time.Hour)
	require.Equal(t, ReasonExpired, m.Verify(rec.Key, "").Reason)

	renewed, err := m.Renew(rec.Key, 30, "staff1")
	require.NoError(t, err)
	assert.True(t, renewed.Active)
	assert.Nil(t, renewed.RevokedAt)
	assert.Empty(t, renewed.RevokedReason)
	assert.True(t, m.Verify(rec.Key, "").Valid)
}

func TestRenewValidation(t *testing.T) {
	m, _, _ := newTestManager(t)

	rec, err := m.Issue("Kenibox", 10, "", "staff1")
	require.NoError(t, err)

	_, err = m.Renew(rec.Key, 0, "staff1")
	assert.ErrorIs(t, err, ErrInvalidDuration)
	_, err = m.Renew(rec.Key, 366, "staff1")
	assert.ErrorIs(t, err, ErrInvalidDuration)
	_, err = m.Renew("AAAA-BBBB-CCCC-DDDD", 30, "staff1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeTwiceFails(t *testing.T) {
	m, _, _ := newTestManager(t)

	rec, err := m.Issue("Kenibox", 10, "", "staff1")
	require.NoError(t, err)

	revoked, err := m.Revoke(rec.Key, "staff2", "chargeback")
	require.NoError(t, err)
	assert.False(t, revoked.Active)
	assert.Equal(t, "chargeback", revoked.RevokedReason)

	_, err = m.Revoke(rec.Key, "staff2", "otra vez")
	assert.ErrorIs(t, err, ErrAlreadyRevoked)
}

func TestPurge(t *testing.T) {
	m, clk, backend := newTestManager(t)

	expired1, err := m.Issue("ClienteA", 1, "", "staff1")
	require.NoError(t, err)
	expired2, err := m.Issue("ClienteB", 2, "", "staff1")
	require.NoError(t, err)
	clk.advance(5 * 24 * time.Hour)
	alive, err := m.Issue("ClienteC", 30, "", "staff1")
	require.NoError(t, err)

	sim, err := m.Purge("staff1", true)
	require.NoError(t, err)
	assert.True(t, sim.Simulation)
	assert.Equal(t, 2, sim.Count)

	// Simulation must not have written anything.
	records, err := backend.Load()
	require.NoError(t, err)
	assert.True(t, records[expired1.Key].Active)

	res, err := m.Purge("staff1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	records, err = backend.Load()
	require.NoError(t, err)
	assert.False(t, records[expired1.Key].Active)
	assert.False(t, records[expired2.Key].Active)
	assert.Equal(t, "Expirada - Purga automática", records[expired2.Key].RevokedReason)
	assert.True(t, records[alive.Key].Active)
}

func TestStats(t *testing.T) {
	m, clk, _ := newTestManager(t)

	_, err := m.Issue("ClienteA", 1, "", "staff1")
	require.NoError(t, err)
	clk.advance(3 * 24 * time.Hour) // first one is now expired-but-active
	_, err = m.Issue("ClienteA", 5, "", "staff1")
	require.NoError(t, err)
	_, err = m.Issue("ClienteB", 90, "", "staff2")
	require.NoError(t, err)
	revoked, err := m.Issue("ClienteC", 90, "", "staff2")
	require.NoError(t, err)
	_, err = m.Revoke(revoked.Key, "staff1", "prueba")
	require.NoError(t, err)

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Active)
	assert.Equal(t, 1, stats.Revoked)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.ExpiringSoon)
	assert.Equal(t, 2, stats.Clients["ClienteA"])
	assert.Equal(t, 2, stats.Issuers["staff1"])
	assert.Equal(t, 2, stats.Issuers["staff2"])
}

func TestVerifyCacheInvalidatedByMutation(t *testing.T) {
	m, _, _ := newTestManager(t)

	rec, err := m.Issue("Kenibox", 30, "", "staff1")
	require.NoError(t, err)

	require.True(t, m.Verify(rec.Key, "srv-1").Valid) // primes the cache

	_, err = m.Revoke(rec.Key, "staff1", "prueba")
	require.NoError(t, err)

	res := m.Verify(rec.Key, "srv-1")
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonRevoked, res.Reason)
}

func TestVerifyCacheExpires(t *testing.T) {
	m, clk, _ := newTestManager(t)

	rec, err := m.Issue("Kenibox", 30, "", "staff1")
	require.NoError(t, err)

	first := m.Verify(rec.Key, "")
	require.True(t, first.Valid)
	assert.Equal(t, 30, first.DaysLeft)

	// Within the TTL the cached DaysLeft is served as-is.
	clk.advance(30 * time.Second)
	assert.Equal(t, 30, m.Verify(rec.Key, "").DaysLeft)

	// Past the TTL the result is recomputed.
	clk.advance(24 * time.Hour)
	assert.Equal(t, 29, m.Verify(rec.Key, "").DaysLeft)
}

func TestFindDuplicate(t *testing.T) {
	m, _, _ := newTestManager(t)

	rec, err := m.Issue("Kenibox", 30, "srv-1", "staff1")
	require.NoError(t, err)

	dup, err := m.FindDuplicate("Kenibox", "srv-1")
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, rec.Key, dup.Key)

	dup, err = m.FindDuplicate("Kenibox", "srv-2")
	require.NoError(t, err)
	assert.Nil(t, dup)

	dup, err = m.FindDuplicate("Otro", "srv-1")
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestAuditEventsEmitted(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), "licenses.json"))
	auditor := &recordingAuditor{}
	m := NewManager(backend, auditor, time.Minute)

	rec, err := m.Issue("Kenibox", 30, "", "staff1")
	require.NoError(t, err)
	_, err = m.Renew(rec.Key, 10, "staff2")
	require.NoError(t, err)
	_, err = m.Revoke(rec.Key, "staff1", "prueba")
	require.NoError(t, err)

	require.Len(t, auditor.events, 3)
	assert.Equal(t, "issue", auditor.events[0].action)
	assert.Equal(t, "renew", auditor.events[1].action)
	assert.Equal(t, "revoke", auditor.events[2].action)
	assert.Equal(t, rec.Key, auditor.events[2].key)
}

func TestRecordsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "licenses.json")

	m1 := NewManager(NewFileBackend(path), nil, time.Minute)
	rec, err := m1.Issue("Kenibox", 30, "srv-1", "staff1")
	require.NoError(t, err)

	m2 := NewManager(NewFileBackend(path), nil, time.Minute)
	got, err := m2.Get(rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "Kenibox", got.ClientName)
	assert.Equal(t, "srv-1", got.ServerID)
	assert.True(t, got.Active)
}
