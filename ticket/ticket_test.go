package ticket

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonebot/config"
	"zonebot/locks"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeChannels struct {
	existing map[string]bool
	deleted  []string
	failOpen bool
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{existing: make(map[string]bool)}
}

func (f *fakeChannels) hooks() ChannelHooks {
	return ChannelHooks{
		Open: func(rec *Record) (string, error) {
			if f.failOpen {
				return "", fmt.Errorf("channel create refused")
			}
			id := fmt.Sprintf("chan-%d", rec.ID)
			f.existing[id] = true
			return id, nil
		},
		Delete: func(channelID string) error {
			delete(f.existing, channelID)
			f.deleted = append(f.deleted, channelID)
			return nil
		},
		Exists: func(channelID string) bool { return f.existing[channelID] },
	}
}

type testEnv struct {
	engine   *Engine
	clk      *fakeClock
	channels *fakeChannels
	dir      string
	cfg      *config.TicketsConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	// The lock store runs on the wall clock: every lock the engine takes is
	// released inside the same call, so tests never wait on it.
	lockStore := locks.NewStore(filepath.Join(dir, "ticketLocks.json"))

	store := NewStore(filepath.Join(dir, "tickets.json"))
	activity := NewActivityStore(filepath.Join(dir, "ticketActivity.json"))
	activity.now = clk.now
	stats := NewStatsStore(filepath.Join(dir, "ticketStats.json"))

	cfg := config.Default().Tickets
	engine := NewEngine(store, activity, stats, lockStore, locks.NewDeduplicator(lockStore), &cfg)
	engine.now = clk.now

	channels := newFakeChannels()
	engine.SetHooks(channels.hooks())
	return &testEnv{engine: engine, clk: clk, channels: channels, dir: dir, cfg: &cfg}
}

func (env *testEnv) create(t *testing.T, userID, category string) *Record {
	t.Helper()
	res := env.engine.Create(CreateRequest{
		UserID:   userID,
		GuildID:  "guild1",
		Category: category,
		Reason:   "ayuda con el servidor",
	})
	require.True(t, res.OK, "create failed: %s", res.Reason)
	return res.Ticket
}

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	env := newTestEnv(t)

	a := env.create(t, "user1", "Soporte general")
	b := env.create(t, "user2", "Soporte general")
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)
	assert.Equal(t, StatusOpen, a.Status)
	assert.Equal(t, "chan-1", a.ChannelID)
}

func TestCounterSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "user1", "Soporte general")
	env.create(t, "user2", "Reportes")

	// A fresh store over the same file must not reuse ids.
	store := NewStore(filepath.Join(env.dir, "tickets.json"))
	assert.Equal(t, 2, store.Counter())

	lockStore := locks.NewStore(filepath.Join(env.dir, "ticketLocks2.json"))
	engine := NewEngine(store, env.engine.Activity(), env.engine.Stats(), lockStore, locks.NewDeduplicator(lockStore), env.cfg)
	engine.now = env.clk.now
	engine.SetHooks(env.channels.hooks())

	res := engine.Create(CreateRequest{UserID: "user3", GuildID: "guild1", Category: "Tienda"})
	require.True(t, res.OK)
	assert.Equal(t, 3, res.Ticket.ID)
}

func TestAtMostOneOpenTicketPerCategory(t *testing.T) {
	env := newTestEnv(t)

	first := env.create(t, "user1", "Soporte general")
	env.clk.advance(2 * time.Minute) // past the per-category cooldown

	res := env.engine.Create(CreateRequest{UserID: "user1", GuildID: "guild1", Category: "Soporte general"})
	assert.False(t, res.OK)
	assert.Equal(t, ReasonDuplicateTicket, res.Reason)
	require.NotNil(t, res.Ticket)
	assert.Equal(t, first.ID, res.Ticket.ID)

	// Other categories and other guilds are unaffected.
	res = env.engine.Create(CreateRequest{UserID: "user1", GuildID: "guild1", Category: "Reportes"})
	assert.True(t, res.OK)
}

func TestCategoryCooldown(t *testing.T) {
	env := newTestEnv(t)

	rec := env.create(t, "user1", "Soporte general")
	closeRes := env.engine.Close(rec.ChannelID, "", "user1", "", false, false)
	require.True(t, closeRes.OK)

	env.clk.advance(30 * time.Second)
	res := env.engine.Create(CreateRequest{UserID: "user1", GuildID: "guild1", Category: "Soporte general"})
	assert.False(t, res.OK)
	assert.Equal(t, ReasonRateLimit, res.Reason)
	assert.Equal(t, 30*time.Second, res.RetryAfter)

	env.clk.advance(31 * time.Second)
	res = env.engine.Create(CreateRequest{UserID: "user1", GuildID: "guild1", Category: "Soporte general"})
	assert.True(t, res.OK)
}

func TestOpenTicketLimit(t *testing.T) {
	env := newTestEnv(t)

	env.create(t, "user1", "Soporte general")
	env.create(t, "user1", "Reportes")
	env.create(t, "user1", "Tienda")

	res := env.engine.Create(CreateRequest{UserID: "user1", GuildID: "guild1", Category: "Apelaciones"})
	assert.False(t, res.OK)
	assert.Equal(t, ReasonTicketLimit, res.Reason)
}

func TestCanCreate(t *testing.T) {
	env := newTestEnv(t)

	assert.True(t, env.engine.CanCreate("user1", "guild1").Allowed)

	recs := []*Record{
		env.create(t, "user1", "Soporte general"),
		env.create(t, "user1", "Reportes"),
		env.create(t, "user1", "Tienda"),
	}
	assert.Equal(t, ReasonTicketLimit, env.engine.CanCreate("user1", "guild1").Reason)

	// Closing them frees the open slots but the recent-burst guard holds.
	for _, rec := range recs {
		require.True(t, env.engine.Close(rec.ChannelID, "", "user1", "", false, false).OK)
	}
	assert.Equal(t, ReasonRateLimit, env.engine.CanCreate("user1", "guild1").Reason)

	env.clk.advance(31 * time.Minute)
	assert.True(t, env.engine.CanCreate("user1", "guild1").Allowed)
}

func TestCreateRejectsUnknownCategory(t *testing.T) {
	env := newTestEnv(t)

	res := env.engine.Create(CreateRequest{UserID: "user1", GuildID: "guild1", Category: "Inventada"})
	assert.False(t, res.OK)
	assert.Equal(t, ReasonInvalidCategory, res.Reason)
}

func TestCreateChannelFailureLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.channels.failOpen = true

	res := env.engine.Create(CreateRequest{UserID: "user1", GuildID: "guild1", Category: "Soporte general"})
	assert.False(t, res.OK)
	assert.Equal(t, ReasonChannelError, res.Reason)
	assert.Empty(t, env.engine.Store().Open())

	// The reserved id is burned, never reused.
	env.channels.failOpen = false
	env.clk.advance(2 * time.Minute)
	rec := env.create(t, "user1", "Soporte general")
	assert.Equal(t, 2, rec.ID)
}

func TestClaim(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, "user1", "Soporte general")

	res := env.engine.Claim(rec.ChannelID, "staff1", true)
	require.True(t, res.OK)
	assert.Empty(t, res.Previous)
	assert.Equal(t, "staff1", res.Ticket.ClaimedBy)

	// Claiming your own claim is a quiet no-op.
	res = env.engine.Claim(rec.ChannelID, "staff1", true)
	require.True(t, res.OK)
	assert.True(t, res.Already)

	// Reassignment reports the previous assignee.
	res = env.engine.Claim(rec.ChannelID, "staff2", true)
	require.True(t, res.OK)
	assert.Equal(t, "staff1", res.Previous)
	assert.Equal(t, "staff2", res.Ticket.ClaimedBy)

	// Non-staff strangers cannot claim.
	res = env.engine.Claim(rec.ChannelID, "user9", false)
	assert.Equal(t, ReasonNoPermission, res.Reason)
}

func TestMove(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, "user1", "Soporte general")

	res := env.engine.Move(rec.ChannelID, "Reportes", "staff1", true)
	require.True(t, res.OK)
	assert.Equal(t, "Soporte general", res.OldCategory)
	assert.Equal(t, "Reportes", env.engine.Store().ByChannel(rec.ChannelID).Category)

	assert.Equal(t, ReasonInvalidCategory, env.engine.Move(rec.ChannelID, "Inventada", "staff1", true).Reason)
	assert.Equal(t, ReasonNoPermission, env.engine.Move(rec.ChannelID, "Tienda", "user1", false).Reason)
}

func TestClosePermissions(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, "user1", "Soporte general")
	env.engine.Claim(rec.ChannelID, "staff1", true)

	// A stranger cannot close.
	res := env.engine.Close(rec.ChannelID, "", "user9", "", false, false)
	assert.Equal(t, ReasonNoPermission, res.Reason)

	// The claimant can.
	res = env.engine.Close(rec.ChannelID, "", "staff1", "", false, false)
	require.True(t, res.OK)
	assert.Equal(t, StatusClosed, res.Ticket.Status)
	assert.Equal(t, "staff1", res.Ticket.ClosedBy)
	assert.Equal(t, "Cerrado manualmente", res.Ticket.ClosedReason)
}

func TestDoubleCloseIsQuiet(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, "user1", "Soporte general")

	first := env.engine.Close(rec.ChannelID, "", "user1", "", false, false)
	require.True(t, first.OK)
	require.False(t, first.AlreadyClosing)

	// The double-click arrives a second later and must not error.
	env.clk.advance(time.Second)
	second := env.engine.Close(rec.ChannelID, "", "user1", "", false, false)
	assert.True(t, second.OK)
	assert.True(t, second.AlreadyClosing)
}

func TestCloseRecoversTicketByChannelName(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, "user1", "Soporte general")

	// The stored channel id went stale (channel recreated by hand).
	res := env.engine.Close("chan-new", "soporte-general-1", "user1", "", false, false)
	require.True(t, res.OK)
	assert.Equal(t, rec.ID, res.Ticket.ID)
	assert.Equal(t, "chan-new", res.Ticket.ChannelID)
}

func TestCloseUnknownChannel(t *testing.T) {
	env := newTestEnv(t)

	res := env.engine.Close("chan-nope", "charla-general", "user1", "", false, false)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoTicket, res.Reason)
}

func TestPurgeOrphans(t *testing.T) {
	env := newTestEnv(t)

	a := env.create(t, "user1", "Soporte general")
	b := env.create(t, "user2", "Reportes")
	delete(env.channels.existing, a.ChannelID)

	sim := env.engine.PurgeOrphans(true)
	assert.True(t, sim.Simulation)
	assert.Equal(t, 1, sim.Count)
	assert.Equal(t, StatusOpen, env.engine.Store().ByChannel(a.ChannelID).Status)

	res := env.engine.PurgeOrphans(false)
	assert.Equal(t, 1, res.Count)
	got := env.engine.Store().ByChannel(a.ChannelID)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, ClosedReasonOrphan, got.ClosedReason)
	assert.Equal(t, StatusOpen, env.engine.Store().ByChannel(b.ChannelID).Status)
}

func TestAutoCloseWarnsThenCloses(t *testing.T) {
	env := newTestEnv(t)
	settings := NewAutoCloseSettings(filepath.Join(env.dir, "autocloseConfig.json"))
	sweeper := NewAutoCloseSweeper(env.engine, settings)
	sweeper.now = env.clk.now

	var warns, closes int
	sweeper.Warn = func(rec *Record, inactive, closeIn time.Duration) { warns++ }
	sweeper.Closed = func(rec *Record, inactive time.Duration) { closes++ }

	rec := env.create(t, "user1", "Soporte general")

	env.clk.advance(25 * time.Hour)
	sweeper.Sweep()
	assert.Equal(t, 1, warns)
	assert.Equal(t, 0, closes)

	// One warning per inactivity episode.
	sweeper.Sweep()
	assert.Equal(t, 1, warns)

	env.clk.advance(24 * time.Hour)
	sweeper.Sweep()
	assert.Equal(t, 1, closes)
	got := env.engine.Store().ByChannel(rec.ChannelID)
	assert.Equal(t, StatusClosed, got.Status)
	assert.Equal(t, ClosedReasonInactivity, got.ClosedReason)
	assert.Equal(t, "system", got.ClosedBy)
}

func TestAutoCloseActivityResetsWarning(t *testing.T) {
	env := newTestEnv(t)
	settings := NewAutoCloseSettings(filepath.Join(env.dir, "autocloseConfig.json"))
	sweeper := NewAutoCloseSweeper(env.engine, settings)
	sweeper.now = env.clk.now

	var warns int
	sweeper.Warn = func(rec *Record, inactive, closeIn time.Duration) { warns++ }

	rec := env.create(t, "user1", "Soporte general")

	env.clk.advance(25 * time.Hour)
	sweeper.Sweep()
	require.Equal(t, 1, warns)

	// The requester answers; the episode restarts.
	env.engine.Activity().Touch(rec.ChannelID, "user1")
	env.clk.advance(25 * time.Hour)
	sweeper.Sweep()
	assert.Equal(t, 2, warns)
	assert.Equal(t, StatusOpen, env.engine.Store().ByChannel(rec.ChannelID).Status)
}

func TestAutoCloseSkipsExemptAndDisabled(t *testing.T) {
	env := newTestEnv(t)
	settings := NewAutoCloseSettings(filepath.Join(env.dir, "autocloseConfig.json"))
	sweeper := NewAutoCloseSweeper(env.engine, settings)
	sweeper.now = env.clk.now

	rec := env.create(t, "user1", "Apelaciones")
	require.True(t, settings.ToggleExempt("Apelaciones"))

	env.clk.advance(100 * time.Hour)
	sweeper.Sweep()
	assert.Equal(t, StatusOpen, env.engine.Store().ByChannel(rec.ChannelID).Status)

	assert.False(t, settings.ToggleExempt("Apelaciones")) // no longer exempt
	settings.SetEnabled(false)
	sweeper.Sweep()
	assert.Equal(t, StatusOpen, env.engine.Store().ByChannel(rec.ChannelID).Status)

	settings.SetEnabled(true)
	sweeper.Sweep()
	assert.Equal(t, StatusClosed, env.engine.Store().ByChannel(rec.ChannelID).Status)
}

func TestAutoCloseSettingsValidation(t *testing.T) {
	env := newTestEnv(t)
	settings := NewAutoCloseSettings(filepath.Join(env.dir, "autocloseConfig.json"))

	assert.False(t, settings.SetWarningHours(0))
	assert.False(t, settings.SetWarningHours(48)) // not below close
	assert.False(t, settings.SetCloseHours(24))   // not above warning
	assert.True(t, settings.SetWarningHours(12))
	assert.True(t, settings.SetCloseHours(36))

	cfg := settings.Snapshot()
	assert.Equal(t, 12, cfg.WarningHours)
	assert.Equal(t, 36, cfg.CloseHours)
}

func TestRemindersOncePerThresholdPerEpisode(t *testing.T) {
	env := newTestEnv(t)
	settings := NewReminderSettings(filepath.Join(env.dir, "reminderConfig.json"))
	sweeper := NewReminderSweeper(env.engine, settings)
	sweeper.now = env.clk.now

	var sent []int
	sweeper.Notify = func(rec *Record, hours int, inactive time.Duration, cfg ReminderConfig) {
		sent = append(sent, hours)
	}

	claimed := env.create(t, "user1", "Soporte general")
	env.create(t, "user2", "Reportes") // unclaimed, never nagged
	env.engine.Claim(claimed.ChannelID, "staff1", true)

	env.clk.advance(3 * time.Hour)
	sweeper.Sweep()
	assert.Equal(t, []int{2}, sent)

	sweeper.Sweep()
	assert.Equal(t, []int{2}, sent)

	env.clk.advance(4 * time.Hour) // 7h inactive
	sweeper.Sweep()
	assert.Equal(t, []int{2, 6}, sent)

	// Activity starts a new episode and the ladder restarts.
	env.engine.Activity().Touch(claimed.ChannelID, "user1")
	env.clk.advance(3 * time.Hour)
	sweeper.Sweep()
	assert.Equal(t, []int{2, 6, 2}, sent)
}

func TestReminderSettings(t *testing.T) {
	env := newTestEnv(t)
	settings := NewReminderSettings(filepath.Join(env.dir, "reminderConfig.json"))

	assert.False(t, settings.SetIntervals(nil))
	assert.False(t, settings.SetIntervals([]int{4, -1}))
	assert.True(t, settings.SetIntervals([]int{24, 2, 2, 6}))
	assert.Equal(t, []int{2, 6, 24}, settings.Snapshot().ReminderIntervals)
}

func TestStatsCounters(t *testing.T) {
	env := newTestEnv(t)

	a := env.create(t, "user1", "Soporte general")
	b := env.create(t, "user2", "Reportes")
	env.engine.Claim(a.ChannelID, "staff1", true)
	env.engine.Claim(b.ChannelID, "staff1", true)
	require.True(t, env.engine.Close(a.ChannelID, "", "staff1", "", true, false).OK)

	// b times out while claimed.
	settings := NewAutoCloseSettings(filepath.Join(env.dir, "autocloseConfig.json"))
	sweeper := NewAutoCloseSweeper(env.engine, settings)
	sweeper.now = env.clk.now
	env.clk.advance(50 * time.Hour)
	sweeper.Sweep()

	st := env.engine.Stats().User("guild1", "staff1")
	assert.Equal(t, 2, st.Claimed)
	assert.Equal(t, 2, st.Closed)
	assert.Equal(t, 1, st.Inactive)

	ranking := env.engine.Stats().Ranking("guild1")
	require.Len(t, ranking, 1)
	assert.Equal(t, "staff1", ranking[0].UserID)
}

func TestStatsSurviveRestart(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, "user1", "Soporte general")
	env.engine.Claim(rec.ChannelID, "staff1", true)

	reloaded := NewStatsStore(filepath.Join(env.dir, "ticketStats.json"))
	assert.Equal(t, 1, reloaded.User("guild1", "staff1").Claimed)
}
