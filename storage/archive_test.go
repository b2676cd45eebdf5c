package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zonebot/config"
)

func testArchives(t *testing.T) map[string]Archive {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := NewArchive(&config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "archive.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	jsonArchive, err := NewArchive(&config.DatabaseConfig{
		Driver: "json",
		SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "archive")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { jsonArchive.Close() })

	return map[string]Archive{"sqlite": sqlite, "json": jsonArchive}
}

func TestLicenseEvents(t *testing.T) {
	for name, a := range testArchives(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.AddLicenseEvent(LicenseEvent{Key: "AAAA-BBBB-CCCC-DDDD", Action: "issue", Actor: "staff1", Details: "cliente=Kenibox dias=30"}))
			require.NoError(t, a.AddLicenseEvent(LicenseEvent{Key: "AAAA-BBBB-CCCC-DDDD", Action: "renew", Actor: "staff2"}))
			require.NoError(t, a.AddLicenseEvent(LicenseEvent{Key: "XXXX-YYYY-ZZZZ-WWWW", Action: "issue", Actor: "staff1"}))

			events, err := a.LicenseEvents("AAAA-BBBB-CCCC-DDDD", 10)
			require.NoError(t, err)
			require.Len(t, events, 2)
			// Newest first.
			assert.Equal(t, "renew", events[0].Action)
			assert.Equal(t, "issue", events[1].Action)
			assert.Equal(t, "staff1", events[1].Actor)

			events, err = a.LicenseEvents("AAAA-BBBB-CCCC-DDDD", 1)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, "renew", events[0].Action)
		})
	}
}

func TestTranscripts(t *testing.T) {
	for name, a := range testArchives(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, a.SaveTranscript(Transcript{TicketID: 1, GuildID: "guild1", ChannelID: "chan-1", UserID: "user1", Category: "Soporte general", Content: "user1: hola"}))
			require.NoError(t, a.SaveTranscript(Transcript{TicketID: 2, GuildID: "guild1", Content: "user2: hola"}))
			require.NoError(t, a.SaveTranscript(Transcript{TicketID: 3, GuildID: "guild2", Content: "user3: hola"}))

			transcripts, err := a.Transcripts("guild1", 10)
			require.NoError(t, err)
			require.Len(t, transcripts, 2)
			assert.Equal(t, 2, transcripts[0].TicketID)
			assert.Equal(t, "Soporte general", transcripts[1].Category)
			assert.False(t, transcripts[0].CreatedAt.IsZero())
		})
	}
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewArchive(&config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestAuditorSurvivesNilArchive(t *testing.T) {
	var a *Auditor
	a.LicenseEvent("issue", "AAAA-BBBB-CCCC-DDDD", "staff1", "")

	(&Auditor{}).LicenseEvent("issue", "AAAA-BBBB-CCCC-DDDD", "staff1", "")
}
