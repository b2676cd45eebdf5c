package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Discord  DiscordConfig  `json:"discord"`
	Data     DataConfig     `json:"data"`
	Database DatabaseConfig `json:"database"`
	Licenses LicensesConfig `json:"licenses"`
	Tickets  TicketsConfig  `json:"tickets"`
	Gateway  GatewayConfig  `json:"gateway"`
	Lang     LangConfig     `json:"lang"`
}

type DiscordConfig struct {
	Token   string `json:"token"`
	AppID   string `json:"app_id"`
	GuildID string `json:"guild_id"`
}

type DataConfig struct {
	Dir string `json:"dir"`
}

type DatabaseConfig struct {
	Driver  string        `json:"driver"` // "sqlite" or "json"
	SQLite  SQLiteConfig  `json:"sqlite"`
	MongoDB MongoDBConfig `json:"mongodb"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type MongoDBConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

type LicensesConfig struct {
	Backend         string `json:"backend"` // "file" or "mongodb"
	RoleName        string `json:"role_name"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
}

type TicketsConfig struct {
	SupportRole    string           `json:"support_role"`
	PanelChannel   string           `json:"panel_channel"`
	LogChannel     string           `json:"log_channel"`
	StatsChannel   string           `json:"stats_channel"`
	CategoryPrefix string           `json:"category_prefix"`
	MaxOpenPerUser int              `json:"max_open_per_user"`
	Categories     []TicketCategory `json:"categories"`
}

type TicketCategory struct {
	Name         string   `json:"name"`
	Emoji        string   `json:"emoji"`
	Description  string   `json:"description"`
	Color        int      `json:"color"`
	AllowedRoles []string `json:"allowed_roles,omitempty"`
}

type GatewayConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
	Secret     string `json:"secret"`
}

type LangConfig struct {
	Path string `json:"path"`
}

// CategoryNames returns the configured category names in order.
func (t *TicketsConfig) CategoryNames() []string {
	names := make([]string, 0, len(t.Categories))
	for _, c := range t.Categories {
		names = append(names, c.Name)
	}
	return names
}

// Category looks a category up by name.
func (t *TicketsConfig) Category(name string) *TicketCategory {
	for i := range t.Categories {
		if t.Categories[i].Name == name {
			return &t.Categories[i]
		}
	}
	return nil
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		Discord: DiscordConfig{
			Token: "YOUR_DISCORD_BOT_TOKEN_HERE",
		},
		Data: DataConfig{Dir: "data"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "data/archive.db"},
		},
		Licenses: LicensesConfig{
			Backend:         "file",
			RoleName:        "Licencias",
			CacheTTLSeconds: 60,
		},
		Tickets: TicketsConfig{
			SupportRole:    "Soporte",
			PanelChannel:   "abrir-ticket",
			LogChannel:     "ticket-logs",
			StatsChannel:   "ticket-stats",
			CategoryPrefix: "TICKETS",
			MaxOpenPerUser: 3,
			Categories: []TicketCategory{
				{Name: "Soporte general", Emoji: "🔧", Description: "Ayuda general con el servidor", Color: 0x5865F2},
				{Name: "Reportes", Emoji: "🔴", Description: "Reportes a usuarios", Color: 0xED4245},
				{Name: "Apelaciones", Emoji: "⚖️", Description: "Apelaciones de sanciones", Color: 0xFEE75C},
				{Name: "Tienda", Emoji: "🛒", Description: "Compras y pagos", Color: 0x57F287},
				{Name: "Administración", Emoji: "⚙️", Description: "Asuntos administrativos", Color: 0x9B59B6, AllowedRoles: []string{"Admin"}},
				{Name: "Postulaciones", Emoji: "📋", Description: "Postulaciones al staff", Color: 0x3498DB},
			},
		},
		Gateway: GatewayConfig{
			Enabled:    false,
			ListenAddr: ":8765",
		},
		Lang: LangConfig{Path: "lang.yml"},
	}
}

// LoadConfig reads the config document, writing the default one first when the
// file does not exist yet.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if saveErr := SaveConfig(cfg, path); saveErr != nil {
			return nil, fmt.Errorf("write default config: %w", saveErr)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = "data"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = filepath.Join(cfg.Data.Dir, "archive.db")
	}
	if cfg.Licenses.Backend == "" {
		cfg.Licenses.Backend = "file"
	}
	if cfg.Licenses.RoleName == "" {
		cfg.Licenses.RoleName = "Licencias"
	}
	if cfg.Licenses.CacheTTLSeconds <= 0 {
		cfg.Licenses.CacheTTLSeconds = 60
	}
	if cfg.Tickets.SupportRole == "" {
		cfg.Tickets.SupportRole = "Soporte"
	}
	if cfg.Tickets.CategoryPrefix == "" {
		cfg.Tickets.CategoryPrefix = "TICKETS"
	}
	if cfg.Tickets.MaxOpenPerUser <= 0 {
		cfg.Tickets.MaxOpenPerUser = 3
	}
	if cfg.Gateway.ListenAddr == "" {
		cfg.Gateway.ListenAddr = ":8765"
	}
	if cfg.Lang.Path == "" {
		cfg.Lang.Path = "lang.yml"
	}
}

func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
