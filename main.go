package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"zonebot/bot"
	"zonebot/config"
	"zonebot/gateway"
	"zonebot/handlers"
	"zonebot/lang"
	"zonebot/license"
	"zonebot/locks"
	"zonebot/storage"
	"zonebot/ticket"
)

func main() {
	configPath := flag.String("config", "config.json", "Path to config file")
	cleanup := flag.Bool("cleanup", false, "Remove slash commands on shutdown")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Discord.Token == "" || cfg.Discord.Token == "YOUR_DISCORD_BOT_TOKEN_HERE" {
		log.Fatal("Set your bot token in config.json → discord.token")
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		log.Fatalf("Cannot create data dir %s: %v", cfg.Data.Dir, err)
	}

	lang.Load(cfg.Lang.Path)

	archive, err := storage.NewArchive(&cfg.Database)
	if err != nil {
		log.Printf("WARNING: Archive init failed (%v). License events and transcripts will not be recorded.", err)
		archive = nil
	} else {
		defer archive.Close()
	}

	var backend license.Backend
	switch cfg.Licenses.Backend {
	case "mongodb":
		backend, err = license.NewMongoBackend(cfg.Database.MongoDB.URI, cfg.Database.MongoDB.Database)
		if err != nil {
			log.Fatalf("Cannot connect license backend to MongoDB: %v", err)
		}
	default:
		backend = license.NewFileBackend(filepath.Join(cfg.Data.Dir, "licenses.json"))
	}
	licenses := license.NewManager(backend, &storage.Auditor{Archive: archive}, time.Duration(cfg.Licenses.CacheTTLSeconds)*time.Second)

	lockStore := locks.NewStore(filepath.Join(cfg.Data.Dir, "locks.json"))
	dedupe := locks.NewDeduplicator(lockStore)

	ticketStore := ticket.NewStore(filepath.Join(cfg.Data.Dir, "tickets.json"))
	activity := ticket.NewActivityStore(filepath.Join(cfg.Data.Dir, "ticket_activity.json"))
	stats := ticket.NewStatsStore(filepath.Join(cfg.Data.Dir, "ticket_stats.json"))
	engine := ticket.NewEngine(ticketStore, activity, stats, lockStore, dedupe, &cfg.Tickets)

	autoclose := ticket.NewAutoCloseSettings(filepath.Join(cfg.Data.Dir, "autoclose.json"))
	reminders := ticket.NewReminderSettings(filepath.Join(cfg.Data.Dir, "reminders.json"))
	autocloseSweeper := ticket.NewAutoCloseSweeper(engine, autoclose)
	reminderSweeper := ticket.NewReminderSweeper(engine, reminders)

	b, err := bot.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	h := handlers.New(cfg, licenses, engine, dedupe, autoclose, reminders, archive)
	h.Attach(b.Session, autocloseSweeper, reminderSweeper)

	if err := b.Start(); err != nil {
		log.Fatalf("Failed to start bot: %v", err)
	}
	defer b.Stop()

	stopSweepers := make(chan struct{})
	defer close(stopSweepers)
	lockStore.StartSweeper(60*time.Second, stopSweepers)
	go autocloseSweeper.Run(5*time.Minute, 30*time.Minute, stopSweepers)
	go reminderSweeper.Run(1*time.Minute, 15*time.Minute, stopSweepers)

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.New(&cfg.Gateway, licenses)
		gw.Start()
		defer gw.Stop()
	}

	registered := b.RegisterCommands(h.Commands())

	log.Println("Bot is running. Press Ctrl+C to exit.")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	if *cleanup {
		b.CleanupCommands(registered)
	}
}
