package bot

import (
	"log"

	"github.com/bwmarrin/discordgo"

	"zonebot/config"
)

type Bot struct {
	Session *discordgo.Session
	Config  *config.Config
	ready   chan struct{}
}

func New(cfg *config.Config) (*Bot, error) {
	s, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsGuildMembers | discordgo.IntentsDirectMessages
	return &Bot{
		Session: s,
		Config:  cfg,
		ready:   make(chan struct{}),
	}, nil
}

func (b *Bot) Start() error {
	b.Session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		log.Printf("[Bot] Online as %s#%s", r.User.Username, r.User.Discriminator)
		select {
		case <-b.ready:
		default:
			close(b.ready)
		}
	})
	return b.Session.Open()
}

func (b *Bot) Stop() {
	_ = b.Session.Close()
}

func (b *Bot) appID() string {
	if b.Config.Discord.AppID != "" {
		return b.Config.Discord.AppID
	}
	return b.Session.State.User.ID
}

func (b *Bot) RegisterCommands(cmds []*discordgo.ApplicationCommand) []*discordgo.ApplicationCommand {
	<-b.ready

	appID := b.appID()
	guildID := b.Config.Discord.GuildID

	log.Printf("[Bot] Registering %d commands for app %s in guild %s", len(cmds), appID, guildID)

	registered, err := b.Session.ApplicationCommandBulkOverwrite(appID, guildID, cmds)
	if err != nil {
		log.Printf("[Bot] Failed to bulk-overwrite commands: %v", err)
		return nil
	}

	log.Printf("[Bot] Registered %d slash commands", len(registered))
	return registered
}

func (b *Bot) CleanupCommands(_ []*discordgo.ApplicationCommand) {
	<-b.ready
	if _, err := b.Session.ApplicationCommandBulkOverwrite(b.appID(), b.Config.Discord.GuildID, []*discordgo.ApplicationCommand{}); err != nil {
		log.Printf("[Bot] Failed to clean up commands: %v", err)
		return
	}
	log.Println("[Bot] Cleaned up all slash commands")
}
