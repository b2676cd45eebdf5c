// Package handlers wires the Discord surface: slash commands, the ticket
// panel components and message events, all delegating to the injected
// subsystems.
package handlers

import (
	"log"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"zonebot/config"
	"zonebot/lang"
	"zonebot/license"
	"zonebot/locks"
	"zonebot/storage"
	"zonebot/ticket"
)

var adminPerm int64 = discordgo.PermissionAdministrator

// Handler carries every subsystem the command surface needs. Nothing here is
// global; main builds one and attaches it to the session.
type Handler struct {
	cfg       *config.Config
	licenses  *license.Manager
	engine    *ticket.Engine
	dedupe    *locks.Deduplicator
	autoclose *ticket.AutoCloseSettings
	reminders *ticket.ReminderSettings
	archive   storage.Archive
}

func New(cfg *config.Config, licenses *license.Manager, engine *ticket.Engine, dedupe *locks.Deduplicator, autoclose *ticket.AutoCloseSettings, reminders *ticket.ReminderSettings, archive storage.Archive) *Handler {
	return &Handler{
		cfg:       cfg,
		licenses:  licenses,
		engine:    engine,
		dedupe:    dedupe,
		autoclose: autoclose,
		reminders: reminders,
		archive:   archive,
	}
}

func (h *Handler) Commands() []*discordgo.ApplicationCommand {
	cmds := make([]*discordgo.ApplicationCommand, 0)
	cmds = append(cmds, h.licenseCommands()...)
	cmds = append(cmds, h.ticketCommands()...)
	return cmds
}

// Attach registers the event handlers and gives the ticket engine and
// sweepers their session-backed callbacks.
func (h *Handler) Attach(s *discordgo.Session, autocloseSweeper *ticket.AutoCloseSweeper, reminderSweeper *ticket.ReminderSweeper) {
	h.engine.SetHooks(h.channelHooks(s))
	h.attachSweepers(s, autocloseSweeper, reminderSweeper)

	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.GuildID == "" {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Handlers] Panic in interaction handler: %v\n%s", r, debug.Stack())
				h.respond(s, i, lang.T("error_generic"), true)
			}
		}()

		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			h.handleSlashCommand(s, i)
		case discordgo.InteractionMessageComponent:
			h.handleComponent(s, i)
		case discordgo.InteractionModalSubmit:
			h.handleModalSubmit(s, i)
		}
	})

	s.AddHandler(h.handleMessage)
}

func (h *Handler) handleSlashCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name := i.ApplicationCommandData().Name

	switch name {
	case "generar":
		h.handleGenerar(s, i)
	case "licencias":
		h.handleLicencias(s, i)
	case "verificar":
		h.handleVerificar(s, i)
	case "renovar":
		h.handleRenovar(s, i)
	case "purgar":
		h.handlePurgar(s, i)
	case "estadolicencias":
		h.handleEstadoLicencias(s, i)
	case "revocar":
		h.handleRevocar(s, i)

	case "setuptickets":
		h.handleSetupTickets(s, i)
	case "cerrarticket":
		h.handleCerrarTicket(s, i)
	case "adduser":
		h.handleAddUser(s, i)
	case "renameticket":
		h.handleRenameTicket(s, i)
	case "listatickets":
		h.handleListaTickets(s, i)
	case "purgartickets":
		h.handlePurgarTickets(s, i)
	case "stats":
		h.handleStats(s, i)
	case "fixticket":
		h.handleFixTicket(s, i)
	case "autoclose":
		h.handleAutoclose(s, i)
	case "recordatorios":
		h.handleRecordatorios(s, i)

	default:
		log.Printf("[Handlers] Unknown command: %s", name)
	}
}

func (h *Handler) handleComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID

	// Double-clicks and platform redeliveries die here, before any work.
	if !h.allowInteraction(s, i, customID, 3*time.Second) {
		return
	}

	switch customID {
	case "ticket_category":
		h.handleTicketCategorySelect(s, i)
	case "claim_ticket":
		h.handleClaimButton(s, i)
	case "close_ticket":
		h.handleCloseButton(s, i)
	case "move_ticket":
		h.handleMoveButton(s, i)
	case "move_ticket_category":
		h.handleMoveCategorySelect(s, i)
	default:
		log.Printf("[Handlers] Unknown component: %s", customID)
	}
}

func (h *Handler) handleModalSubmit(s *discordgo.Session, i *discordgo.InteractionCreate) {
	customID := i.ModalSubmitData().CustomID
	if !strings.HasPrefix(customID, "ticket_modal_simple_") {
		log.Printf("[Handlers] Unknown modal: %s", customID)
		return
	}
	if !h.allowInteraction(s, i, "ticket_modal", 5*time.Second) {
		return
	}
	h.handleTicketModal(s, i, strings.TrimPrefix(customID, "ticket_modal_simple_"))
}

// allowInteraction runs the de-duplicator and answers the duplicate with an
// ephemeral retry hint.
func (h *Handler) allowInteraction(s *discordgo.Session, i *discordgo.InteractionCreate, action string, window time.Duration) bool {
	res := h.dedupe.Check(interactionUserID(i), action, window)
	if res.Allowed {
		return true
	}
	seconds := int(res.RetryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	h.respond(s, i, lang.T("dedupe_wait", "seconds", strconv.Itoa(seconds)), true)
	return false
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (h *Handler) respond(s *discordgo.Session, i *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   flags,
		},
	})
	if err != nil && !isStaleInteraction(err) {
		log.Printf("[Handlers] Failed to respond: %v", err)
	}
}

func (h *Handler) respondEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	flags := discordgo.MessageFlags(0)
	if ephemeral {
		flags = discordgo.MessageFlagsEphemeral
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
			Flags:  flags,
		},
	})
	if err != nil && !isStaleInteraction(err) {
		log.Printf("[Handlers] Failed to respond: %v", err)
	}
}

// isStaleInteraction recognises the benign platform errors a slow or
// re-delivered interaction produces: unknown interaction and already
// acknowledged.
func isStaleInteraction(err error) bool {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok || restErr.Message == nil {
		return false
	}
	return restErr.Message.Code == discordgo.ErrCodeUnknownInteraction ||
		restErr.Message.Code == discordgo.ErrCodeInteractionHasAlreadyBeenAcknowledged
}

func optionMap(i *discordgo.InteractionCreate) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption)
	for _, opt := range i.ApplicationCommandData().Options {
		m[opt.Name] = opt
	}
	return m
}

func subOptMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption)
	for _, opt := range opts {
		m[opt.Name] = opt
	}
	return m
}

func optStr(m map[string]*discordgo.ApplicationCommandInteractionDataOption, key, def string) string {
	if o, ok := m[key]; ok {
		return o.StringValue()
	}
	return def
}

func optInt(m map[string]*discordgo.ApplicationCommandInteractionDataOption, key string, def int64) int64 {
	if o, ok := m[key]; ok {
		return o.IntValue()
	}
	return def
}

func optBool(m map[string]*discordgo.ApplicationCommandInteractionDataOption, key string, def bool) bool {
	if o, ok := m[key]; ok {
		return o.BoolValue()
	}
	return def
}

func hasConfigRole(s *discordgo.Session, guildID string, member *discordgo.Member, allowedNames []string) bool {
	if member == nil || len(allowedNames) == 0 {
		return false
	}

	roles, err := s.GuildRoles(guildID)
	if err != nil {
		return false
	}

	nameSet := make(map[string]bool, len(allowedNames))
	for _, n := range allowedNames {
		nameSet[strings.ToLower(n)] = true
	}

	for _, role := range roles {
		if nameSet[strings.ToLower(role.Name)] {
			for _, memberRoleID := range member.Roles {
				if memberRoleID == role.ID {
					return true
				}
			}
		}
	}
	return false
}

func (h *Handler) isAdmin(i *discordgo.InteractionCreate) bool {
	return i.Member != nil && i.Member.Permissions&discordgo.PermissionAdministrator != 0
}

func (h *Handler) isTicketStaff(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	if h.isAdmin(i) {
		return true
	}
	return hasConfigRole(s, i.GuildID, i.Member, []string{h.cfg.Tickets.SupportRole})
}

func (h *Handler) isLicenseStaff(s *discordgo.Session, i *discordgo.InteractionCreate) bool {
	if h.isAdmin(i) {
		return true
	}
	return hasConfigRole(s, i.GuildID, i.Member, []string{h.cfg.Licenses.RoleName})
}

