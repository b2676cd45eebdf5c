package handlers

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"zonebot/lang"
	"zonebot/storage"
	"zonebot/ticket"
)

func (h *Handler) ticketCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:                     "setuptickets",
			Description:              "Publica el panel de tickets en un canal",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionChannel, Name: "canal", Description: "Canal donde publicar el panel (por defecto el configurado)"},
			},
		},
		{Name: "cerrarticket", Description: "Cierra el ticket actual"},
		{
			Name:        "adduser",
			Description: "Añade un usuario al ticket actual",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionUser, Name: "usuario", Description: "Usuario a añadir", Required: true},
			},
		},
		{
			Name:        "renameticket",
			Description: "Renombra el canal del ticket actual",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "nombre", Description: "Nuevo nombre del canal", Required: true},
			},
		},
		{
			Name:                     "listatickets",
			Description:              "Lista los tickets abiertos",
			DefaultMemberPermissions: &adminPerm,
		},
		{
			Name:                     "purgartickets",
			Description:              "Cierra los tickets cuyo canal ya no existe",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionBoolean, Name: "simulacion", Description: "Solo mostrar qué se purgaría, sin escribir"},
			},
		},
		{
			Name:                     "stats",
			Description:              "Estadísticas de tickets del staff",
			DefaultMemberPermissions: &adminPerm,
		},
		{
			Name:                     "fixticket",
			Description:              "Reasocia un ticket a este canal",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "id", Description: "Número del ticket", Required: true},
			},
		},
		{
			Name:                     "autoclose",
			Description:              "Configura el cierre automático por inactividad",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Name: "activar", Description: "Activa o desactiva el cierre automático",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionBoolean, Name: "estado", Description: "true para activar", Required: true},
					},
				},
				{
					Name: "aviso", Description: "Horas de inactividad antes del aviso",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionInteger, Name: "horas", Description: "Horas (menor que el cierre)", Required: true},
					},
				},
				{
					Name: "cierre", Description: "Horas de inactividad antes del cierre",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionInteger, Name: "horas", Description: "Horas (mayor que el aviso)", Required: true},
					},
				},
				{
					Name: "exentar", Description: "Alterna la exención de una categoría",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "categoria", Description: "Nombre de la categoría", Required: true},
					},
				},
				{
					Name: "ver", Description: "Muestra la configuración actual",
					Type: discordgo.ApplicationCommandOptionSubCommand,
				},
			},
		},
		{
			Name:                     "recordatorios",
			Description:              "Configura los recordatorios de tickets asignados",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Name: "ver", Description: "Muestra la configuración actual",
					Type: discordgo.ApplicationCommandOptionSubCommand,
				},
				{
					Name: "activar", Description: "Activa o desactiva los recordatorios",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionBoolean, Name: "estado", Description: "true para activar", Required: true},
					},
				},
				{
					Name: "canal", Description: "Recordatorios en el canal del ticket",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionBoolean, Name: "estado", Description: "true para activar", Required: true},
					},
				},
				{
					Name: "dm", Description: "Recordatorios por mensaje directo",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionBoolean, Name: "estado", Description: "true para activar", Required: true},
					},
				},
				{
					Name: "intervalos", Description: "Umbrales de inactividad en horas",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionString, Name: "horas", Description: "Lista separada por comas, p.ej. 2,6,24", Required: true},
					},
				},
			},
		},
	}
}

// channelHooks gives the engine its session-backed channel operations.
func (h *Handler) channelHooks(s *discordgo.Session) ticket.ChannelHooks {
	return ticket.ChannelHooks{
		Open:   func(rec *ticket.Record) (string, error) { return h.openTicketChannel(s, rec) },
		Delete: func(channelID string) error { _, err := s.ChannelDelete(channelID); return err },
		Exists: func(channelID string) bool {
			if _, err := s.State.Channel(channelID); err == nil {
				return true
			}
			_, err := s.Channel(channelID)
			return err == nil
		},
	}
}

func (h *Handler) openTicketChannel(s *discordgo.Session, rec *ticket.Record) (string, error) {
	parentID, err := h.ensureCategory(s, rec.GuildID, h.cfg.Tickets.CategoryPrefix)
	if err != nil {
		return "", err
	}

	overwrites := []*discordgo.PermissionOverwrite{
		{ID: rec.GuildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
		{
			ID:    rec.UserID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionAttachFiles | discordgo.PermissionReadMessageHistory,
		},
	}
	if roleID := roleIDByName(s, rec.GuildID, h.cfg.Tickets.SupportRole); roleID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    roleID,
			Type:  discordgo.PermissionOverwriteTypeRole,
			Allow: discordgo.PermissionViewChannel | discordgo.PermissionSendMessages | discordgo.PermissionAttachFiles | discordgo.PermissionReadMessageHistory | discordgo.PermissionManageMessages,
		})
	}

	ch, err := s.GuildChannelCreateComplex(rec.GuildID, discordgo.GuildChannelCreateData{
		Name:                 ticket.ChannelName(rec),
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                fmt.Sprintf("%s — ticket #%d de <@%s>", rec.Category, rec.ID, rec.UserID),
		ParentID:             parentID,
		PermissionOverwrites: overwrites,
	})
	if err != nil {
		return "", err
	}

	h.sendTicketWelcome(s, ch.ID, rec)
	return ch.ID, nil
}

func (h *Handler) sendTicketWelcome(s *discordgo.Session, channelID string, rec *ticket.Record) {
	color := 0x5865F2
	if cat := h.cfg.Tickets.Category(rec.Category); cat != nil && cat.Color != 0 {
		color = cat.Color
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("🎫 Ticket #%d — %s", rec.ID, rec.Category),
		Description: lang.T("ticket_welcome", "user", rec.UserID),
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Nick de Minecraft", Value: orDash(rec.AdditionalInfo), Inline: true},
			{Name: "Detalles", Value: orDash(rec.Reason)},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}

	content := fmt.Sprintf("<@%s>", rec.UserID)
	if roleID := roleIDByName(s, rec.GuildID, h.cfg.Tickets.SupportRole); roleID != "" {
		content += fmt.Sprintf(" | <@&%s>", roleID)
	}

	_, _ = s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
		Embeds:  []*discordgo.MessageEmbed{embed},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{Label: "Reclamar", Style: discordgo.PrimaryButton, CustomID: "claim_ticket", Emoji: &discordgo.ComponentEmoji{Name: "🙋"}},
					discordgo.Button{Label: "Cerrar", Style: discordgo.DangerButton, CustomID: "close_ticket", Emoji: &discordgo.ComponentEmoji{Name: "🔒"}},
					discordgo.Button{Label: "Mover", Style: discordgo.SecondaryButton, CustomID: "move_ticket", Emoji: &discordgo.ComponentEmoji{Name: "📦"}},
				},
			},
		},
	})
}

func (h *Handler) handleSetupTickets(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isAdmin(i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	channelID := ""
	if opt, ok := optionMap(i)["canal"]; ok {
		channelID = opt.ChannelValue(s).ID
	} else {
		channelID = findTextChannel(s, i.GuildID, h.cfg.Tickets.PanelChannel)
	}
	if channelID == "" {
		h.respond(s, i, lang.T("panel_no_channel"), true)
		return
	}

	var desc strings.Builder
	desc.WriteString(lang.T("panel_intro") + "\n\n")
	menuOpts := make([]discordgo.SelectMenuOption, 0, len(h.cfg.Tickets.Categories))
	for _, cat := range h.cfg.Tickets.Categories {
		desc.WriteString(fmt.Sprintf("%s **%s** — %s\n", cat.Emoji, cat.Name, cat.Description))
		menuOpts = append(menuOpts, discordgo.SelectMenuOption{
			Label:       cat.Name,
			Value:       cat.Name,
			Description: cat.Description,
			Emoji:       parseComponentEmoji(cat.Emoji),
		})
	}

	_, err := s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "🎫 Soporte",
			Description: desc.String(),
			Color:       0x5865F2,
			Footer:      &discordgo.MessageEmbedFooter{Text: lang.T("panel_footer")},
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.SelectMenu{
						MenuType:    discordgo.StringSelectMenu,
						CustomID:    "ticket_category",
						Placeholder: lang.T("panel_placeholder"),
						Options:     menuOpts,
					},
				},
			},
		},
	})
	if err != nil {
		h.respond(s, i, lang.T("panel_failed", "error", err.Error()), true)
		return
	}
	h.respond(s, i, lang.T("panel_posted", "channel", channelID), true)
}

func (h *Handler) handleTicketCategorySelect(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.MessageComponentData()
	if len(data.Values) == 0 {
		return
	}
	catName := data.Values[0]
	cat := h.cfg.Tickets.Category(catName)
	if cat == nil {
		h.respond(s, i, lang.T("ticket_invalid_category"), true)
		return
	}
	if len(cat.AllowedRoles) > 0 && !h.isAdmin(i) && !hasConfigRole(s, i.GuildID, i.Member, cat.AllowedRoles) {
		h.respond(s, i, lang.T("ticket_category_restricted"), true)
		return
	}

	if pre := h.engine.CanCreate(interactionUserID(i), i.GuildID); !pre.Allowed {
		h.respond(s, i, h.createFailureMessage(pre.Reason, 0), true)
		return
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: "ticket_modal_simple_" + catName,
			Title:    fmt.Sprintf("Nuevo ticket — %s", catName),
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    "minecraft_nick",
							Label:       "Tu nick de Minecraft",
							Style:       discordgo.TextInputShort,
							Required:    true,
							MaxLength:   32,
							Placeholder: "Steve",
						},
					},
				},
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    "ticket_details",
							Label:       "Describe tu problema",
							Style:       discordgo.TextInputParagraph,
							Required:    true,
							MaxLength:   1000,
							Placeholder: "Cuéntanos qué necesitas",
						},
					},
				},
			},
		},
	})
	if err != nil && !isStaleInteraction(err) {
		h.respond(s, i, lang.T("error_generic"), true)
	}
}

func (h *Handler) handleTicketModal(s *discordgo.Session, i *discordgo.InteractionCreate, catName string) {
	nick, details := modalFields(i)

	res := h.engine.Create(ticket.CreateRequest{
		UserID:         interactionUserID(i),
		GuildID:        i.GuildID,
		Category:       catName,
		Reason:         details,
		AdditionalInfo: nick,
	})
	if !res.OK {
		h.respond(s, i, h.createFailureMessage(res.Reason, res.RetryAfter), true)
		return
	}

	h.respond(s, i, lang.T("ticket_created", "channel", res.Ticket.ChannelID), true)
}

func modalFields(i *discordgo.InteractionCreate) (nick, details string) {
	for _, row := range i.ModalSubmitData().Components {
		ar, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, comp := range ar.Components {
			input, ok := comp.(*discordgo.TextInput)
			if !ok {
				continue
			}
			switch input.CustomID {
			case "minecraft_nick":
				nick = strings.TrimSpace(input.Value)
			case "ticket_details":
				details = strings.TrimSpace(input.Value)
			}
		}
	}
	return nick, details
}

func (h *Handler) createFailureMessage(reason string, retryAfter time.Duration) string {
	seconds := int(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	switch reason {
	case ticket.ReasonDuplicateRequest:
		return lang.T("ticket_duplicate_request", "seconds", strconv.Itoa(seconds))
	case ticket.ReasonDuplicateTicket:
		return lang.T("ticket_duplicate")
	case ticket.ReasonTicketLimit:
		return lang.T("ticket_limit", "max", strconv.Itoa(h.cfg.Tickets.MaxOpenPerUser))
	case ticket.ReasonRateLimit:
		if retryAfter == 0 {
			return lang.T("ticket_rate_limit_burst")
		}
		return lang.T("ticket_rate_limit", "seconds", strconv.Itoa(seconds))
	case ticket.ReasonInvalidCategory:
		return lang.T("ticket_invalid_category")
	default:
		return lang.T("error_generic")
	}
}

func (h *Handler) handleClaimButton(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := interactionUserID(i)
	res := h.engine.Claim(i.ChannelID, userID, h.isTicketStaff(s, i))
	switch {
	case res.OK && res.Already:
		h.respond(s, i, lang.T("ticket_claim_self"), true)
	case res.OK && res.Previous != "":
		h.respond(s, i, lang.T("ticket_reassigned", "from", res.Previous, "to", userID), false)
	case res.OK:
		h.respond(s, i, lang.T("ticket_claimed", "user", userID), false)
	case res.Reason == ticket.ReasonNoTicket:
		h.respond(s, i, lang.T("ticket_no_ticket"), true)
	case res.Reason == ticket.ReasonTicketClosed:
		h.respond(s, i, lang.T("ticket_already_closed"), true)
	default:
		h.respond(s, i, lang.T("no_permission"), true)
	}
}

func (h *Handler) handleMoveButton(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isTicketStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	menuOpts := make([]discordgo.SelectMenuOption, 0, len(h.cfg.Tickets.Categories))
	for _, cat := range h.cfg.Tickets.Categories {
		menuOpts = append(menuOpts, discordgo.SelectMenuOption{
			Label: cat.Name,
			Value: cat.Name,
			Emoji: parseComponentEmoji(cat.Emoji),
		})
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: lang.T("ticket_move_prompt"),
			Flags:   discordgo.MessageFlagsEphemeral,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.SelectMenu{
							MenuType:    discordgo.StringSelectMenu,
							CustomID:    "move_ticket_category",
							Placeholder: lang.T("panel_placeholder"),
							Options:     menuOpts,
						},
					},
				},
			},
		},
	})
	if err != nil && !isStaleInteraction(err) {
		h.respond(s, i, lang.T("error_generic"), true)
	}
}

func (h *Handler) handleMoveCategorySelect(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.MessageComponentData()
	if len(data.Values) == 0 {
		return
	}
	newCat := data.Values[0]

	res := h.engine.Move(i.ChannelID, newCat, interactionUserID(i), h.isTicketStaff(s, i))
	switch {
	case res.OK:
		// Physical relocation is best effort; the category change already
		// happened.
		if parentID, err := h.ensureCategory(s, i.GuildID, h.cfg.Tickets.CategoryPrefix); err == nil {
			_, _ = s.ChannelEditComplex(i.ChannelID, &discordgo.ChannelEdit{ParentID: parentID})
		}
		h.respond(s, i, lang.T("ticket_moved", "from", res.OldCategory, "to", newCat), false)
	case res.Reason == ticket.ReasonNoTicket:
		h.respond(s, i, lang.T("ticket_no_ticket"), true)
	case res.Reason == ticket.ReasonInvalidCategory:
		h.respond(s, i, lang.T("ticket_invalid_category"), true)
	case res.Reason == ticket.ReasonTicketClosed:
		h.respond(s, i, lang.T("ticket_already_closed"), true)
	default:
		h.respond(s, i, lang.T("no_permission"), true)
	}
}

func (h *Handler) handleCloseButton(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.closeCurrentTicket(s, i)
}

func (h *Handler) handleCerrarTicket(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.closeCurrentTicket(s, i)
}

func (h *Handler) closeCurrentTicket(s *discordgo.Session, i *discordgo.InteractionCreate) {
	channelName := ""
	if ch, err := s.Channel(i.ChannelID); err == nil {
		channelName = ch.Name
	}

	userID := interactionUserID(i)
	res := h.engine.Close(i.ChannelID, channelName, userID, "", h.isTicketStaff(s, i), false)
	switch {
	case res.OK && res.AlreadyClosing:
		h.respond(s, i, lang.T("ticket_close_already"), true)
	case res.OK:
		h.respond(s, i, lang.T("ticket_closing"), false)
		go h.tearDownTicket(s, res.Ticket)
	case res.Reason == ticket.ReasonNoTicket:
		h.respond(s, i, lang.T("ticket_no_ticket"), true)
	case res.Reason == ticket.ReasonNoPermission:
		h.respond(s, i, lang.T("no_permission"), true)
	default:
		h.respond(s, i, lang.T("error_generic"), true)
	}
}

// tearDownTicket archives the transcript, reports to the log channel and
// removes the channel after a short grace period.
func (h *Handler) tearDownTicket(s *discordgo.Session, rec *ticket.Record) {
	transcript := h.generateTranscript(s, rec.ChannelID)
	if h.archive != nil {
		err := h.archive.SaveTranscript(storage.Transcript{
			TicketID:  rec.ID,
			GuildID:   rec.GuildID,
			ChannelID: rec.ChannelID,
			UserID:    rec.UserID,
			Category:  rec.Category,
			Content:   transcript,
		})
		if err != nil {
			log.Printf("[Handlers] Failed to archive transcript for ticket %d: %v", rec.ID, err)
		}
	}

	if logCh := findTextChannel(s, rec.GuildID, h.cfg.Tickets.LogChannel); logCh != "" {
		embed := &discordgo.MessageEmbed{
			Title: fmt.Sprintf("Ticket #%d cerrado", rec.ID),
			Color: 0xED4245,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Abierto por", Value: fmt.Sprintf("<@%s>", rec.UserID), Inline: true},
				{Name: "Cerrado por", Value: closedByMention(rec.ClosedBy), Inline: true},
				{Name: "Categoría", Value: rec.Category, Inline: true},
				{Name: "Razón", Value: orDash(rec.ClosedReason)},
			},
			Timestamp: time.Now().Format(time.RFC3339),
		}
		_, _ = s.ChannelMessageSendComplex(logCh, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{embed},
			Files: []*discordgo.File{{
				Name:        fmt.Sprintf("ticket-%d-transcript.txt", rec.ID),
				ContentType: "text/plain",
				Reader:      strings.NewReader(transcript),
			}},
		})
	}

	time.Sleep(3 * time.Second)
	_, _ = s.ChannelDelete(rec.ChannelID)
}

func (h *Handler) handleAddUser(s *discordgo.Session, i *discordgo.InteractionCreate) {
	rec := h.engine.Store().ByChannel(i.ChannelID)
	if rec == nil || rec.Status != ticket.StatusOpen {
		h.respond(s, i, lang.T("ticket_no_ticket"), true)
		return
	}
	if !h.isTicketStaff(s, i) && interactionUserID(i) != rec.UserID {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	target := optionMap(i)["usuario"].UserValue(s)
	err := s.ChannelPermissionSet(i.ChannelID, target.ID, discordgo.PermissionOverwriteTypeMember,
		discordgo.PermissionViewChannel|discordgo.PermissionSendMessages|discordgo.PermissionReadMessageHistory, 0)
	if err != nil {
		h.respond(s, i, lang.T("error_generic"), true)
		return
	}
	h.respond(s, i, lang.T("ticket_user_added", "user", target.ID), false)
}

func (h *Handler) handleRenameTicket(s *discordgo.Session, i *discordgo.InteractionCreate) {
	rec := h.engine.Store().ByChannel(i.ChannelID)
	if rec == nil || rec.Status != ticket.StatusOpen {
		h.respond(s, i, lang.T("ticket_no_ticket"), true)
		return
	}
	if !h.isTicketStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	// Keep the id suffix: the recovery heuristic depends on it.
	name := strings.TrimSpace(optionMap(i)["nombre"].StringValue())
	name = fmt.Sprintf("%s-%d", slugify(name), rec.ID)
	_, err := s.ChannelEditComplex(i.ChannelID, &discordgo.ChannelEdit{Name: name})
	if err != nil {
		h.respond(s, i, lang.T("error_generic"), true)
		return
	}
	h.respond(s, i, lang.T("ticket_renamed", "name", name), false)
}

func (h *Handler) handleListaTickets(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isTicketStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	open := h.engine.Store().Open()
	if len(open) == 0 {
		h.respond(s, i, lang.T("ticket_list_empty"), true)
		return
	}

	var sb strings.Builder
	for _, rec := range open {
		claimed := "sin reclamar"
		if rec.ClaimedBy != "" {
			claimed = fmt.Sprintf("reclamado por <@%s>", rec.ClaimedBy)
		}
		sb.WriteString(fmt.Sprintf("• <#%s> — #%d de <@%s> [%s] %s\n", rec.ChannelID, rec.ID, rec.UserID, rec.Category, claimed))
	}
	h.respondEmbed(s, i, &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("🎫 Tickets abiertos (%d)", len(open)),
		Description: sb.String(),
		Color:       0x5865F2,
	}, true)
}

func (h *Handler) handlePurgarTickets(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isTicketStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	simulate := optBool(optionMap(i), "simulacion", false)
	res := h.engine.PurgeOrphans(simulate)
	if res.Count == 0 {
		h.respond(s, i, lang.T("ticket_purge_none"), true)
		return
	}

	var sb strings.Builder
	for _, rec := range res.Affected {
		sb.WriteString(fmt.Sprintf("• #%d de <@%s> [%s]\n", rec.ID, rec.UserID, rec.Category))
	}
	title := lang.T("ticket_purge_done", "count", strconv.Itoa(res.Count))
	if simulate {
		title = lang.T("ticket_purge_sim", "count", strconv.Itoa(res.Count))
	}
	h.respondEmbed(s, i, &discordgo.MessageEmbed{
		Title:       title,
		Description: sb.String(),
		Color:       0xFEE75C,
	}, true)
}

func (h *Handler) handleStats(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isTicketStaff(s, i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	totals := h.engine.Stats().Totals(i.GuildID)
	ranking := h.engine.Stats().Ranking(i.GuildID)

	var sb strings.Builder
	for pos, row := range ranking {
		if pos >= 10 {
			break
		}
		sb.WriteString(fmt.Sprintf("%d. <@%s> — %d cerrados, %d reclamados, %d por inactividad\n",
			pos+1, row.UserID, row.Stats.Closed, row.Stats.Claimed, row.Stats.Inactive))
	}
	if sb.Len() == 0 {
		sb.WriteString("—")
	}

	embed := &discordgo.MessageEmbed{
		Title: "📊 Estadísticas de tickets",
		Color: 0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Reclamados", Value: strconv.Itoa(totals.Claimed), Inline: true},
			{Name: "Cerrados", Value: strconv.Itoa(totals.Closed), Inline: true},
			{Name: "Por inactividad", Value: strconv.Itoa(totals.Inactive), Inline: true},
			{Name: "Ranking", Value: sb.String()},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	h.respondEmbed(s, i, embed, true)

	if statsCh := findTextChannel(s, i.GuildID, h.cfg.Tickets.StatsChannel); statsCh != "" {
		_, _ = s.ChannelMessageSendEmbed(statsCh, embed)
	}
}

func (h *Handler) handleFixTicket(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isAdmin(i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	id := int(optInt(optionMap(i), "id", 0))
	rec := h.engine.Store().Adopt(fmt.Sprintf("ticket-%d", id), i.ChannelID)
	if rec == nil {
		h.respond(s, i, lang.T("ticket_fix_not_found", "id", strconv.Itoa(id)), true)
		return
	}
	h.respond(s, i, lang.T("ticket_fixed", "id", strconv.Itoa(rec.ID)), true)
}

func (h *Handler) handleAutoclose(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isAdmin(i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	sub := i.ApplicationCommandData().Options[0]
	om := subOptMap(sub.Options)

	switch sub.Name {
	case "activar":
		enabled := om["estado"].BoolValue()
		h.autoclose.SetEnabled(enabled)
		h.respond(s, i, lang.T("autoclose_toggled", "state", onOff(enabled)), true)

	case "aviso":
		horas := int(om["horas"].IntValue())
		if !h.autoclose.SetWarningHours(horas) {
			h.respond(s, i, lang.T("autoclose_bad_hours"), true)
			return
		}
		h.respond(s, i, lang.T("autoclose_warning_set", "hours", strconv.Itoa(horas)), true)

	case "cierre":
		horas := int(om["horas"].IntValue())
		if !h.autoclose.SetCloseHours(horas) {
			h.respond(s, i, lang.T("autoclose_bad_hours"), true)
			return
		}
		h.respond(s, i, lang.T("autoclose_close_set", "hours", strconv.Itoa(horas)), true)

	case "exentar":
		categoria := om["categoria"].StringValue()
		if h.cfg.Tickets.Category(categoria) == nil {
			h.respond(s, i, lang.T("ticket_invalid_category"), true)
			return
		}
		if h.autoclose.ToggleExempt(categoria) {
			h.respond(s, i, lang.T("autoclose_exempted", "category", categoria), true)
		} else {
			h.respond(s, i, lang.T("autoclose_unexempted", "category", categoria), true)
		}

	case "ver":
		cfg := h.autoclose.Snapshot()
		exempt := strings.Join(cfg.ExemptCategories, ", ")
		if exempt == "" {
			exempt = "—"
		}
		h.respondEmbed(s, i, &discordgo.MessageEmbed{
			Title: "⏲️ Cierre automático",
			Color: 0x5865F2,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Estado", Value: onOff(cfg.Enabled), Inline: true},
				{Name: "Aviso", Value: fmt.Sprintf("%d h", cfg.WarningHours), Inline: true},
				{Name: "Cierre", Value: fmt.Sprintf("%d h", cfg.CloseHours), Inline: true},
				{Name: "Categorías exentas", Value: exempt},
			},
		}, true)
	}
}

func (h *Handler) handleRecordatorios(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !h.isAdmin(i) {
		h.respond(s, i, lang.T("no_permission"), true)
		return
	}

	sub := i.ApplicationCommandData().Options[0]
	om := subOptMap(sub.Options)

	switch sub.Name {
	case "ver":
		cfg := h.reminders.Snapshot()
		intervals := make([]string, 0, len(cfg.ReminderIntervals))
		for _, hrs := range cfg.ReminderIntervals {
			intervals = append(intervals, strconv.Itoa(hrs))
		}
		h.respondEmbed(s, i, &discordgo.MessageEmbed{
			Title: "🔔 Recordatorios",
			Color: 0x5865F2,
			Fields: []*discordgo.MessageEmbedField{
				{Name: "Estado", Value: onOff(cfg.Enabled), Inline: true},
				{Name: "En canal", Value: onOff(cfg.ChannelReminders), Inline: true},
				{Name: "Por DM", Value: onOff(cfg.DMReminders), Inline: true},
				{Name: "Intervalos (horas)", Value: strings.Join(intervals, ", ")},
			},
		}, true)

	case "activar":
		enabled := om["estado"].BoolValue()
		h.reminders.SetEnabled(enabled)
		h.respond(s, i, lang.T("reminders_toggled", "state", onOff(enabled)), true)

	case "canal":
		enabled := om["estado"].BoolValue()
		h.reminders.SetChannelReminders(enabled)
		h.respond(s, i, lang.T("reminders_channel_toggled", "state", onOff(enabled)), true)

	case "dm":
		enabled := om["estado"].BoolValue()
		h.reminders.SetDMReminders(enabled)
		h.respond(s, i, lang.T("reminders_dm_toggled", "state", onOff(enabled)), true)

	case "intervalos":
		raw := om["horas"].StringValue()
		var hours []int
		for _, part := range strings.Split(raw, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				h.respond(s, i, lang.T("reminders_bad_intervals"), true)
				return
			}
			hours = append(hours, n)
		}
		if !h.reminders.SetIntervals(hours) {
			h.respond(s, i, lang.T("reminders_bad_intervals"), true)
			return
		}
		h.respond(s, i, lang.T("reminders_intervals_set", "hours", raw), true)
	}
}

// attachSweepers connects the background timers to Discord delivery.
func (h *Handler) attachSweepers(s *discordgo.Session, autocloseSweeper *ticket.AutoCloseSweeper, reminderSweeper *ticket.ReminderSweeper) {
	if autocloseSweeper != nil {
		autocloseSweeper.Warn = func(rec *ticket.Record, inactive, closeIn time.Duration) {
			_, _ = s.ChannelMessageSendEmbed(rec.ChannelID, &discordgo.MessageEmbed{
				Title:       "⚠️ Ticket inactivo",
				Description: lang.T("autoclose_warning", "user", rec.UserID, "hours", strconv.Itoa(int(closeIn.Hours()))),
				Color:       0xFEE75C,
			})
		}
		autocloseSweeper.Closed = func(rec *ticket.Record, inactive time.Duration) {
			h.tearDownTicket(s, rec)
		}
	}

	if reminderSweeper != nil {
		reminderSweeper.Notify = func(rec *ticket.Record, hours int, inactive time.Duration, cfg ticket.ReminderConfig) {
			msg := lang.T("reminder_text", "user", rec.ClaimedBy, "id", strconv.Itoa(rec.ID), "hours", strconv.Itoa(hours))
			if cfg.ChannelReminders {
				_, _ = s.ChannelMessageSend(rec.ChannelID, msg)
			}
			if cfg.DMReminders {
				if dm, err := s.UserChannelCreate(rec.ClaimedBy); err == nil {
					_, _ = s.ChannelMessageSend(dm.ID, lang.T("reminder_dm", "id", strconv.Itoa(rec.ID), "hours", strconv.Itoa(hours), "channel", rec.ChannelID))
				}
			}
		}
	}
}

func (h *Handler) generateTranscript(s *discordgo.Session, channelID string) string {
	var sb strings.Builder
	sb.WriteString("=== TRANSCRIPCIÓN DEL TICKET ===\n\n")

	msgs, err := s.ChannelMessages(channelID, 100, "", "", "")
	if err != nil {
		sb.WriteString("(No se pudieron recuperar los mensajes)\n")
		return sb.String()
	}

	for idx := len(msgs) - 1; idx >= 0; idx-- {
		m := msgs[idx]
		ts := m.Timestamp.Format("2006-01-02 15:04:05")
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", ts, m.Author.Username, m.Content))
		for _, a := range m.Attachments {
			sb.WriteString(fmt.Sprintf("  📎 %s\n", a.URL))
		}
	}
	return sb.String()
}

func (h *Handler) ensureCategory(s *discordgo.Session, guildID, name string) (string, error) {
	channels, err := s.GuildChannels(guildID)
	if err != nil {
		return "", err
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && strings.EqualFold(ch.Name, name) {
			return ch.ID, nil
		}
	}
	ch, err := s.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildCategory,
	})
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

func roleIDByName(s *discordgo.Session, guildID, name string) string {
	if name == "" {
		return ""
	}
	roles, err := s.GuildRoles(guildID)
	if err != nil {
		return ""
	}
	for _, role := range roles {
		if strings.EqualFold(role.Name, name) {
			return role.ID
		}
	}
	return ""
}

func findTextChannel(s *discordgo.Session, guildID, name string) string {
	if name == "" {
		return ""
	}
	channels, err := s.GuildChannels(guildID)
	if err != nil {
		return ""
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && strings.EqualFold(ch.Name, name) {
			return ch.ID
		}
	}
	return ""
}

func closedByMention(by string) string {
	if by == "" || by == "system" {
		return "sistema"
	}
	return fmt.Sprintf("<@%s>", by)
}

func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			sb.WriteByte('-')
		}
	}
	out := strings.Trim(sb.String(), "-")
	if out == "" {
		out = "ticket"
	}
	return out
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "—"
	}
	return v
}

func onOff(b bool) string {
	if b {
		return "activado"
	}
	return "desactivado"
}

func parseComponentEmoji(emoji string) *discordgo.ComponentEmoji {
	if emoji == "" {
		return nil
	}
	return &discordgo.ComponentEmoji{Name: emoji}
}
